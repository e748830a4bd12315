package segment

import (
	"io"

	"github.com/tembocs/entidb/pkg/backend"
)

// segmentScanner streams every record in a single segment's backend in
// file order, used by compaction to rebuild the latest-per-key view
// without consulting the live entity index (which only ever points at
// the current newest version, not the full history being compacted).
type segmentScanner struct {
	backend backend.Backend
	offset  int64
	size    int64
}

func newSegmentScanner(b backend.Backend) *segmentScanner {
	size, _ := b.Size()
	return &segmentScanner{backend: b, size: size}
}

// next returns the next record and the offset it was read from, or
// io.EOF at a clean end of the segment.
func (s *segmentScanner) next() (*DecodedRecord, int64, error) {
	if s.offset >= s.size {
		return nil, 0, io.EOF
	}
	rec, err := readAt(s.backend, s.offset)
	if err != nil {
		return nil, 0, err
	}
	start := s.offset
	s.offset += int64(4+recordFixedSize+4) + int64(len(rec.Payload))
	return rec, start, nil
}
