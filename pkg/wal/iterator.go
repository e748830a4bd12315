package wal

import (
	"encoding/binary"
	"io"

	"github.com/tembocs/entidb/pkg/backend"
	engerrors "github.com/tembocs/entidb/pkg/errors"
)

// maxPayloadLen guards against absurd allocations if the length field
// were ever read from garbage bytes.
const maxPayloadLen = 1 << 30 // 1GB

// Iterator streams records from a Backend in order, starting at offset
// 0. A cut-off trailing record — one whose envelope or payload extends
// past the end of the backend — ends iteration cleanly via io.EOF,
// exactly like reaching a fully-written record boundary at the true end
// of the log: this is how a WAL that was mid-append when the process
// crashed recovers without operator intervention. A checksum mismatch
// on an otherwise complete record is never treated this way; it is
// reported as CorruptionError because it indicates a record that was
// fully written but whose bytes were damaged afterward.
type Iterator struct {
	backend backend.Backend
	offset  int64
	size    int64
}

func NewIterator(b backend.Backend) *Iterator {
	size, _ := b.Size()
	return &Iterator{backend: b, size: size}
}

// Next returns the next record, (nil, io.EOF) at a clean end, or a
// CorruptionError on a mid-stream checksum or magic failure.
func (it *Iterator) Next() (*Record, error) {
	if it.offset >= it.size {
		return nil, io.EOF
	}

	headerBuf, err := it.backend.ReadAt(it.offset, HeaderSize)
	if err != nil {
		return nil, engerrors.NewIoError("wal.Iterator.Next header", err)
	}
	if len(headerBuf) < HeaderSize {
		return nil, io.EOF // truncated envelope: clean end
	}

	var header RecordHeader
	header.Decode(headerBuf)

	if header.Magic != WALMagic {
		return nil, engerrors.NewCorruptionError("wal", "bad magic number mid-stream")
	}
	if header.Length > maxPayloadLen {
		return nil, engerrors.NewCorruptionError("wal", "payload length exceeds sanity limit")
	}

	payloadAndTrailer, err := it.backend.ReadAt(it.offset+HeaderSize, int(header.Length)+TrailerSize)
	if err != nil {
		return nil, engerrors.NewIoError("wal.Iterator.Next payload", err)
	}
	if len(payloadAndTrailer) < int(header.Length)+TrailerSize {
		return nil, io.EOF // truncated payload or trailer: clean end
	}

	payload := payloadAndTrailer[:header.Length]
	trailer := payloadAndTrailer[header.Length:]
	gotCRC := binary.LittleEndian.Uint32(trailer)
	wantCRC := checksum(header, payload)
	if gotCRC != wantCRC {
		return nil, engerrors.NewCorruptionError("wal", "checksum mismatch on a fully-framed record")
	}

	rec := &Record{
		Header:  header,
		Payload: append([]byte(nil), payload...),
		Offset:  it.offset,
	}
	it.offset += int64(HeaderSize) + int64(header.Length) + int64(TrailerSize)
	return rec, nil
}

// Offset reports the iterator's current read position, useful for
// resuming or for reporting how much of the log was consumed before a
// clean or corrupt end.
func (it *Iterator) Offset() int64 { return it.offset }
