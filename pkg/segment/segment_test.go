package segment

import (
	"testing"

	"github.com/tembocs/entidb/pkg/backend"
	"github.com/tembocs/entidb/pkg/wal"
)

func entID(b byte) wal.EntityID {
	var e wal.EntityID
	e[0] = b
	return e
}

func TestAppendAndRead(t *testing.T) {
	s, err := Open(backend.MemoryFactory(), 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	segID, off, err := s.Append(1, entID(1), 0, 10, []byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec, err := s.Read(segID, off)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(rec.Payload) != "hello" {
		t.Errorf("expected payload 'hello', got %q", rec.Payload)
	}
	if rec.Sequence != 10 {
		t.Errorf("expected sequence 10, got %d", rec.Sequence)
	}
	if rec.CollectionID != 1 {
		t.Errorf("expected collection 1, got %d", rec.CollectionID)
	}
}

func TestLatestTracksHighestSequence(t *testing.T) {
	s, err := Open(backend.MemoryFactory(), 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, _, err := s.Append(1, entID(2), 0, 1, []byte("v1")); err != nil {
		t.Fatalf("Append v1: %v", err)
	}
	if _, _, err := s.Append(1, entID(2), 0, 2, []byte("v2")); err != nil {
		t.Fatalf("Append v2: %v", err)
	}

	entry, ok := s.Latest(1, entID(2))
	if !ok {
		t.Fatal("expected latest entry to exist")
	}
	if entry.Sequence != 2 {
		t.Errorf("expected latest sequence 2, got %d", entry.Sequence)
	}

	rec, err := s.Read(entry.SegmentID, entry.Offset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(rec.Payload) != "v2" {
		t.Errorf("expected payload 'v2', got %q", rec.Payload)
	}
}

func TestLatestBeforeWalksVersionChain(t *testing.T) {
	s, err := Open(backend.MemoryFactory(), 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, _, err := s.Append(1, entID(3), 0, 1, []byte("v1")); err != nil {
		t.Fatalf("Append v1: %v", err)
	}
	if _, _, err := s.Append(1, entID(3), 0, 5, []byte("v5")); err != nil {
		t.Fatalf("Append v5: %v", err)
	}

	rec, ok, err := s.LatestBefore(1, entID(3), 3)
	if err != nil {
		t.Fatalf("LatestBefore: %v", err)
	}
	if !ok {
		t.Fatal("expected a visible version at snapshot 3")
	}
	if string(rec.Payload) != "v1" {
		t.Errorf("expected to see v1 at snapshot 3, got %q", rec.Payload)
	}

	rec, ok, err = s.LatestBefore(1, entID(3), 10)
	if err != nil {
		t.Fatalf("LatestBefore: %v", err)
	}
	if !ok || string(rec.Payload) != "v5" {
		t.Errorf("expected to see v5 at snapshot 10, got %q (ok=%v)", rec.Payload, ok)
	}
}

func TestTombstoneFilteredFromIterCollection(t *testing.T) {
	s, err := Open(backend.MemoryFactory(), 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, _, err := s.Append(2, entID(4), 0, 1, []byte("alive")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, _, err := s.Append(2, entID(5), 0, 2, []byte("dead-later")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, _, err := s.Append(2, entID(5), FlagTombstone, 3, nil); err != nil {
		t.Fatalf("Append tombstone: %v", err)
	}

	recs, err := s.IterCollection(2, 100)
	if err != nil {
		t.Fatalf("IterCollection: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 live record, got %d", len(recs))
	}
	if string(recs[0].Payload) != "alive" {
		t.Errorf("expected the surviving record to be 'alive', got %q", recs[0].Payload)
	}
}

func TestSealAndRotateStartsNewSegment(t *testing.T) {
	s, err := Open(backend.MemoryFactory(), 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, _, err := s.Append(1, entID(6), 0, 1, []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	before := len(s.Segments())

	if err := s.SealActive(); err != nil {
		t.Fatalf("SealActive: %v", err)
	}
	after := len(s.Segments())
	if after != before+1 {
		t.Errorf("expected segment count to grow by 1, got %d -> %d", before, after)
	}
	for _, seg := range s.Segments()[:after-1] {
		if !seg.Sealed {
			t.Errorf("segment %d should be sealed", seg.ID)
		}
	}
}

func TestAppendRotatesOnSizeCap(t *testing.T) {
	s, err := Open(backend.MemoryFactory(), 128)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := make([]byte, 64)
	for i := 0; i < 5; i++ {
		if _, _, err := s.Append(1, entID(byte(i)), 0, uint64(i+1), payload); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if len(s.Segments()) < 2 {
		t.Errorf("expected rotation to have produced more than 1 segment, got %d", len(s.Segments()))
	}
}

func TestCompactionDropsOldTombstonesAndKeepsLatest(t *testing.T) {
	s, err := Open(backend.MemoryFactory(), 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, _, err := s.Append(1, entID(7), 0, 1, []byte("v1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, _, err := s.Append(1, entID(7), 0, 2, []byte("v2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, _, err := s.Append(1, entID(8), FlagTombstone, 3, nil); err != nil {
		t.Fatalf("Append tombstone: %v", err)
	}
	if err := s.SealActive(); err != nil {
		t.Fatalf("SealActive: %v", err)
	}

	horizon := uint64(10)
	stats, err := s.ReplaceSealedWithCompacted(&horizon)
	if err != nil {
		t.Fatalf("ReplaceSealedWithCompacted: %v", err)
	}
	if stats.TombstonesDropped != 1 {
		t.Errorf("expected 1 tombstone dropped, got %d", stats.TombstonesDropped)
	}

	entry, ok := s.Latest(1, entID(7))
	if !ok || entry.Sequence != 2 {
		t.Errorf("expected compacted latest sequence 2 for entity 7, got %+v (ok=%v)", entry, ok)
	}
	rec, err := s.Read(entry.SegmentID, entry.Offset)
	if err != nil {
		t.Fatalf("Read after compaction: %v", err)
	}
	if string(rec.Payload) != "v2" {
		t.Errorf("expected compacted payload 'v2', got %q", rec.Payload)
	}
}
