// Package segment implements the Segment Store: the set of append-only
// files holding committed entity records, plus the in-memory entity
// index used to resolve "latest visible version" queries without
// rescanning the files on every read.
//
// This generalizes the teacher's pkg/heap/heap.go (segmented append-only
// file storage with size-based rotation, a segment header, and an
// iterator) from a generic "heap of documents keyed by int offset" into
// the spec's (collection-id, entity-id, sequence, flags)-keyed segment
// record format, running atop the Storage Backend contract instead of
// raw *os.File.
//
// Record layout (little-endian), per the external interface:
//
//	record_len(4) | collection_id(4) | entity_id(16) | flags(1) |
//	sequence(8) | prev_segment_id(4) | prev_offset(8) | payload(N) | crc32(4)
//
// prev_segment_id/prev_offset link to the previous version of the same
// (collection_id, entity_id) — the segment and offset it was written
// at, or (0, -1) if this is the first version. Neither is named in the
// spec's external byte-layout diagram, which only promises the fields
// a consumer outside the core ever needs to interpret; internally they
// are required to serve latest_before(collection, entity, snapshot_seq)
// for a reader whose snapshot predates the newest committed version,
// since the entity index only remembers the newest pointer per key.
// See DESIGN.md.
package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/tembocs/entidb/pkg/backend"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/wal"
)

const (
	FlagTombstone uint8 = 0x01
	FlagEncrypted uint8 = 0x02

	recordFixedSize = 4 + 16 + 1 + 8 + 4 + 8 // collection_id + entity_id + flags + sequence + prev_segment_id + prev_offset
	recordOverhead  = 4 + recordFixedSize + 4
)

// Segment is one append-only file (or in-memory store) within the set.
type Segment struct {
	ID      uint64
	Backend backend.Backend
	Sealed  bool
}

// IndexEntry locates the newest committed version of a key.
type IndexEntry struct {
	SegmentID uint64
	Offset    int64
	Sequence  uint64
	Flags     uint8
}

type entityKey struct {
	CollectionID uint32
	EntityID     wal.EntityID
}

// Store is the segment set plus its in-memory entity index.
type Store struct {
	mu              sync.RWMutex
	compactionMu    sync.Mutex
	factory         backend.Factory
	maxSegmentBytes int64

	segments      []*Segment
	active        *Segment
	nextSegmentID uint64

	index map[entityKey]IndexEntry
}

// Open creates a Store with a single fresh active segment. Recovery
// (pkg/recovery) is responsible for loading existing segments and
// rebuilding the index on a non-empty database; Open itself only
// allocates the first segment when none is supplied.
func Open(factory backend.Factory, maxSegmentBytes int64) (*Store, error) {
	s := &Store{
		factory:         factory,
		maxSegmentBytes: maxSegmentBytes,
		index:           make(map[entityKey]IndexEntry),
	}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenEmpty returns a Store with no segments at all, for recovery to
// populate via LoadSegment before any append can happen. Unlike Open,
// it never allocates a fresh segment 0 — recovery decides whether one
// is needed once it knows what's already on disk.
func OpenEmpty(factory backend.Factory, maxSegmentBytes int64) *Store {
	return &Store{
		factory:         factory,
		maxSegmentBytes: maxSegmentBytes,
		index:           make(map[entityKey]IndexEntry),
	}
}

// EnsureActive finishes recovery's segment setup: if any segments were
// loaded, the newest becomes active (ActivateLast); otherwise this is a
// brand-new database and a fresh segment 0 is allocated.
func (s *Store) EnsureActive() error {
	s.mu.RLock()
	empty := len(s.segments) == 0
	s.mu.RUnlock()
	if empty {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.rotate()
	}
	s.ActivateLast()
	return nil
}

// LoadSegment registers an already-open backend as a known sealed
// segment, used by recovery when reopening a database that has more
// than one segment file on disk. The caller is responsible for calling
// ActivateLast afterward once every existing segment has been loaded.
func (s *Store) LoadSegment(id uint64, b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, &Segment{ID: id, Backend: b, Sealed: true})
	if id >= s.nextSegmentID {
		s.nextSegmentID = id + 1
	}
}

// ActivateLast un-seals the most recently loaded segment so that
// appends resume there, matching the teacher's loadActiveSegmentState:
// the database always keeps writing into the last segment it finds on
// disk rather than starting a fresh one on every open.
func (s *Store) ActivateLast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return
	}
	last := s.segments[len(s.segments)-1]
	last.Sealed = false
	s.active = last
}

func (s *Store) rotate() error {
	id := s.nextSegmentID
	s.nextSegmentID++
	b, err := s.factory(fmt.Sprintf("seg-%06d.dat", id))
	if err != nil {
		return engerrors.NewIoError("segment.rotate", err)
	}
	seg := &Segment{ID: id, Backend: b}
	s.segments = append(s.segments, seg)
	s.active = seg
	return nil
}

// Append writes a record to the active segment, sealing and rotating
// first if it would exceed the configured size cap. It updates the
// entity index so that only the highest-sequence entry for the key is
// retained.
func (s *Store) Append(collectionID uint32, entityID wal.EntityID, flags uint8, sequence uint64, payload []byte) (segmentID uint64, offset int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{CollectionID: collectionID, EntityID: entityID}
	prevSegmentID := uint32(0)
	prevOffset := int64(-1)
	if prev, ok := s.index[key]; ok {
		prevSegmentID = uint32(prev.SegmentID)
		prevOffset = prev.Offset
	}

	size, sizeErr := s.active.Backend.Size()
	if sizeErr != nil {
		return 0, 0, engerrors.NewIoError("segment.Append size", sizeErr)
	}
	needed := int64(recordOverhead + len(payload))
	if size+needed > s.maxSegmentBytes && size > 0 {
		s.active.Sealed = true
		s.compactionMu.Lock()
		rotErr := s.rotate()
		s.compactionMu.Unlock()
		if rotErr != nil {
			return 0, 0, rotErr
		}
	}

	buf := encodeRecord(collectionID, entityID, flags, sequence, prevSegmentID, prevOffset, payload)
	off, err := s.active.Backend.Append(buf)
	if err != nil {
		return 0, 0, engerrors.NewIoError("segment.Append", err)
	}

	s.index[key] = IndexEntry{SegmentID: s.active.ID, Offset: off, Sequence: sequence, Flags: flags}
	return s.active.ID, off, nil
}

func encodeRecord(collectionID uint32, entityID wal.EntityID, flags uint8, sequence uint64, prevSegmentID uint32, prevOffset int64, payload []byte) []byte {
	buf := make([]byte, 0, recordOverhead+len(payload))
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(recordFixedSize+len(payload)))
	buf = append(buf, tmp4[:]...)

	binary.LittleEndian.PutUint32(tmp4[:], collectionID)
	buf = append(buf, tmp4[:]...)
	buf = append(buf, entityID[:]...)
	buf = append(buf, flags)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], sequence)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], prevSegmentID)
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], uint64(prevOffset))
	buf = append(buf, tmp8[:]...)
	buf = append(buf, payload...)

	crc := crc32Checksum(buf)
	binary.LittleEndian.PutUint32(tmp4[:], crc)
	buf = append(buf, tmp4[:]...)
	return buf
}

// DecodedRecord is one decoded segment record.
type DecodedRecord struct {
	CollectionID  uint32
	EntityID      wal.EntityID
	Flags         uint8
	Sequence      uint64
	PrevSegmentID uint64
	PrevOffset    int64
	Payload       []byte
}

// Read decodes one record at (segmentID, offset), verifying its
// record-length-plus-checksum framing.
func (s *Store) Read(segmentID uint64, offset int64) (*DecodedRecord, error) {
	s.mu.RLock()
	seg := s.segmentByID(segmentID)
	s.mu.RUnlock()
	if seg == nil {
		return nil, engerrors.NewCorruptionError("segment", fmt.Sprintf("unknown segment id %d", segmentID))
	}
	return readAt(seg.Backend, offset)
}

func readAt(b backend.Backend, offset int64) (*DecodedRecord, error) {
	lenBuf, err := b.ReadAt(offset, 4)
	if err != nil || len(lenBuf) < 4 {
		return nil, engerrors.NewCorruptionError("segment", "truncated record length")
	}
	recordLen := binary.LittleEndian.Uint32(lenBuf)
	if recordLen < recordFixedSize {
		return nil, engerrors.NewCorruptionError("segment", "record length smaller than fixed header")
	}
	rest, err := b.ReadAt(offset+4, int(recordLen)+4)
	if err != nil || len(rest) < int(recordLen)+4 {
		return nil, engerrors.NewCorruptionError("segment", "truncated record body")
	}
	body := rest[:recordLen]
	crcBytes := rest[recordLen:]

	full := append(append([]byte(nil), lenBuf...), body...)
	wantCRC := crc32Checksum(full)
	gotCRC := binary.LittleEndian.Uint32(crcBytes)
	if wantCRC != gotCRC {
		return nil, engerrors.NewCorruptionError("segment", "checksum mismatch")
	}

	collectionID := binary.LittleEndian.Uint32(body[0:4])
	var entityID wal.EntityID
	copy(entityID[:], body[4:20])
	flags := body[20]
	sequence := binary.LittleEndian.Uint64(body[21:29])
	prevSegmentID := uint64(binary.LittleEndian.Uint32(body[29:33]))
	prevOffset := int64(binary.LittleEndian.Uint64(body[33:41]))
	payload := append([]byte(nil), body[41:]...)

	return &DecodedRecord{
		CollectionID:  collectionID,
		EntityID:      entityID,
		Flags:         flags,
		Sequence:      sequence,
		PrevSegmentID: prevSegmentID,
		PrevOffset:    prevOffset,
		Payload:       payload,
	}, nil
}

func (s *Store) segmentByID(id uint64) *Segment {
	for _, seg := range s.segments {
		if seg.ID == id {
			return seg
		}
	}
	return nil
}

// Latest returns the newest record for a key, or ok=false if unknown.
func (s *Store) Latest(collectionID uint32, entityID wal.EntityID) (IndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[entityKey{CollectionID: collectionID, EntityID: entityID}]
	return e, ok
}

// LatestBefore returns the newest record visible at or before
// snapshotSeq, walking the version chain backward from the newest
// pointer when the current newest version postdates the snapshot.
func (s *Store) LatestBefore(collectionID uint32, entityID wal.EntityID, snapshotSeq uint64) (*DecodedRecord, bool, error) {
	s.mu.RLock()
	entry, ok := s.index[entityKey{CollectionID: collectionID, EntityID: entityID}]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	segID, offset := entry.SegmentID, entry.Offset
	for offset != -1 {
		rec, err := s.Read(segID, offset)
		if err != nil {
			return nil, false, err
		}
		if rec.Sequence <= snapshotSeq {
			return rec, true, nil
		}
		if rec.PrevOffset == -1 {
			break
		}
		segID, offset = rec.PrevSegmentID, rec.PrevOffset
	}
	return nil, false, nil
}

// IterCollection streams the latest visible (non-tombstone) record per
// entity under collectionID, filtered to snapshotSeq.
func (s *Store) IterCollection(collectionID uint32, snapshotSeq uint64) ([]*DecodedRecord, error) {
	s.mu.RLock()
	keys := make([]entityKey, 0)
	for k := range s.index {
		if k.CollectionID == collectionID {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	out := make([]*DecodedRecord, 0, len(keys))
	for _, k := range keys {
		rec, ok, err := s.LatestBefore(k.CollectionID, k.EntityID, snapshotSeq)
		if err != nil {
			return nil, err
		}
		if !ok || rec.Flags&FlagTombstone != 0 {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Sync calls sync on every backend, active and sealed, in order.
func (s *Store) Sync() error {
	s.mu.RLock()
	segs := append([]*Segment(nil), s.segments...)
	s.mu.RUnlock()
	for _, seg := range segs {
		if err := seg.Backend.Sync(); err != nil {
			return engerrors.NewDurabilityError("segment-sync", err)
		}
	}
	return nil
}

// SealActive closes the active segment for further writes and starts a
// fresh one, used by checkpoint step 1. It is a no-op when the active
// segment is still empty.
func (s *Store) SealActive() error {
	s.compactionMu.Lock()
	defer s.compactionMu.Unlock()
	s.mu.Lock()
	size, err := s.active.Backend.Size()
	if err != nil {
		s.mu.Unlock()
		return engerrors.NewIoError("segment.SealActive size", err)
	}
	if size == 0 {
		s.mu.Unlock()
		return nil
	}
	s.active.Sealed = true
	s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Store) rotateLocked() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotate()
}

// RebuildIndex scans every loaded segment in file order and repopulates
// the entity index with each key's newest (segment, offset, sequence,
// flags), keeping only the highest sequence seen across all segments.
// Recovery calls this once every segment has been registered via
// LoadSegment, before the database is declared READY.
func (s *Store) RebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = make(map[entityKey]IndexEntry)
	for _, seg := range s.segments {
		it := newSegmentScanner(seg.Backend)
		for {
			rec, offset, err := it.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return engerrors.NewCorruptionError("segment.RebuildIndex", err.Error())
			}
			k := entityKey{CollectionID: rec.CollectionID, EntityID: rec.EntityID}
			if prev, ok := s.index[k]; ok && prev.Sequence >= rec.Sequence {
				continue
			}
			s.index[k] = IndexEntry{SegmentID: seg.ID, Offset: offset, Sequence: rec.Sequence, Flags: rec.Flags}
		}
	}
	return nil
}

// Segments returns a snapshot of the current segment list, newest last.
func (s *Store) Segments() []*Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Segment(nil), s.segments...)
}

// CompactionStats reports the outcome of a ReplaceSealedWithCompacted
// call.
type CompactionStats struct {
	SegmentsBefore    int
	SegmentsAfter     int
	BytesReclaimed    int64
	TombstonesDropped int
}

// ReplaceSealedWithCompacted atomically rebuilds the sealed segment set
// from a compacted stream: for every key, keep only the highest
// sequence record; drop tombstones older than the retention horizon
// when dropTombstonesOlderThan is not nil.
func (s *Store) ReplaceSealedWithCompacted(dropTombstonesOlderThan *uint64) (CompactionStats, error) {
	s.compactionMu.Lock()
	defer s.compactionMu.Unlock()

	s.mu.RLock()
	sealed := make([]*Segment, 0, len(s.segments))
	var sizeBefore int64
	for _, seg := range s.segments {
		if seg.Sealed {
			sealed = append(sealed, seg)
			if sz, err := seg.Backend.Size(); err == nil {
				sizeBefore += sz
			}
		}
	}
	s.mu.RUnlock()

	latest := map[entityKey]*DecodedRecord{}
	order := make([]entityKey, 0)
	for _, seg := range sealed {
		it := newSegmentScanner(seg.Backend)
		for {
			rec, _, err := it.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return CompactionStats{}, err
			}
			k := entityKey{CollectionID: rec.CollectionID, EntityID: rec.EntityID}
			if prev, ok := latest[k]; !ok || rec.Sequence > prev.Sequence {
				if _, ok := latest[k]; !ok {
					order = append(order, k)
				}
				latest[k] = rec
			}
		}
	}

	newBackend, err := s.factory(fmt.Sprintf("seg-compact-%06d.dat", s.nextSegmentID))
	if err != nil {
		return CompactionStats{}, engerrors.NewIoError("compaction new segment", err)
	}
	stats := CompactionStats{SegmentsBefore: len(sealed)}
	newIndex := map[entityKey]IndexEntry{}
	var dropped int
	for _, k := range order {
		rec := latest[k]
		isTombstone := rec.Flags&FlagTombstone != 0
		if isTombstone && dropTombstonesOlderThan != nil && rec.Sequence < *dropTombstonesOlderThan {
			dropped++
			continue
		}
		buf := encodeRecord(rec.CollectionID, rec.EntityID, rec.Flags, rec.Sequence, 0, -1, rec.Payload)
		off, err := newBackend.Append(buf)
		if err != nil {
			return CompactionStats{}, engerrors.NewIoError("compaction append", err)
		}
		newIndex[k] = IndexEntry{Offset: off, Sequence: rec.Sequence, Flags: rec.Flags}
	}
	if err := newBackend.Sync(); err != nil {
		return CompactionStats{}, engerrors.NewDurabilityError("compaction-sync", err)
	}

	s.mu.Lock()
	newSegID := s.nextSegmentID
	s.nextSegmentID++
	newSeg := &Segment{ID: newSegID, Backend: newBackend, Sealed: true}

	remaining := make([]*Segment, 0, len(s.segments)-len(sealed)+1)
	remaining = append(remaining, newSeg)
	for _, seg := range s.segments {
		if !seg.Sealed {
			remaining = append(remaining, seg)
		}
	}
	s.segments = remaining
	for k, v := range newIndex {
		v.SegmentID = newSegID
		s.index[k] = v
	}
	var sizeAfter int64
	if sz, err := newBackend.Size(); err == nil {
		sizeAfter = sz
	}
	s.mu.Unlock()

	for _, seg := range sealed {
		seg.Backend.Close()
	}

	stats.SegmentsAfter = 1
	stats.BytesReclaimed = sizeBefore - sizeAfter
	stats.TombstonesDropped = dropped
	return stats, nil
}

func crc32Checksum(data []byte) uint32 {
	return wal.CalculateCRC32(data)
}
