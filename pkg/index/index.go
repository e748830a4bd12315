// Package index implements the three index engine variants spec
// section 4.6 describes — Hash, Ordered, and Token — behind one small
// capability interface, plus the common on-disk snapshot format all
// three share at checkpoint time.
//
// Each variant maps a byte-encoded key to a set of entity-ids. A
// unique index rejects a second entity under a key already holding
// one. Composite keys are handled transparently: types.Composite
// already implements types.Key, so a multi-field index's extractor
// just returns a Composite like any other key.
package index

import (
	"bufio"
	"encoding/binary"
	"io"

	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/manifest"
	"github.com/tembocs/entidb/pkg/types"
	"github.com/tembocs/entidb/pkg/wal"
)

// Posting pairs a key with the entity-ids registered under it, the
// shape both Range results and snapshot entries share.
type Posting struct {
	Key     types.Key
	Entities []wal.EntityID
}

// KeyEntity is one (key, entity) pair, the unit Backfill consumes.
type KeyEntity struct {
	Key    types.Key
	Entity wal.EntityID
}

// Index is the capability surface every index kind implements.
// Range is only meaningful for Ordered indexes; Hash and Token return
// an InvalidArgumentError from it instead of panicking, so a caller
// that mistakenly tries to range-scan a hash index gets a typed error
// it can branch on.
type Index interface {
	Kind() manifest.IndexKind
	Unique() bool

	Insert(key types.Key, id wal.EntityID) error
	Remove(key types.Key, id wal.EntityID) error
	Lookup(key types.Key) ([]wal.EntityID, bool)
	Range(start, end types.Key, startInclusive, endInclusive bool) ([]Posting, error)

	// Backfill inserts every pair, used to populate a freshly
	// registered index from the collection's current entities under
	// the creator's snapshot.
	Backfill(pairs []KeyEntity) error

	Snapshot(w io.Writer) error
	LoadSnapshot(r io.Reader) error
}

const snapshotMagic = uint32(0x454e5449) // "ENTI"

// writeSnapshotHeader writes the common snapshot header: magic(4) |
// kind(1) | unique(1) | collection-id(4) | name-len(2) | name |
// entry-count(8). The header carries no version byte.
func writeSnapshotHeader(w io.Writer, kind manifest.IndexKind, collectionID uint32, name string, unique bool, entryCount uint64) error {
	bw := bufio.NewWriter(w)
	var hdr [4 + 1 + 1 + 4]byte
	binary.BigEndian.PutUint32(hdr[0:4], snapshotMagic)
	hdr[4] = byte(kind)
	if unique {
		hdr[5] = 1
	}
	binary.BigEndian.PutUint32(hdr[6:10], collectionID)
	if _, err := bw.Write(hdr[:]); err != nil {
		return engerrors.NewIoError("write snapshot header", err)
	}
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	if _, err := bw.Write(nameLen[:]); err != nil {
		return engerrors.NewIoError("write snapshot name length", err)
	}
	if _, err := bw.WriteString(name); err != nil {
		return engerrors.NewIoError("write snapshot name", err)
	}
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], entryCount)
	if _, err := bw.Write(countBuf[:]); err != nil {
		return engerrors.NewIoError("write snapshot entry count", err)
	}
	return bw.Flush()
}

type snapshotHeader struct {
	Kind         manifest.IndexKind
	CollectionID uint32
	Name         string
	Unique       bool
	EntryCount   uint64
}

func readSnapshotHeader(r io.Reader) (snapshotHeader, error) {
	var hdr [4 + 1 + 1 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return snapshotHeader{}, engerrors.NewCorruptionError("index-snapshot", "truncated header")
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != snapshotMagic {
		return snapshotHeader{}, engerrors.NewCorruptionError("index-snapshot", "bad magic")
	}
	kind := manifest.IndexKind(hdr[4])
	unique := hdr[5] != 0
	collectionID := binary.BigEndian.Uint32(hdr[6:10])

	var nameLen [2]byte
	if _, err := io.ReadFull(r, nameLen[:]); err != nil {
		return snapshotHeader{}, engerrors.NewCorruptionError("index-snapshot", "truncated name length")
	}
	nameBuf := make([]byte, binary.BigEndian.Uint16(nameLen[:]))
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return snapshotHeader{}, engerrors.NewCorruptionError("index-snapshot", "truncated name")
	}

	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return snapshotHeader{}, engerrors.NewCorruptionError("index-snapshot", "truncated entry count")
	}

	return snapshotHeader{
		Kind:         kind,
		CollectionID: collectionID,
		Name:         string(nameBuf),
		Unique:       unique,
		EntryCount:   binary.BigEndian.Uint64(countBuf[:]),
	}, nil
}

// writeSnapshotEntry writes one posting: key-len(2) | key |
// entity-count(4) | entity-ids(16*N).
func writeSnapshotEntry(w *bufio.Writer, keyBytes []byte, entities []wal.EntityID) error {
	var keyLen [2]byte
	binary.BigEndian.PutUint16(keyLen[:], uint16(len(keyBytes)))
	if _, err := w.Write(keyLen[:]); err != nil {
		return engerrors.NewIoError("write snapshot entry key length", err)
	}
	if _, err := w.Write(keyBytes); err != nil {
		return engerrors.NewIoError("write snapshot entry key", err)
	}
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(entities)))
	if _, err := w.Write(count[:]); err != nil {
		return engerrors.NewIoError("write snapshot entry entity count", err)
	}
	for _, id := range entities {
		if _, err := w.Write(id[:]); err != nil {
			return engerrors.NewIoError("write snapshot entry entity id", err)
		}
	}
	return nil
}

func readSnapshotEntry(r io.Reader) (keyBytes []byte, entities []wal.EntityID, err error) {
	var keyLen [2]byte
	if _, err := io.ReadFull(r, keyLen[:]); err != nil {
		return nil, nil, engerrors.NewCorruptionError("index-snapshot", "truncated entry key length")
	}
	keyBytes = make([]byte, binary.BigEndian.Uint16(keyLen[:]))
	if _, err := io.ReadFull(r, keyBytes); err != nil {
		return nil, nil, engerrors.NewCorruptionError("index-snapshot", "truncated entry key")
	}

	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, nil, engerrors.NewCorruptionError("index-snapshot", "truncated entry entity count")
	}
	n := binary.BigEndian.Uint32(count[:])
	entities = make([]wal.EntityID, n)
	for i := range entities {
		if _, err := io.ReadFull(r, entities[i][:]); err != nil {
			return nil, nil, engerrors.NewCorruptionError("index-snapshot", "truncated entity id")
		}
	}
	return keyBytes, entities, nil
}
