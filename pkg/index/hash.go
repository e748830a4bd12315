package index

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/manifest"
	"github.com/tembocs/entidb/pkg/types"
	"github.com/tembocs/entidb/pkg/wal"
)

// HashIndex supports equality lookup only: a map from a key's encoded
// bytes to the entity-ids registered under it.
type HashIndex struct {
	mu         sync.RWMutex
	name       string
	collection uint32
	unique     bool
	entries    map[string]*hashEntry
}

type hashEntry struct {
	keyBytes []byte
	entities []wal.EntityID
}

// NewHashIndex returns an empty hash index for the given collection.
func NewHashIndex(name string, collection uint32, unique bool) *HashIndex {
	return &HashIndex{
		name:       name,
		collection: collection,
		unique:     unique,
		entries:    make(map[string]*hashEntry),
	}
}

func (h *HashIndex) Kind() manifest.IndexKind { return manifest.IndexHash }
func (h *HashIndex) Unique() bool             { return h.unique }

func (h *HashIndex) Insert(key types.Key, id wal.EntityID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.insertLocked(key, id)
}

func (h *HashIndex) insertLocked(key types.Key, id wal.EntityID) error {
	k := string(key.Encode())
	e, ok := h.entries[k]
	if !ok {
		h.entries[k] = &hashEntry{keyBytes: key.Encode(), entities: []wal.EntityID{id}}
		return nil
	}
	if h.unique && len(e.entities) > 0 {
		return engerrors.NewConflictError(fmt.Sprintf("duplicate key %s on unique hash index %q", key.String(), h.name))
	}
	e.entities = append(e.entities, id)
	return nil
}

func (h *HashIndex) Remove(key types.Key, id wal.EntityID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := string(key.Encode())
	e, ok := h.entries[k]
	if !ok {
		return nil
	}
	for i, existing := range e.entities {
		if existing == id {
			e.entities = append(e.entities[:i], e.entities[i+1:]...)
			break
		}
	}
	if len(e.entities) == 0 {
		delete(h.entries, k)
	}
	return nil
}

func (h *HashIndex) Lookup(key types.Key) ([]wal.EntityID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[string(key.Encode())]
	if !ok {
		return nil, false
	}
	out := make([]wal.EntityID, len(e.entities))
	copy(out, e.entities)
	return out, true
}

func (h *HashIndex) Range(start, end types.Key, startInclusive, endInclusive bool) ([]Posting, error) {
	return nil, engerrors.NewInvalidArgumentError(fmt.Sprintf("hash index %q does not support range scans", h.name))
}

func (h *HashIndex) Backfill(pairs []KeyEntity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range pairs {
		if err := h.insertLocked(p.Key, p.Entity); err != nil {
			return err
		}
	}
	return nil
}

func (h *HashIndex) Snapshot(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := writeSnapshotHeader(w, manifest.IndexHash, h.collection, h.name, h.unique, uint64(len(h.entries))); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, e := range h.entries {
		if err := writeSnapshotEntry(bw, e.keyBytes, e.entities); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (h *HashIndex) LoadSnapshot(r io.Reader) error {
	hdr, err := readSnapshotHeader(r)
	if err != nil {
		return err
	}
	if hdr.Kind != manifest.IndexHash {
		return engerrors.NewCorruptionError("index-snapshot", "kind mismatch loading hash index")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.name = hdr.Name
	h.collection = hdr.CollectionID
	h.unique = hdr.Unique
	h.entries = make(map[string]*hashEntry, hdr.EntryCount)

	for i := uint64(0); i < hdr.EntryCount; i++ {
		keyBytes, entities, err := readSnapshotEntry(r)
		if err != nil {
			return err
		}
		h.entries[string(keyBytes)] = &hashEntry{keyBytes: keyBytes, entities: entities}
	}
	return nil
}
