package index

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/tembocs/entidb/pkg/btree"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/manifest"
	"github.com/tembocs/entidb/pkg/types"
	"github.com/tembocs/entidb/pkg/wal"
)

// OrderedIndex supports range scans in byte-lexicographic key order.
// It keeps the teacher's concurrent B+Tree (pkg/btree) for traversal
// and lock-coupled cursor walking exactly as written, but the tree's
// int64 payload slot only ever holds one value per key — it was built
// for a single-row-per-key table, not a multi-entity posting list.
// postings holds the actual entity-id sets; the tree's dataPtr is an
// index into postings, so the tree still drives ordering while
// postings carries the set a non-unique index needs.
type OrderedIndex struct {
	mu         sync.Mutex
	name       string
	collection uint32
	unique     bool
	tree       *btree.BPlusTree
	postings   []orderedPosting
}

type orderedPosting struct {
	key      types.Key
	entities []wal.EntityID
}

// NewOrderedIndex returns an empty ordered index. t is the B+Tree
// branching factor, matching the teacher's NewTree/NewUniqueTree
// constructors.
func NewOrderedIndex(name string, collection uint32, unique bool, t int) *OrderedIndex {
	var tree *btree.BPlusTree
	if unique {
		tree = btree.NewUniqueTree(t)
	} else {
		tree = btree.NewTree(t)
	}
	return &OrderedIndex{
		name:       name,
		collection: collection,
		unique:     unique,
		tree:       tree,
	}
}

func (o *OrderedIndex) Kind() manifest.IndexKind { return manifest.IndexOrdered }
func (o *OrderedIndex) Unique() bool             { return o.unique }

func (o *OrderedIndex) Insert(key types.Key, id wal.EntityID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.insertLocked(key, id)
}

func (o *OrderedIndex) insertLocked(key types.Key, id wal.EntityID) error {
	if slot, found := o.tree.Get(key); found {
		p := &o.postings[slot]
		if o.unique && len(p.entities) > 0 {
			return engerrors.NewConflictError(fmt.Sprintf("duplicate key %s on unique ordered index %q", key.String(), o.name))
		}
		p.entities = append(p.entities, id)
		return nil
	}

	o.postings = append(o.postings, orderedPosting{key: key, entities: []wal.EntityID{id}})
	slot := int64(len(o.postings) - 1)
	if err := o.tree.Insert(key, slot); err != nil {
		o.postings = o.postings[:len(o.postings)-1]
		return err
	}
	return nil
}

func (o *OrderedIndex) Remove(key types.Key, id wal.EntityID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	slot, found := o.tree.Get(key)
	if !found {
		return nil
	}
	p := &o.postings[slot]
	for i, existing := range p.entities {
		if existing == id {
			p.entities = append(p.entities[:i], p.entities[i+1:]...)
			break
		}
	}
	if len(p.entities) == 0 {
		o.tree.Delete(key)
	}
	return nil
}

func (o *OrderedIndex) Lookup(key types.Key) ([]wal.EntityID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	slot, found := o.tree.Get(key)
	if !found {
		return nil, false
	}
	entities := o.postings[slot].entities
	if len(entities) == 0 {
		return nil, false
	}
	out := make([]wal.EntityID, len(entities))
	copy(out, entities)
	return out, true
}

// Range walks the leaf chain starting at the lower bound, in the same
// lock-coupled style as the teacher's storage.Cursor, collecting every
// posting whose key falls within [start, end) (bounds adjusted for
// in/exclusivity). A nil start means "from the first key"; a nil end
// means "to the last key".
func (o *OrderedIndex) Range(start, end types.Key, startInclusive, endInclusive bool) ([]Posting, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var seekKey types.Comparable
	if start != nil {
		seekKey = start
	}

	// FindLeafLowerBound returns the leaf with its RLock already held
	// (the same contract storage.Cursor.Seek relies on); walk the leaf
	// chain with lock coupling — RLock the next leaf before releasing
	// the current one — exactly as Cursor.Next does.
	node, idx := o.tree.FindLeafLowerBound(seekKey)

	var out []Posting
	for node != nil {
		for ; idx < node.N; idx++ {
			key := node.Keys[idx]

			if start != nil && !startInclusive && key.Compare(start) == 0 {
				continue
			}
			if end != nil {
				cmp := key.Compare(end)
				if cmp > 0 || (cmp == 0 && !endInclusive) {
					node.RUnlock()
					return out, nil
				}
			}

			slot := node.DataPtrs[idx]
			p := o.postings[slot]
			if len(p.entities) == 0 {
				continue
			}
			entities := make([]wal.EntityID, len(p.entities))
			copy(entities, p.entities)
			out = append(out, Posting{Key: p.key, Entities: entities})
		}

		next := node.Next
		if next != nil {
			next.RLock()
		}
		node.RUnlock()
		node = next
		idx = 0
	}
	return out, nil
}

func (o *OrderedIndex) Backfill(pairs []KeyEntity) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range pairs {
		if err := o.insertLocked(p.Key, p.Entity); err != nil {
			return err
		}
	}
	return nil
}

func (o *OrderedIndex) Snapshot(w io.Writer) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	live := 0
	for _, p := range o.postings {
		if len(p.entities) > 0 {
			live++
		}
	}

	if err := writeSnapshotHeader(w, manifest.IndexOrdered, o.collection, o.name, o.unique, uint64(live)); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, p := range o.postings {
		if len(p.entities) == 0 {
			continue
		}
		if err := writeSnapshotEntry(bw, p.key.Encode(), p.entities); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (o *OrderedIndex) LoadSnapshot(r io.Reader) error {
	hdr, err := readSnapshotHeader(r)
	if err != nil {
		return err
	}
	if hdr.Kind != manifest.IndexOrdered {
		return engerrors.NewCorruptionError("index-snapshot", "kind mismatch loading ordered index")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.name = hdr.Name
	o.collection = hdr.CollectionID
	o.unique = hdr.Unique
	if o.unique {
		o.tree = btree.NewUniqueTree(o.tree.T)
	} else {
		o.tree = btree.NewTree(o.tree.T)
	}
	o.postings = o.postings[:0]

	for i := uint64(0); i < hdr.EntryCount; i++ {
		keyBytes, entities, err := readSnapshotEntry(r)
		if err != nil {
			return err
		}
		key := types.VarcharKey(keyBytes)
		o.postings = append(o.postings, orderedPosting{key: key, entities: entities})
		if err := o.tree.Insert(key, int64(len(o.postings)-1)); err != nil {
			return engerrors.NewCorruptionError("index-snapshot", "duplicate key rebuilding ordered index")
		}
	}
	return nil
}
