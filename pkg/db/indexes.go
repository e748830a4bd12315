package db

import (
	"sync"

	"github.com/tembocs/entidb/pkg/index"
	"github.com/tembocs/entidb/pkg/manifest"
)

// liveIndexes is the mutable view of registered indexes a Handle hands
// to txn.NewManager and checkpoint.Run as their IndexSet/IndexLookup.
// recovery.Opened's own IndexByID/IndexesForCollection pair is a fixed
// snapshot taken once at Open; CreateIndex and DropIndex need a view
// that changes underneath an already-running Manager, so Handle keeps
// its own copy instead of handing *recovery.Opened straight through.
type liveIndexes struct {
	mu   sync.RWMutex
	man  *manifest.Manifest
	byID map[uint32]index.Index
}

func newLiveIndexes(man *manifest.Manifest, initial map[uint32]index.Index) *liveIndexes {
	byID := make(map[uint32]index.Index, len(initial))
	for id, idx := range initial {
		byID[id] = idx
	}
	return &liveIndexes{man: man, byID: byID}
}

// IndexByID implements txn.IndexSet and checkpoint.IndexLookup.
func (l *liveIndexes) IndexByID(id uint32) (index.Index, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[id]
	return idx, ok
}

// IndexesForCollection implements txn.IndexSet.
func (l *liveIndexes) IndexesForCollection(collectionID uint32) []manifest.IndexSpec {
	var out []manifest.IndexSpec
	for _, spec := range l.man.Indexes() {
		if spec.Collection == collectionID {
			out = append(out, spec)
		}
	}
	return out
}

// register adds a newly created index to the live set.
func (l *liveIndexes) register(id uint32, idx index.Index) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[id] = idx
}

// remove drops a dropped index from the live set.
func (l *liveIndexes) remove(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, id)
}
