package txn

import (
	"github.com/tembocs/entidb/pkg/encoding"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/segment"
	"github.com/tembocs/entidb/pkg/wal"
)

// ReadTransaction is a READER: any number may coexist with a WRITER, and
// it never observes a commit made after it began (RepeatableRead) or
// after its last read (ReadCommitted).
type ReadTransaction struct {
	mgr         *Manager
	level       IsolationLevel
	snapshotSeq uint64
	state       State
}

// Snapshot returns the sequence this transaction currently reads
// through.
func (tx *ReadTransaction) Snapshot() uint64 { return tx.snapshotSeq }

func (tx *ReadTransaction) refresh() {
	if tx.level == ReadCommitted {
		tx.snapshotSeq = tx.mgr.VisibleSequence()
		tx.mgr.readers.register(tx, tx.snapshotSeq)
	}
}

// Get returns the decoded document visible to this transaction for
// (collectionID, entityID), or ok=false if it does not exist or has
// been deleted at or before the snapshot.
func (tx *ReadTransaction) Get(collectionID uint32, entityID wal.EntityID) (encoding.Map, bool, error) {
	tx.refresh()

	rec, ok, err := tx.mgr.store.LatestBefore(collectionID, entityID, tx.snapshotSeq)
	if err != nil {
		return nil, false, err
	}
	if !ok || rec.Flags&segment.FlagTombstone != 0 {
		return nil, false, nil
	}
	return decodeDoc(rec.Payload)
}

// Drop ends the transaction, unregistering its snapshot from the
// manager's oldest-active-reader tracking.
func (tx *ReadTransaction) Drop() {
	tx.mgr.readers.unregister(tx)
	tx.state = StateIdle
}

func decodeDoc(payload []byte) (encoding.Map, bool, error) {
	v, err := encoding.Decode(payload)
	if err != nil {
		return nil, false, err
	}
	m, ok := v.(encoding.Map)
	if !ok {
		return nil, false, engerrors.NewCorruptionError("txn.decodeDoc", "segment payload is not a document")
	}
	return m, true, nil
}
