package txn

import (
	"crypto/sha256"
	"fmt"
	"sync/atomic"

	"github.com/tembocs/entidb/pkg/encoding"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/segment"
	"github.com/tembocs/entidb/pkg/wal"
)

// NoRecordHash is the sentinel before_hash an optimistic write compares
// against when it expects the key to not exist yet.
var NoRecordHash = sha256.Sum256(nil)

// ContentHash returns the before_hash of a document's canonical bytes,
// for callers building an expected-hash check ahead of a Put/Delete.
func ContentHash(doc encoding.Map) ([32]byte, error) {
	b, err := canonicalEncode(doc)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

type intentKind uint8

const (
	intentPut intentKind = iota
	intentDelete
)

type intent struct {
	kind         intentKind
	collectionID uint32
	entityID     wal.EntityID
	doc          encoding.Map // nil for delete
	expectHash   *[32]byte
}

// WriteTransaction is the single WRITER allowed to exist at a time. The
// write lock is already held by the time BeginWrite returns it; Commit
// and Abort both release it exactly once.
type WriteTransaction struct {
	mgr         *Manager
	txid        uint64
	snapshotSeq uint64
	state       State
	intents     []intent
	done        bool
}

// Put buffers a write intent; nothing is visible or durable until
// Commit succeeds. expectHash, if non-nil, is compared against the
// canonical hash of the currently-visible version at commit time
// (optimistic concurrency, spec section 4.7's validation phase); pass
// &NoRecordHash to assert the key doesn't exist yet.
func (tx *WriteTransaction) Put(collectionID uint32, entityID wal.EntityID, doc encoding.Map, expectHash *[32]byte) {
	tx.intents = append(tx.intents, intent{
		kind:         intentPut,
		collectionID: collectionID,
		entityID:     entityID,
		doc:          doc,
		expectHash:   expectHash,
	})
}

// Delete buffers a delete intent.
func (tx *WriteTransaction) Delete(collectionID uint32, entityID wal.EntityID, expectHash *[32]byte) {
	tx.intents = append(tx.intents, intent{
		kind:         intentDelete,
		collectionID: collectionID,
		entityID:     entityID,
		expectHash:   expectHash,
	})
}

// Abort appends an ABORT record (fsync not required), discards the
// buffered intents, and releases the write lock.
func (tx *WriteTransaction) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.mgr.writeMu.Unlock()

	if tx.mgr.walw != nil {
		payload := wal.AbortPayload{TxID: tx.txid}.Encode()
		if _, err := tx.mgr.walw.AppendRecord(wal.EntryAbort, payload); err != nil {
			return err
		}
	}
	tx.state = StateAborted
	tx.intents = nil
	if tx.mgr.metrics != nil {
		tx.mgr.metrics.Aborted()
	}
	return nil
}

// currentHash returns the before_hash of whatever is currently visible
// at the transaction's snapshot for (collectionID, entityID), or
// NoRecordHash if nothing is.
func (tx *WriteTransaction) currentHash(collectionID uint32, entityID wal.EntityID) ([32]byte, error) {
	rec, ok, err := tx.mgr.store.LatestBefore(collectionID, entityID, tx.snapshotSeq)
	if err != nil {
		return [32]byte{}, err
	}
	if !ok || rec.Flags&segment.FlagTombstone != 0 {
		return NoRecordHash, nil
	}
	return sha256.Sum256(rec.Payload), nil
}

// Commit runs the spec section 4.7 protocol: validate, append WAL
// records, fsync, apply to segments, update indexes, publish, release.
// No step may be reordered. An empty intent set, once validated,
// writes nothing to the WAL and only releases the write lock.
func (tx *WriteTransaction) Commit() error {
	if tx.done {
		return engerrors.NewInvalidArgumentError("transaction already finished")
	}
	tx.done = true
	defer tx.mgr.writeMu.Unlock()

	// Validation (optimistic conflict detection), strictly before any
	// WAL record is appended: a mismatch aborts with no footprint at
	// all, not even an ABORT record.
	for _, it := range tx.intents {
		if it.expectHash == nil {
			continue
		}
		got, err := tx.currentHash(it.collectionID, it.entityID)
		if err != nil {
			return err
		}
		if got != *it.expectHash {
			tx.state = StateAborted
			tx.intents = nil
			if tx.mgr.metrics != nil {
				tx.mgr.metrics.Conflict()
			}
			return engerrors.NewConflictError(fmt.Sprintf("before-hash mismatch on collection %d entity %x", it.collectionID, it.entityID))
		}
	}

	if len(tx.intents) == 0 {
		tx.state = StateCommitted
		return nil
	}

	// Step 1: BEGIN, one record per write intent, then COMMIT(txid, seq).
	if tx.mgr.walw == nil {
		return engerrors.NewInvalidArgumentError("transaction manager has no WAL configured")
	}
	if _, err := tx.mgr.walw.AppendRecord(wal.EntryBegin, wal.BeginPayload{TxID: tx.txid}.Encode()); err != nil {
		return err
	}

	nextSeq := tx.mgr.VisibleSequence() + 1

	for _, it := range tx.intents {
		if it.kind == intentDelete {
			payload := wal.DeletePayload{
				TxID:          tx.txid,
				CollectionID:  it.collectionID,
				EntityID:      it.entityID,
				HasBeforeHash: it.expectHash != nil,
			}
			if it.expectHash != nil {
				payload.BeforeHash = *it.expectHash
			}
			if _, err := tx.mgr.walw.AppendRecord(wal.EntryDelete, payload.Encode()); err != nil {
				return err
			}
			continue
		}

		docBytes, err := canonicalEncode(it.doc)
		if err != nil {
			return err
		}
		payload := wal.PutPayload{
			TxID:          tx.txid,
			CollectionID:  it.collectionID,
			EntityID:      it.entityID,
			HasBeforeHash: it.expectHash != nil,
			Payload:       docBytes,
		}
		if it.expectHash != nil {
			payload.BeforeHash = *it.expectHash
		}
		if _, err := tx.mgr.walw.AppendRecord(wal.EntryPut, payload.Encode()); err != nil {
			return err
		}
	}

	if _, err := tx.mgr.walw.AppendRecord(wal.EntryCommit, wal.CommitPayload{TxID: tx.txid, Sequence: nextSeq}.Encode()); err != nil {
		return err
	}

	// Step 2: fsync. Until this returns, nothing below is reachable —
	// the transaction is not durable yet.
	if err := tx.mgr.walw.Sync(); err != nil {
		tx.state = StateAborted
		return err
	}

	// From here on the transaction IS durably committed: any failure
	// below is not a rollback, it is NEEDS_RECOVERY, and the write lock
	// still has to be released so a future writer (after recovery)
	// can proceed.
	events, err := tx.applyToSegmentsAndIndexes(nextSeq)
	if err != nil {
		tx.mgr.markUnhealthy(err)
		tx.state = StateNeedsRecovery
		return err
	}

	// Step 5: publish.
	atomic.StoreUint64(&tx.mgr.visibleSeq, nextSeq)
	tx.state = StateCommitted

	if tx.mgr.metrics != nil {
		tx.mgr.metrics.CommitOK()
	}

	// Step 6 (lock release happens via the deferred Unlock above).
	// Emit change events after the lock is conceptually free — the
	// defer runs after this function returns, so publish now and let
	// Unlock follow it; this only matters for ordering between this
	// goroutine's own unlock and its own publish, which the caller
	// can't observe either way.
	if tx.mgr.pub != nil {
		for _, ev := range events {
			tx.mgr.pub.Publish(ev)
		}
	}
	return nil
}

// applyToSegmentsAndIndexes performs commit steps 3 and 4: append each
// intent to the active segment, then maintain every registered index
// for its collection. A segment append failure surfaces as
// ApplyAfterCommitFailedError per spec section 4.7 step 3 — the
// transaction is already committed, recovery completes the apply.
func (tx *WriteTransaction) applyToSegmentsAndIndexes(seq uint64) ([]Event, error) {
	events := make([]Event, 0, len(tx.intents))
	for _, it := range tx.intents {
		// Whether a visible prior version exists has to be known before
		// the new record is appended: once appended, the entity index's
		// "latest" pointer moves to this record and there is no other
		// signal left to tell insert from update. A delete's prior
		// document also has to be read now — once the tombstone lands,
		// the old payload is only reachable through a version-chain walk
		// this package has no reason to duplicate.
		var priorDoc encoding.Map
		var hadPrior bool
		if rec, ok := tx.mgr.store.Latest(it.collectionID, it.entityID); ok {
			if prior, live, decErr := decodeIfLive(rec, tx.mgr); decErr == nil && live {
				priorDoc = prior
				hadPrior = true
			}
		}

		flags := uint8(0)
		var payload []byte
		if it.kind == intentDelete {
			flags = segment.FlagTombstone
		} else {
			b, err := canonicalEncode(it.doc)
			if err != nil {
				return nil, engerrors.NewApplyAfterCommitFailedError(seq, err)
			}
			payload = b
		}
		if _, _, err := tx.mgr.store.Append(it.collectionID, it.entityID, flags, seq, payload); err != nil {
			return nil, engerrors.NewApplyAfterCommitFailedError(seq, err)
		}
		if tx.mgr.metrics != nil {
			tx.mgr.metrics.BytesAppended(len(payload))
		}

		if err := tx.maintainIndexes(it, priorDoc); err != nil {
			return nil, err
		}

		ev := Event{CollectionID: it.collectionID, EntityID: it.entityID, Sequence: seq}
		switch {
		case it.kind == intentDelete:
			ev.Kind = EventDelete
		case hadPrior:
			ev.Kind = EventUpdate
			ev.Payload = it.doc
		default:
			ev.Kind = EventInsert
			ev.Payload = it.doc
		}
		events = append(events, ev)
	}
	return events, nil
}

// decodeIfLive decodes rec's payload, but only if it is not itself
// already a tombstone (a delete of an already-deleted entity has
// nothing to remove from any index).
func decodeIfLive(rec segment.IndexEntry, mgr *Manager) (doc encoding.Map, live bool, err error) {
	if rec.Flags&segment.FlagTombstone != 0 {
		return nil, false, nil
	}
	full, err := mgr.store.Read(rec.SegmentID, rec.Offset)
	if err != nil {
		return nil, false, err
	}
	v, err := encoding.Decode(full.Payload)
	if err != nil {
		return nil, false, err
	}
	m, ok := v.(encoding.Map)
	if !ok {
		return nil, false, engerrors.NewCorruptionError("txn.decodeIfLive", "segment payload is not a document")
	}
	return m, true, nil
}

func (tx *WriteTransaction) maintainIndexes(it intent, priorDoc encoding.Map) error {
	if tx.mgr.indexes == nil {
		return nil
	}
	for _, spec := range tx.mgr.indexes.IndexesForCollection(it.collectionID) {
		idx, ok := tx.mgr.indexes.IndexByID(spec.ID)
		if !ok {
			continue
		}

		if it.kind == intentDelete {
			if priorDoc == nil {
				continue
			}
			key, err := ExtractKey(priorDoc, spec)
			if err != nil {
				continue
			}
			if err := idx.Remove(key, it.entityID); err != nil {
				return tx.indexDefect(spec.Name, err)
			}
			continue
		}

		key, err := ExtractKey(it.doc, spec)
		if err != nil {
			// A document that doesn't carry an indexed field is not a
			// maintenance defect; it simply isn't represented in that
			// index. Validation of required fields, if any, belongs to
			// a higher layer (pkg/db), not the transaction manager.
			continue
		}
		if err := idx.Insert(key, it.entityID); err != nil {
			return tx.indexDefect(spec.Name, err)
		}
	}
	return nil
}

// indexDefect implements spec section 4.7's "a unique-index conflict
// detected in step 4 retroactively invalidates the commit only if
// caught at validation; otherwise it is a defect": since validation
// already ran before any WAL record was written, reaching a conflict
// here means either a concurrent writer slipped past the single-writer
// lock or the index itself disagrees with what was on disk. Debug
// builds panic; release builds flag corruption and mark the database
// unhealthy.
func (tx *WriteTransaction) indexDefect(indexName string, err error) error {
	if tx.mgr.debug {
		panic(fmt.Sprintf("index maintenance defect on %q: %v", indexName, err))
	}
	return engerrors.NewCorruptionError("txn.maintainIndexes", err.Error())
}
