// Package db is the Database Facade (spec section 6): the one
// external-interfaces surface a collaborator (CLI, bindings, sync,
// backup) actually calls — open/close, begin_read/begin_write,
// put/delete/get, commit/abort, register_collection/create_index/
// drop_index, checkpoint/compact, subscribe_changes, stats.
//
// It generalizes the teacher's StorageEngine (pkg/storage/engine.go):
// one struct wiring together the WAL, the table metadata, the
// checkpoint manager, and the transaction registry behind
// NewStorageEngine, BeginTransaction/BeginRead, and autocommit
// Put/Get/Scan wrappers around transaction-scoped methods. Handle
// plays the same role over entidb's own pieces — pkg/recovery for
// Open, pkg/txn for transactions, pkg/changefeed for subscribers,
// pkg/checkpoint for Checkpoint, pkg/metrics and pkg/reporter for
// observability — rather than reimplementing any of their protocols
// itself.
package db

import (
	"os"

	"github.com/tembocs/entidb/pkg/changefeed"
	"github.com/tembocs/entidb/pkg/checkpoint"
	"github.com/tembocs/entidb/pkg/elog"
	"github.com/tembocs/entidb/pkg/encoding"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/layout"
	"github.com/tembocs/entidb/pkg/metrics"
	"github.com/tembocs/entidb/pkg/recovery"
	"github.com/tembocs/entidb/pkg/reporter"
	"github.com/tembocs/entidb/pkg/segment"
	"github.com/tembocs/entidb/pkg/txn"
	"github.com/tembocs/entidb/pkg/wal"
)

// Handle is one open database, spec section 6's "handle". It is safe
// for concurrent use by multiple goroutines: every exported method
// either delegates to a pkg/txn.Manager method (already internally
// synchronized) or takes its own lock.
type Handle struct {
	dir     string
	cfg     Config
	opened  *recovery.Opened
	mgr     *txn.Manager
	idx     *liveIndexes
	feed    *changefeed.Feed
	collect *metrics.Collector
	report  *reporter.Reporter
}

// Open opens the database at dir, creating it first if cfg.CreateIfMissing
// is set and no manifest exists there yet. A zero cfg.MaxSegmentBytes
// falls back to recovery.MaxSegmentBytes; every other Config field's
// zero value is itself a meaningful setting (CreateIfMissing=false,
// ScanAllow, no tombstone retention horizon), so unlike DefaultConfig()
// Open never silently substitutes a whole-struct default for a zero
// Config — callers that want DefaultConfig()'s choices ask for them
// explicitly.
func Open(dir string, cfg Config) (*Handle, error) {
	if !cfg.CreateIfMissing {
		if _, err := os.Stat(layout.ManifestPath(dir)); os.IsNotExist(err) {
			return nil, engerrors.NewInvalidArgumentError("database directory has no manifest and create_if_missing is false")
		}
	}

	opened, err := recovery.Open(dir, cfg.MaxSegmentBytes)
	if err != nil {
		return nil, err
	}

	rep, err := reporter.New(reporter.Config{
		DSN:          cfg.Reporter.DSN,
		Environment:  cfg.Reporter.Environment,
		FlushTimeout: cfg.ReporterFlushTimeout,
	})
	if err != nil {
		opened.Lock.Release()
		return nil, err
	}

	collector := metrics.New()
	feed := changefeed.New()
	idx := newLiveIndexes(opened.Manifest, opened.Indexes)

	mgr := txn.NewManager(opened.Store, opened.WAL, opened.Manifest, idx, opened.VisibleSequence, txn.Options{
		Publisher: feed,
		Metrics:   collector,
		Faults:    rep,
		Dir:       dir,
	})

	return &Handle{
		dir:     dir,
		cfg:     cfg,
		opened:  opened,
		mgr:     mgr,
		idx:     idx,
		feed:    feed,
		collect: collector,
		report:  rep,
	}, nil
}

// Close flushes the WAL and releases the directory lock. It does not
// checkpoint first; callers that want a clean-shutdown checkpoint call
// Checkpoint before Close themselves.
func (h *Handle) Close() error {
	h.report.Close()
	var err error
	if cerr := h.opened.WAL.Close(); cerr != nil {
		err = cerr
	}
	if lerr := h.opened.Lock.Release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

// Healthy reports whether the handle is still servable, per spec
// section 7's NEEDS_RECOVERY propagation policy.
func (h *Handle) Healthy() (bool, error) {
	return h.mgr.Healthy()
}

// BeginRead starts a READER transaction.
func (h *Handle) BeginRead(level txn.IsolationLevel) *txn.ReadTransaction {
	return h.mgr.BeginRead(level)
}

// BeginWrite starts a WRITER transaction, blocking until any other
// writer commits or aborts.
func (h *Handle) BeginWrite() (*txn.WriteTransaction, error) {
	return h.mgr.BeginWrite()
}

// Get is the autocommit read: begin a RepeatableRead reader, fetch,
// drop. Mirrors the teacher's StorageEngine.Get wrapping
// Transaction.Get in its own begin/close pair.
func (h *Handle) Get(collectionID uint32, entityID wal.EntityID) (encoding.Map, bool, error) {
	tx := h.BeginRead(txn.RepeatableRead)
	defer tx.Drop()
	return tx.Get(collectionID, entityID)
}

// Put is the autocommit write: begin a writer, buffer one Put intent,
// commit. Mirrors the teacher's StorageEngine.Put.
func (h *Handle) Put(collectionID uint32, entityID wal.EntityID, doc encoding.Map, expectHash *[32]byte) (uint64, error) {
	tx, err := h.BeginWrite()
	if err != nil {
		return 0, err
	}
	tx.Put(collectionID, entityID, doc, expectHash)
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return h.mgr.VisibleSequence(), nil
}

// Delete is the autocommit delete: begin a writer, buffer one Delete
// intent, commit.
func (h *Handle) Delete(collectionID uint32, entityID wal.EntityID, expectHash *[32]byte) (uint64, error) {
	tx, err := h.BeginWrite()
	if err != nil {
		return 0, err
	}
	tx.Delete(collectionID, entityID, expectHash)
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return h.mgr.VisibleSequence(), nil
}

// Scan reads every live (non-tombstoned) entity of collectionID
// visible at an autocommit RepeatableRead snapshot. A ScanForbid
// policy refuses the call outright; ScanWarn logs once and proceeds.
// Mirrors the teacher's StorageEngine.Scan/RangeScan, minus the
// B+Tree-cursor seek optimization pkg/index.OrderedIndex.Range already
// covers for a caller that has an index to seek through instead.
func (h *Handle) Scan(collectionID uint32) ([]encoding.Map, error) {
	switch h.cfg.ScanPolicy {
	case ScanForbid:
		return nil, engerrors.NewInvalidArgumentError("full-collection scans are forbidden by configuration")
	case ScanWarn:
		elog.With("db").Warn().Str("dir", h.dir).Uint32("collection", collectionID).Msg("full-collection scan")
	}

	snapshotSeq := h.mgr.VisibleSequence()
	recs, err := h.opened.Store.IterCollection(collectionID, snapshotSeq)
	if err != nil {
		return nil, err
	}
	out := make([]encoding.Map, 0, len(recs))
	for _, rec := range recs {
		if rec.Flags&segment.FlagTombstone != 0 {
			continue
		}
		doc, err := decodeDocument(rec.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// RegisterCollection assigns a new collection id to name, persisting
// the manifest immediately so a concurrent reopen sees it.
func (h *Handle) RegisterCollection(name string) (uint32, error) {
	id, err := h.opened.Manifest.RegisterCollection(name)
	if err != nil {
		return 0, err
	}
	if err := h.opened.Manifest.SaveAtomic(layout.ManifestPath(h.dir)); err != nil {
		return 0, err
	}
	return id, nil
}

// Checkpoint runs the spec section 4.10 checkpoint protocol against
// the current visible sequence.
func (h *Handle) Checkpoint() error {
	return checkpoint.Run(h.dir, h.opened.Store, h.opened.WAL, h.opened.Manifest, h.idx, h.collect, h.mgr.VisibleSequence())
}

// CompactStats reports what a Compact call changed.
type CompactStats struct {
	SegmentsBefore    int
	TombstonesDropped int
}

// Compact replaces every sealed segment with a freshly written,
// tombstone-pruned copy. dropTombstonesOlderThan overrides the
// configured TombstoneRetentionSequences horizon when non-nil; mirrors
// the teacher's Vacuum (new-heap-then-swap compaction) onto
// segment.Store.ReplaceSealedWithCompacted. Whatever horizon results is
// further capped at the oldest open reader's snapshot sequence, so a
// tombstone still reachable from an in-flight transaction is never
// dropped regardless of the configured or requested threshold.
func (h *Handle) Compact(dropTombstonesOlderThan *uint64) (CompactStats, error) {
	threshold := dropTombstonesOlderThan
	if threshold == nil && h.cfg.TombstoneRetentionSequences > 0 {
		visible := h.mgr.VisibleSequence()
		horizon := uint64(0)
		if visible > h.cfg.TombstoneRetentionSequences {
			horizon = visible - h.cfg.TombstoneRetentionSequences
		}
		threshold = &horizon
	}
	if threshold != nil {
		if oldest := h.mgr.OldestReaderSnapshot(); oldest < *threshold {
			capped := oldest
			threshold = &capped
		}
	}

	stats, err := h.opened.Store.ReplaceSealedWithCompacted(threshold)
	if err != nil {
		return CompactStats{}, err
	}
	h.collect.Compacted()
	return CompactStats{
		SegmentsBefore:    stats.SegmentsBefore,
		TombstonesDropped: stats.TombstonesDropped,
	}, nil
}

// SubscribeChanges registers a new changefeed subscription (spec
// section 4.9).
func (h *Handle) SubscribeChanges(opts changefeed.SubscribeOptions) *changefeed.Subscription {
	return h.feed.Subscribe(opts)
}

// Stats returns a point-in-time counters snapshot.
func (h *Handle) Stats() metrics.Stats {
	return h.collect.Snapshot()
}

// decodeDocument mirrors the decode helper pkg/txn and pkg/recovery
// each keep privately: a segment record's payload is always the
// canonical encoding of a document map.
func decodeDocument(payload []byte) (encoding.Map, error) {
	v, err := encoding.Decode(payload)
	if err != nil {
		return nil, err
	}
	m, ok := v.(encoding.Map)
	if !ok {
		return nil, engerrors.NewCorruptionError("db.Scan", "segment payload is not a document")
	}
	return m, nil
}
