// Package checkpoint implements the spec section 4.10 checkpoint
// protocol: materialize committed state into segments so the WAL can
// be truncated, following an order that leaves a crash between any two
// steps recoverable to the same logical database.
//
// It generalizes the teacher's pkg/storage CheckpointManager — which
// snapshots one B+Tree to a checkpoint_<table>_<index>_<lsn>.chk file
// via a temp-file-then-rename — onto the whole-database protocol: seal
// the active segment, fsync every segment, fsync a WAL CHECKPOINT
// record, save the manifest atomically, and only then truncate the
// WAL. An index snapshot per registered index is written the same way
// the teacher snapshots a tree, at layout.IndexSnapshotPath.
package checkpoint

import (
	"context"
	"os"
	"time"

	"github.com/tembocs/entidb/pkg/elog"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/index"
	"github.com/tembocs/entidb/pkg/layout"
	"github.com/tembocs/entidb/pkg/manifest"
	"github.com/tembocs/entidb/pkg/segment"
	"github.com/tembocs/entidb/pkg/wal"
)

// IndexLookup resolves a registered index's live instance by id.
// recovery.Opened and pkg/db's liveIndexes both satisfy this, and
// pkg/db passes its liveIndexes; checkpoint only depends on the method,
// not on recovery, to avoid a needless import between sibling packages.
type IndexLookup interface {
	IndexByID(id uint32) (index.Index, bool)
}

// MetricsSink receives one call per completed checkpoint, for spec
// section 6's stats(handle) counters. A nil sink means "no metrics
// configured". pkg/metrics.Collector implements this; checkpoint
// depends only on the method, the same way it depends only on
// IndexLookup rather than on pkg/metrics directly.
type MetricsSink interface {
	Checkpointed()
}

// Run executes the five-step protocol against an already-open
// database. committedSeq is the visible sequence to record as the new
// checkpoint; callers pass txn.Manager.VisibleSequence(). On any step's
// failure, Run returns that error immediately and every later step is
// skipped — per the spec, the WAL is left intact and a future Open
// will replay from the last successful checkpoint.
func Run(dir string, store *segment.Store, w *wal.WAL, man *manifest.Manifest, indexes IndexLookup, metrics MetricsSink, committedSeq uint64) error {
	start := time.Now()
	log := elog.With("checkpoint")

	// Step 1: seal the active segment (no-op if it's empty).
	if err := store.SealActive(); err != nil {
		log.Error().Err(err).Msg("failed to seal active segment")
		return err
	}

	// Step 2: fsync every segment backend.
	if err := store.Sync(); err != nil {
		return err
	}

	// Step 3: append and fsync a CHECKPOINT record.
	payload := wal.CheckpointPayload{Sequence: committedSeq}.Encode()
	if _, err := w.AppendRecord(wal.EntryCheckpoint, payload); err != nil {
		return err
	}
	if err := w.Sync(); err != nil {
		return err
	}

	// Index snapshots are written before the manifest update: a crash
	// here just leaves an unreferenced snapshot file on disk, which a
	// future checkpoint's own write simply overwrites (same checkpoint
	// sequence, same filename) or recovery ignores (no manifest
	// checkpoint pointed at it yet).
	if err := snapshotIndexes(dir, man, indexes, committedSeq); err != nil {
		return err
	}

	// Step 4: update and atomically save the manifest. Only after this
	// returns is the new checkpoint sequence durable anywhere other
	// than the WAL record just appended.
	man.SetCheckpoint(committedSeq)
	if err := man.SaveAtomic(layout.ManifestPath(dir)); err != nil {
		return err
	}

	// Step 5: truncate the WAL to zero length, only now that the
	// manifest fsync has returned.
	if err := w.TruncateTo(0); err != nil {
		log.Error().Err(err).Msg("failed to truncate WAL after checkpoint")
		return err
	}
	if metrics != nil {
		metrics.Checkpointed()
	}
	elog.Event(context.Background(), log, "checkpoint", dir, committedSeq, time.Since(start))
	return nil
}

// snapshotIndexes writes one snapshot file per registered index spec,
// named so a later Open can tell at a glance whether a snapshot
// matches the manifest's current checkpoint without reading it.
func snapshotIndexes(dir string, man *manifest.Manifest, indexes IndexLookup, checkpointSeq uint64) error {
	for _, spec := range man.Indexes() {
		idx, ok := indexes.IndexByID(spec.ID)
		if !ok {
			continue
		}
		path := layout.IndexSnapshotPath(dir, spec.ID, checkpointSeq)
		tmpPath := path + ".tmp"

		f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return engerrors.NewIoError("checkpoint: open index snapshot temp file", err)
		}
		if err := idx.Snapshot(f); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return engerrors.NewDurabilityError("checkpoint: sync index snapshot", err)
		}
		if err := f.Close(); err != nil {
			return engerrors.NewIoError("checkpoint: close index snapshot temp file", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return engerrors.NewIoError("checkpoint: rename index snapshot", err)
		}
	}
	return nil
}
