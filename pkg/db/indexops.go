package db

import (
	"github.com/tembocs/entidb/pkg/index"
	"github.com/tembocs/entidb/pkg/layout"
	"github.com/tembocs/entidb/pkg/manifest"
	"github.com/tembocs/entidb/pkg/txn"
)

// CreateIndex registers a new index spec, backfills it from the
// collection's current state, and makes it live. spec.ID and
// spec.Collection's validity are the manifest's concern; CreateIndex's
// own job is picking a consistent snapshot to backfill from and doing
// so without racing a concurrent writer.
//
// It opens and immediately commits an empty write transaction first:
// WriteTransaction.Commit on a zero-intent transaction still acquires
// and releases the single write lock, so this serializes index
// creation against any writer already in flight and hands back a
// snapshot sequence no later write can have landed behind.
func (h *Handle) CreateIndex(spec manifest.IndexSpec) (uint32, error) {
	barrier, err := h.BeginWrite()
	if err != nil {
		return 0, err
	}
	if err := barrier.Commit(); err != nil {
		return 0, err
	}
	snapshotSeq := h.mgr.VisibleSequence()

	id, err := h.opened.Manifest.RegisterIndex(spec)
	if err != nil {
		return 0, err
	}
	spec.ID = id

	idx, err := index.New(spec)
	if err != nil {
		h.opened.Manifest.RemoveIndex(id)
		return 0, err
	}

	recs, err := h.opened.Store.IterCollection(spec.Collection, snapshotSeq)
	if err != nil {
		h.opened.Manifest.RemoveIndex(id)
		return 0, err
	}
	pairs := make([]index.KeyEntity, 0, len(recs))
	for _, rec := range recs {
		doc, err := decodeDocument(rec.Payload)
		if err != nil {
			h.opened.Manifest.RemoveIndex(id)
			return 0, err
		}
		key, err := txn.ExtractKey(doc, spec)
		if err != nil {
			// A document missing the indexed field is skipped, not
			// fatal: the index just starts without an entry for it,
			// same as a field added to the schema after older rows were
			// written.
			continue
		}
		pairs = append(pairs, index.KeyEntity{Key: key, Entity: rec.EntityID})
	}
	if err := idx.Backfill(pairs); err != nil {
		h.opened.Manifest.RemoveIndex(id)
		return 0, err
	}

	h.idx.register(id, idx)

	if err := h.opened.Manifest.SaveAtomic(layout.ManifestPath(h.dir)); err != nil {
		return 0, err
	}
	return id, nil
}

// DropIndex removes a registered index, stopping it from maintaining
// itself on future writes. The same empty-write-transaction barrier
// CreateIndex uses keeps a concurrent writer from maintaining an index
// mid-removal.
func (h *Handle) DropIndex(id uint32) error {
	barrier, err := h.BeginWrite()
	if err != nil {
		return err
	}
	if err := barrier.Commit(); err != nil {
		return err
	}

	if err := h.opened.Manifest.RemoveIndex(id); err != nil {
		return err
	}
	h.idx.remove(id)
	return h.opened.Manifest.SaveAtomic(layout.ManifestPath(h.dir))
}
