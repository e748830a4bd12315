package recovery_test

import (
	"testing"

	"github.com/tembocs/entidb/pkg/encoding"
	"github.com/tembocs/entidb/pkg/layout"
	"github.com/tembocs/entidb/pkg/manifest"
	"github.com/tembocs/entidb/pkg/recovery"
	"github.com/tembocs/entidb/pkg/txn"
	"github.com/tembocs/entidb/pkg/types"
	"github.com/tembocs/entidb/pkg/wal"
)

func entID(b byte) wal.EntityID {
	var e wal.EntityID
	e[0] = b
	return e
}

func TestOpenBootstrapsNewDatabase(t *testing.T) {
	dir := t.TempDir()

	opened, err := recovery.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Lock.Release()

	if opened.VisibleSequence != 0 {
		t.Fatalf("expected a fresh database to start at sequence 0, got %d", opened.VisibleSequence)
	}
	if len(opened.Indexes) != 0 {
		t.Fatalf("expected no indexes in a brand-new database, got %d", len(opened.Indexes))
	}
}

func TestReopenAfterCleanCloseReplaysCommittedWrite(t *testing.T) {
	dir := t.TempDir()

	opened, err := recovery.Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	collID, err := opened.Manifest.RegisterCollection("users")
	if err != nil {
		t.Fatalf("RegisterCollection: %v", err)
	}
	spec := manifest.IndexSpec{Name: "by_email", Collection: collID, Kind: manifest.IndexHash, Fields: []string{"email"}, Unique: true, KeyType: manifest.KeyTypeVarchar}
	if _, err := opened.Manifest.RegisterIndex(spec); err != nil {
		t.Fatalf("RegisterIndex: %v", err)
	}
	if err := opened.Manifest.SaveAtomic(layout.ManifestPath(dir)); err != nil {
		t.Fatalf("SaveAtomic: %v", err)
	}

	mgr := txn.NewManager(opened.Store, opened.WAL, opened.Manifest, opened, opened.VisibleSequence, txn.Options{})
	wtx, err := mgr.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	wtx.Put(collID, entID(1), encoding.Map{"email": "a@x.com"}, nil)
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	opened.Lock.Release()

	reopened, err := recovery.Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer reopened.Lock.Release()

	if reopened.VisibleSequence != 1 {
		t.Fatalf("expected visible sequence 1 after reopen, got %d", reopened.VisibleSequence)
	}

	rec, ok := reopened.Store.Latest(collID, entID(1))
	if !ok {
		t.Fatal("expected entity to survive reopen")
	}
	full, err := reopened.Store.Read(rec.SegmentID, rec.Offset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	doc, err := encoding.Decode(full.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m, ok := doc.(encoding.Map); !ok || m["email"] != "a@x.com" {
		t.Fatalf("unexpected document after reopen: %+v", doc)
	}

	idx, ok := reopened.IndexByID(0)
	if !ok {
		t.Fatal("expected the registered index to be rebuilt on reopen")
	}
	ids, found := idx.Lookup(types.VarcharKey("a@x.com"))
	if !found || len(ids) != 1 || ids[0] != entID(1) {
		t.Fatalf("expected rebuilt index to resolve entity 1, got %v (found=%v)", ids, found)
	}
}

func TestRecoveryRedoesCommitMissingFromSegments(t *testing.T) {
	dir := t.TempDir()

	opened, err := recovery.Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	collID, err := opened.Manifest.RegisterCollection("users")
	if err != nil {
		t.Fatalf("RegisterCollection: %v", err)
	}
	if err := opened.Manifest.SaveAtomic(layout.ManifestPath(dir)); err != nil {
		t.Fatalf("SaveAtomic: %v", err)
	}

	// Simulate a crash between the WAL commit fsync returning and the
	// segment-apply step running: the WAL carries a full BEGIN/PUT/COMMIT
	// group for an entity that was never appended to any segment.
	doc := encoding.Map{"email": "b@x.com"}
	docBytes, err := encoding.Encode(doc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	const txid = 42
	if _, err := opened.WAL.AppendRecord(wal.EntryBegin, wal.BeginPayload{TxID: txid}.Encode()); err != nil {
		t.Fatalf("append BEGIN: %v", err)
	}
	putPayload := wal.PutPayload{TxID: txid, CollectionID: collID, EntityID: entID(7), Payload: docBytes}
	if _, err := opened.WAL.AppendRecord(wal.EntryPut, putPayload.Encode()); err != nil {
		t.Fatalf("append PUT: %v", err)
	}
	if _, err := opened.WAL.AppendRecord(wal.EntryCommit, wal.CommitPayload{TxID: txid, Sequence: 1}.Encode()); err != nil {
		t.Fatalf("append COMMIT: %v", err)
	}
	if err := opened.WAL.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if _, ok := opened.Store.Latest(collID, entID(7)); ok {
		t.Fatal("test setup invariant broken: entity should not be in segments yet")
	}

	opened.Lock.Release()

	reopened, err := recovery.Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer reopened.Lock.Release()

	if reopened.VisibleSequence != 1 {
		t.Fatalf("expected recovery to apply the dangling commit, sequence=%d", reopened.VisibleSequence)
	}
	if _, ok := reopened.Store.Latest(collID, entID(7)); !ok {
		t.Fatal("expected recovery to redo the segment apply for the dangling commit")
	}
}

func TestRecoveryDiscardsBeginWithoutCommit(t *testing.T) {
	dir := t.TempDir()

	opened, err := recovery.Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	collID, err := opened.Manifest.RegisterCollection("users")
	if err != nil {
		t.Fatalf("RegisterCollection: %v", err)
	}
	if err := opened.Manifest.SaveAtomic(layout.ManifestPath(dir)); err != nil {
		t.Fatalf("SaveAtomic: %v", err)
	}

	doc := encoding.Map{"email": "c@x.com"}
	docBytes, _ := encoding.Encode(doc)
	if _, err := opened.WAL.AppendRecord(wal.EntryBegin, wal.BeginPayload{TxID: 99}.Encode()); err != nil {
		t.Fatalf("append BEGIN: %v", err)
	}
	putPayload := wal.PutPayload{TxID: 99, CollectionID: collID, EntityID: entID(9), Payload: docBytes}
	if _, err := opened.WAL.AppendRecord(wal.EntryPut, putPayload.Encode()); err != nil {
		t.Fatalf("append PUT: %v", err)
	}
	if err := opened.WAL.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	opened.Lock.Release()

	reopened, err := recovery.Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer reopened.Lock.Release()

	if reopened.VisibleSequence != 0 {
		t.Fatalf("expected an uncommitted BEGIN to leave sequence at 0, got %d", reopened.VisibleSequence)
	}
	if _, ok := reopened.Store.Latest(collID, entID(9)); ok {
		t.Fatal("expected an uncommitted BEGIN's writes to never apply")
	}
}
