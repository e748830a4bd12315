package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegisterCollectionAssignsSequentialIDs(t *testing.T) {
	m := New()
	id1, err := m.RegisterCollection("users")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := m.RegisterCollection("orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != 0 || id2 != 1 {
		t.Fatalf("expected sequential ids 0,1 got %d,%d", id1, id2)
	}
}

func TestRegisterCollectionDuplicateFails(t *testing.T) {
	m := New()
	if _, err := m.RegisterCollection("users"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.RegisterCollection("users"); err == nil {
		t.Fatal("expected error for duplicate collection name")
	}
}

func TestRegisterIndexAndLookup(t *testing.T) {
	m := New()
	collID, _ := m.RegisterCollection("users")

	id, err := m.RegisterIndex(IndexSpec{
		Name:       "by_email",
		Collection: collID,
		Kind:       IndexOrdered,
		Fields:     []string{"email"},
		Unique:     true,
		KeyType:    KeyTypeVarchar,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spec, ok := m.IndexByID(id)
	if !ok {
		t.Fatal("expected index to be found")
	}
	if spec.Name != "by_email" || !spec.Unique {
		t.Errorf("unexpected spec: %+v", spec)
	}
}

func TestRegisterIndexDuplicateNameOnSameCollectionFails(t *testing.T) {
	m := New()
	collID, _ := m.RegisterCollection("users")
	m.RegisterIndex(IndexSpec{Name: "by_email", Collection: collID, Kind: IndexHash})
	if _, err := m.RegisterIndex(IndexSpec{Name: "by_email", Collection: collID, Kind: IndexHash}); err == nil {
		t.Fatal("expected error for duplicate index name on same collection")
	}
}

func TestRemoveIndex(t *testing.T) {
	m := New()
	collID, _ := m.RegisterCollection("users")
	id, _ := m.RegisterIndex(IndexSpec{Name: "by_email", Collection: collID, Kind: IndexHash})

	if err := m.RemoveIndex(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.IndexByID(id); ok {
		t.Fatal("expected index to be gone after removal")
	}
	if err := m.RemoveIndex(id); err == nil {
		t.Fatal("expected error removing an already-removed index")
	}
}

func TestCollectionsAndIndexesAreOrdered(t *testing.T) {
	m := New()
	m.RegisterCollection("zebra")
	m.RegisterCollection("apple")
	m.RegisterCollection("mango")

	colls := m.Collections()
	for i := 1; i < len(colls); i++ {
		if colls[i-1].Name > colls[i].Name {
			t.Fatalf("expected name-ordered collections, got %v", colls)
		}
	}

	collID, _ := m.CollectionID("apple")
	m.RegisterIndex(IndexSpec{Name: "i3", Collection: collID, Kind: IndexHash})
	m.RegisterIndex(IndexSpec{Name: "i1", Collection: collID, Kind: IndexHash})
	m.RegisterIndex(IndexSpec{Name: "i2", Collection: collID, Kind: IndexHash})

	idxs := m.Indexes()
	for i := 1; i < len(idxs); i++ {
		if idxs[i-1].ID > idxs[i].ID {
			t.Fatalf("expected id-ordered indexes, got %+v", idxs)
		}
	}
}

func TestSetAndGetCheckpoint(t *testing.T) {
	m := New()
	m.SetCheckpoint(42)
	if got := m.LastCheckpoint(); got != 42 {
		t.Errorf("expected checkpoint 42, got %d", got)
	}
}

func TestSaveAtomicAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")

	m := New()
	collID, err := m.RegisterCollection("users")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RegisterIndex(IndexSpec{
		Name:       "by_email",
		Collection: collID,
		Kind:       IndexOrdered,
		Fields:     []string{"email"},
		Unique:     true,
		KeyType:    KeyTypeVarchar,
	})
	m.SetCheckpoint(7)

	if err := m.SaveAtomic(path); err != nil {
		t.Fatalf("SaveAtomic failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.LastCheckpoint() != 7 {
		t.Errorf("expected checkpoint 7, got %d", loaded.LastCheckpoint())
	}
	gotID, ok := loaded.CollectionID("users")
	if !ok || gotID != collID {
		t.Errorf("expected collection id %d, got %d (ok=%v)", collID, gotID, ok)
	}
	idxs := loaded.Indexes()
	if len(idxs) != 1 || idxs[0].Name != "by_email" || !idxs[0].Unique {
		t.Errorf("unexpected loaded indexes: %+v", idxs)
	}
}

func TestLoadRejectsCorruptData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")
	if err := os.WriteFile(path, []byte{0xFF, 0xFF, 0xFF}, 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading corrupt manifest")
	}
}
