package backend

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryBackendAppendReadAt(t *testing.T) {
	b := NewMemoryBackend()
	off1, err := b.Append([]byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if off1 != 0 {
		t.Fatalf("expected first append at offset 0, got %d", off1)
	}
	off2, err := b.Append([]byte("world"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if off2 != 5 {
		t.Fatalf("expected second append at offset 5, got %d", off2)
	}

	got, err := b.ReadAt(0, 10)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("ReadAt mismatch: got %q", got)
	}

	size, _ := b.Size()
	if size != 10 {
		t.Fatalf("expected size 10, got %d", size)
	}
}

func TestMemoryBackendTruncate(t *testing.T) {
	b := NewMemoryBackend()
	b.Append([]byte("0123456789"))
	if err := b.Truncate(4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	size, _ := b.Size()
	if size != 4 {
		t.Fatalf("expected size 4 after truncate, got %d", size)
	}
	got, _ := b.ReadAt(0, 4)
	if string(got) != "0123" {
		t.Fatalf("unexpected content after truncate: %q", got)
	}
}

func TestFileBackendAppendSyncReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.dat")

	fb, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := fb.Append([]byte("durable-bytes")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := fb.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := fb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fb2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen OpenFile: %v", err)
	}
	defer fb2.Close()
	size, err := fb2.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len("durable-bytes")) {
		t.Fatalf("expected reopened size %d, got %d", len("durable-bytes"), size)
	}
	got, err := fb2.ReadAt(0, int(size))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "durable-bytes" {
		t.Fatalf("unexpected content after reopen: %q", got)
	}
}

func TestFileBackendReadSeesUnsyncedAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.dat")
	fb, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fb.Close()

	if _, err := fb.Append([]byte("abc")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := fb.ReadAt(0, 3)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("ReadAt did not see unsynced append: %q", got)
	}
}

func TestFileFactoryCreatesUnderDir(t *testing.T) {
	dir := t.TempDir()
	factory := FileFactory(dir)
	b, err := factory("seg-000001.dat")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer b.Close()
	if _, err := os.Stat(filepath.Join(dir, "seg-000001.dat")); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}
