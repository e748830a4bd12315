package lock_test

import (
	"testing"

	"github.com/tembocs/entidb/pkg/lock"
)

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	l, err := lock.Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := lock.Acquire(dir)
	if err != nil {
		t.Fatalf("second Acquire after release: %v", err)
	}
	defer l2.Release()
}

func TestSecondAcquireFailsWhileHeld(t *testing.T) {
	dir := t.TempDir()

	l, err := lock.Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	if _, err := lock.Acquire(dir); err == nil {
		t.Fatal("expected second Acquire on the same directory to fail while the first is held")
	}
}
