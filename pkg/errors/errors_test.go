package errors

import "testing"

func TestErrors_ErrorMethod(t *testing.T) {
	errs := []error{
		&NotFoundError{Collection: "c1", EntityID: "e1"},
		&ConflictError{Reason: "before-hash mismatch"},
		&CorruptionError{Component: "wal", Detail: "bad magic"},
		&LockHeldError{Path: "/tmp/db"},
		&DurabilityError{Op: "sync", Err: NewIoError("fsync", nil)},
		&ApplyAfterCommitFailedError{Sequence: 1, Err: NewIoError("append", nil)},
		&DecodeError{Reason: "truncated"},
		&EncodeError{Reason: "float rejected"},
		&InvalidArgumentError{Reason: "empty collection name"},
		&IoError{Op: "read", Err: NewIoError("read", nil)},
		&CollectionAlreadyExistsError{Name: "t1"},
		&CollectionNotFoundError{Name: "t1"},
		&IndexNotFoundError{Name: "i1"},
		&WriteLockUnavailableError{},
		&VersionMismatchError{Found: 2, Want: 1},
	}

	for _, e := range errs {
		if e.Error() == "" {
			t.Errorf("Error() returned empty string for %T", e)
		}
	}
}

func TestDurabilityErrorUnwraps(t *testing.T) {
	cause := NewIoError("sync", nil)
	err := &DurabilityError{Op: "sync", Err: cause}
	if err.Unwrap() != cause {
		t.Error("expected Unwrap to return the wrapped cause")
	}
}

func TestApplyAfterCommitFailedErrorUnwraps(t *testing.T) {
	cause := NewIoError("append", nil)
	err := &ApplyAfterCommitFailedError{Sequence: 5, Err: cause}
	if err.Unwrap() != cause {
		t.Error("expected Unwrap to return the wrapped cause")
	}
}
