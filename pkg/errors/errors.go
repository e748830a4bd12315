// Package errors defines the engine's error taxonomy as typed values.
//
// Every constructor wraps its struct with github.com/cockroachdb/errors so
// that a stack trace travels with the error from the point it was raised,
// not from wherever a caller first logged it. Callers classify an error by
// kind using errors.As against the concrete type, never by string matching.
package errors

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
)

// NotFoundError: key absent at the reader's snapshot. A normal return, not
// an exception — callers test for it, they don't treat it as fatal.
type NotFoundError struct {
	Collection string
	EntityID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found in collection %q", e.EntityID, e.Collection)
}

func NewNotFoundError(collection, entityID string) error {
	return cerrors.WithStack(&NotFoundError{Collection: collection, EntityID: entityID})
}

// ConflictError: optimistic before-hash mismatch on commit, or a unique
// index violation detected at validation. Caller-recoverable: retry with a
// fresh snapshot.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

func NewConflictError(reason string) error {
	return cerrors.WithStack(&ConflictError{Reason: reason})
}

// CorruptionError: mid-stream checksum failure, malformed record framing,
// manifest checksum failure, or an unknown major format version. Fatal on
// open; poisons an already-open handle.
type CorruptionError struct {
	Component string
	Detail    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption in %s: %s", e.Component, e.Detail)
}

func NewCorruptionError(component, detail string) error {
	return cerrors.WithStack(&CorruptionError{Component: component, Detail: detail})
}

// LockHeldError: another process already owns the directory's advisory
// lock.
type LockHeldError struct {
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("database directory %q is locked by another process", e.Path)
}

func NewLockHeldError(path string) error {
	return cerrors.WithStack(&LockHeldError{Path: path})
}

// DurabilityError: the storage backend's sync() returned an error. Fatal;
// the handle is marked NEEDS_RECOVERY.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability failure during %s: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

func NewDurabilityError(op string, cause error) error {
	return cerrors.WithStack(&DurabilityError{Op: op, Err: cause})
}

// ApplyAfterCommitFailedError: segment append failed after the WAL commit
// was already durable. The transaction IS committed; the handle is marked
// NEEDS_RECOVERY and the next open must complete the apply via WAL replay.
type ApplyAfterCommitFailedError struct {
	Sequence uint64
	Err      error
}

func (e *ApplyAfterCommitFailedError) Error() string {
	return fmt.Sprintf("apply after commit failed at sequence %d: %v", e.Sequence, e.Err)
}

func (e *ApplyAfterCommitFailedError) Unwrap() error { return e.Err }

func NewApplyAfterCommitFailedError(sequence uint64, cause error) error {
	return cerrors.WithStack(&ApplyAfterCommitFailedError{Sequence: sequence, Err: cause})
}

// DecodeError: the canonical encoder rejected malformed, trailing, or
// disallowed-construct input on decode.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s", e.Reason)
}

func NewDecodeError(reason string) error {
	return cerrors.WithStack(&DecodeError{Reason: reason})
}

// EncodeError: the canonical encoder rejected a value it was asked to
// produce (e.g. a float, or a non-UTF-8 string).
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode error: %s", e.Reason)
}

func NewEncodeError(reason string) error {
	return cerrors.WithStack(&EncodeError{Reason: reason})
}

// InvalidArgumentError: zero-length collection name, malformed entity id,
// wrong-length key for a fixed-size index, and similar caller mistakes.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Reason)
}

func NewInvalidArgumentError(reason string) error {
	return cerrors.WithStack(&InvalidArgumentError{Reason: reason})
}

// IoError: underlying backend failure not covered by a more specific kind
// above.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func NewIoError(op string, cause error) error {
	return cerrors.WithStack(&IoError{Op: op, Err: cause})
}

// CollectionAlreadyExistsError mirrors the teacher's TableAlreadyExistsError,
// renamed to the spec's "collection" vocabulary.
type CollectionAlreadyExistsError struct {
	Name string
}

func (e *CollectionAlreadyExistsError) Error() string {
	return fmt.Sprintf("collection %q already registered", e.Name)
}

func NewCollectionAlreadyExistsError(name string) error {
	return cerrors.WithStack(&CollectionAlreadyExistsError{Name: name})
}

// CollectionNotFoundError mirrors the teacher's TableNotFoundError.
type CollectionNotFoundError struct {
	Name string
}

func (e *CollectionNotFoundError) Error() string {
	return fmt.Sprintf("collection %q not registered", e.Name)
}

func NewCollectionNotFoundError(name string) error {
	return cerrors.WithStack(&CollectionNotFoundError{Name: name})
}

// IndexNotFoundError mirrors the teacher's IndexNotFoundError.
type IndexNotFoundError struct {
	Name string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index %q not found", e.Name)
}

func NewIndexNotFoundError(name string) error {
	return cerrors.WithStack(&IndexNotFoundError{Name: name})
}

// WriteLockUnavailableError: begin_write could not acquire the in-process
// write lock (a second writer is already active). Distinct from
// LockHeldError, which is the cross-process advisory lock on the
// directory.
type WriteLockUnavailableError struct{}

func (e *WriteLockUnavailableError) Error() string {
	return "write transaction already in progress"
}

func NewWriteLockUnavailableError() error {
	return cerrors.WithStack(&WriteLockUnavailableError{})
}

// VersionMismatchError: the manifest's major format version is newer or
// incompatible with this build.
type VersionMismatchError struct {
	Found, Want uint8
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("manifest format version mismatch: found %d, want %d", e.Found, e.Want)
}

func NewVersionMismatchError(found, want uint8) error {
	return cerrors.WithStack(&VersionMismatchError{Found: found, Want: want})
}
