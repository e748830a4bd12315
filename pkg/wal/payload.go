package wal

import (
	"encoding/binary"

	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/google/uuid"
)

// EntityID is the engine-wide 128-bit entity identifier.
type EntityID [16]byte

// NewEntityID mints a fresh time-ordered entity id, generalizing the
// teacher's engine.GenerateKey (uuid.NewV7, returned as a string) onto
// the fixed-size EntityID this package's records actually carry: no
// string round-trip, and the timestamp-prefixed UUIDv7 layout keeps
// ids roughly insertion-ordered, which benefits any ordered index built
// over an entity id column.
func NewEntityID() (EntityID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return EntityID{}, engerrors.NewIoError("wal.NewEntityID", err)
	}
	return EntityID(id), nil
}

// BeginPayload: BEGIN(txid).
type BeginPayload struct {
	TxID uint64
}

func (p BeginPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.TxID)
	return buf
}

func DecodeBeginPayload(b []byte) (BeginPayload, error) {
	if len(b) != 8 {
		return BeginPayload{}, engerrors.NewDecodeError("malformed BEGIN payload")
	}
	return BeginPayload{TxID: binary.LittleEndian.Uint64(b)}, nil
}

// PutPayload: PUT(collection-id, entity-id, optional before-hash, payload-bytes).
type PutPayload struct {
	TxID         uint64
	CollectionID uint32
	EntityID     EntityID
	HasBeforeHash bool
	BeforeHash   [32]byte
	Payload      []byte
}

func (p PutPayload) Encode() []byte {
	buf := make([]byte, 0, 8+4+16+1+32+4+len(p.Payload))
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], p.TxID)
	buf = append(buf, tmp8[:]...)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], p.CollectionID)
	buf = append(buf, tmp4[:]...)
	buf = append(buf, p.EntityID[:]...)
	if p.HasBeforeHash {
		buf = append(buf, 1)
		buf = append(buf, p.BeforeHash[:]...)
	} else {
		buf = append(buf, 0)
		buf = append(buf, make([]byte, 32)...)
	}
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(p.Payload)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, p.Payload...)
	return buf
}

func DecodePutPayload(b []byte) (PutPayload, error) {
	const fixed = 8 + 4 + 16 + 1 + 32 + 4
	if len(b) < fixed {
		return PutPayload{}, engerrors.NewDecodeError("malformed PUT payload: too short")
	}
	var p PutPayload
	off := 0
	p.TxID = binary.LittleEndian.Uint64(b[off:])
	off += 8
	p.CollectionID = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(p.EntityID[:], b[off:off+16])
	off += 16
	p.HasBeforeHash = b[off] == 1
	off++
	copy(p.BeforeHash[:], b[off:off+32])
	off += 32
	plen := binary.LittleEndian.Uint32(b[off:])
	off += 4
	if len(b[off:]) != int(plen) {
		return PutPayload{}, engerrors.NewDecodeError("malformed PUT payload: length mismatch")
	}
	p.Payload = append([]byte(nil), b[off:]...)
	return p, nil
}

// DeletePayload: DELETE(collection-id, entity-id, optional before-hash).
type DeletePayload struct {
	TxID          uint64
	CollectionID  uint32
	EntityID      EntityID
	HasBeforeHash bool
	BeforeHash    [32]byte
}

func (p DeletePayload) Encode() []byte {
	buf := make([]byte, 0, 8+4+16+1+32)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], p.TxID)
	buf = append(buf, tmp8[:]...)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], p.CollectionID)
	buf = append(buf, tmp4[:]...)
	buf = append(buf, p.EntityID[:]...)
	if p.HasBeforeHash {
		buf = append(buf, 1)
		buf = append(buf, p.BeforeHash[:]...)
	} else {
		buf = append(buf, 0)
		buf = append(buf, make([]byte, 32)...)
	}
	return buf
}

func DecodeDeletePayload(b []byte) (DeletePayload, error) {
	const want = 8 + 4 + 16 + 1 + 32
	if len(b) != want {
		return DeletePayload{}, engerrors.NewDecodeError("malformed DELETE payload")
	}
	var p DeletePayload
	off := 0
	p.TxID = binary.LittleEndian.Uint64(b[off:])
	off += 8
	p.CollectionID = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(p.EntityID[:], b[off:off+16])
	off += 16
	p.HasBeforeHash = b[off] == 1
	off++
	copy(p.BeforeHash[:], b[off:off+32])
	return p, nil
}

// CommitPayload: COMMIT(txid, sequence).
type CommitPayload struct {
	TxID     uint64
	Sequence uint64
}

func (p CommitPayload) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], p.TxID)
	binary.LittleEndian.PutUint64(buf[8:16], p.Sequence)
	return buf
}

func DecodeCommitPayload(b []byte) (CommitPayload, error) {
	if len(b) != 16 {
		return CommitPayload{}, engerrors.NewDecodeError("malformed COMMIT payload")
	}
	return CommitPayload{
		TxID:     binary.LittleEndian.Uint64(b[0:8]),
		Sequence: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// AbortPayload: ABORT(txid).
type AbortPayload struct {
	TxID uint64
}

func (p AbortPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.TxID)
	return buf
}

func DecodeAbortPayload(b []byte) (AbortPayload, error) {
	if len(b) != 8 {
		return AbortPayload{}, engerrors.NewDecodeError("malformed ABORT payload")
	}
	return AbortPayload{TxID: binary.LittleEndian.Uint64(b)}, nil
}

// CheckpointPayload: CHECKPOINT(sequence).
type CheckpointPayload struct {
	Sequence uint64
}

func (p CheckpointPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.Sequence)
	return buf
}

func DecodeCheckpointPayload(b []byte) (CheckpointPayload, error) {
	if len(b) != 8 {
		return CheckpointPayload{}, engerrors.NewDecodeError("malformed CHECKPOINT payload")
	}
	return CheckpointPayload{Sequence: binary.LittleEndian.Uint64(b)}, nil
}
