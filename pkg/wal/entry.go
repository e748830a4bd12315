package wal

import (
	"encoding/binary"
	"io"
)

// Envelope layout (little-endian), per the on-disk format:
//
//	magic(4) | version(2) | type(1) | length(4) | payload(N) | crc32(4)
//
// crc32 is computed over type|length|payload only (not magic/version),
// matching the external interface contract: a reader that already knows
// the format version doesn't need to re-validate it on every record.
const (
	HeaderSize = 11 // magic(4) + version(2) + type(1) + length(4)
	TrailerSize = 4 // crc32(4)

	WALVersion uint16 = 2
	WALMagic   uint32 = 0x454E5457 // "ENTW"
)

// Record types.
const (
	EntryBegin      uint8 = 1
	EntryPut        uint8 = 2
	EntryDelete     uint8 = 3
	EntryCommit     uint8 = 4
	EntryAbort      uint8 = 5
	EntryCheckpoint uint8 = 6
)

// RecordHeader is the fixed 11-byte prefix of every WAL entry.
type RecordHeader struct {
	Magic   uint32
	Version uint16
	Type    uint8
	Length  uint32
}

func (h *RecordHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = h.Type
	binary.LittleEndian.PutUint32(buf[7:11], h.Length)
}

func (h *RecordHeader) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.Type = buf[6]
	h.Length = binary.LittleEndian.Uint32(buf[7:11])
}

// Record is one decoded WAL entry: header, payload, and the offset it
// was read from (used by recovery to report progress and by truncate_to
// callers to identify a boundary).
type Record struct {
	Header  RecordHeader
	Payload []byte
	Offset  int64
}

// WriteTo serializes header + payload + trailing crc32 to w, in the
// exact byte order the reader expects.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	r.Header.Encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(r.Payload)
	if err != nil {
		return int64(n + m), err
	}
	var trailer [TrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], checksum(r.Header, r.Payload))
	p, err := w.Write(trailer[:])
	return int64(n + m + p), err
}

// checksum computes the crc32 over type|length|payload, matching the
// scope WriteTo uses when framing a record.
func checksum(h RecordHeader, payload []byte) uint32 {
	var typeLen [5]byte
	typeLen[0] = h.Type
	binary.LittleEndian.PutUint32(typeLen[1:5], h.Length)
	buf := append(append([]byte{}, typeLen[:]...), payload...)
	return CalculateCRC32(buf)
}
