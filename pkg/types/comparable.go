// Package types defines the typed key values a secondary index can be
// built over: the Comparable interface the B+Tree (pkg/btree) compares
// directly in memory, preserved unchanged from the teacher, plus an
// Encode method on every concrete key giving the same value's
// byte representation, used wherever a key has to leave memory — the
// on-disk index snapshots. For two values of the same scalar key type,
// bytes.Compare on their Encode() output agrees with Compare(), so the
// Ordered index's contract ("compares by byte-lexicographic order")
// holds whether the comparison runs against bytes or against the typed
// Go value. For Composite keys the two agree only when corresponding
// components encode to the same length (see Composite).
package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Comparable is the interface every key type implements for the
// B+Tree's internal ordering.
type Comparable interface {
	Compare(other Comparable) int
}

// Key is the interface every key type implements for durable,
// order-preserving serialization.
type Key interface {
	Comparable
	Encode() []byte
	String() string
}

const (
	TagInt     byte = 1
	TagVarchar byte = 2
	TagBool    byte = 3
	TagFloat   byte = 4
	TagDate    byte = 5
)

// IntKey: signed integer key.
type IntKey int

func (k IntKey) Compare(other Comparable) int {
	o := other.(IntKey)
	if k < o {
		return -1
	}
	if k > o {
		return 1
	}
	return 0
}

func (k IntKey) Encode() []byte {
	buf := make([]byte, 9)
	buf[0] = TagInt
	// Flipping the sign bit maps the signed range onto an unsigned one
	// in the same relative order, so big-endian byte comparison of the
	// flipped bits matches signed numeric comparison.
	binary.BigEndian.PutUint64(buf[1:], uint64(int64(k))^(1<<63))
	return buf
}

func (k IntKey) String() string { return fmt.Sprintf("%d", k) }

// VarcharKey: string key.
type VarcharKey string

func (k VarcharKey) Compare(other Comparable) int {
	o := other.(VarcharKey)
	if k < o {
		return -1
	}
	if k > o {
		return 1
	}
	return 0
}

func (k VarcharKey) Encode() []byte {
	buf := make([]byte, 0, 1+len(k))
	buf = append(buf, TagVarchar)
	buf = append(buf, []byte(k)...)
	return buf
}

func (k VarcharKey) String() string { return string(k) }

// FloatKey: 64-bit float key.
type FloatKey float64

func (k FloatKey) Compare(other Comparable) int {
	o := other.(FloatKey)
	if k < o {
		return -1
	}
	if k > o {
		return 1
	}
	return 0
}

func (k FloatKey) Encode() []byte {
	bits := math.Float64bits(float64(k))
	if float64(k) >= 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, 9)
	buf[0] = TagFloat
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}

func (k FloatKey) String() string { return fmt.Sprintf("%f", k) }

// BoolKey: boolean key, false < true.
type BoolKey bool

func (k BoolKey) Compare(other Comparable) int {
	o := other.(BoolKey)
	if k == o {
		return 0
	}
	if !k && o {
		return -1
	}
	return 1
}

func (k BoolKey) Encode() []byte {
	v := byte(0)
	if k {
		v = 1
	}
	return []byte{TagBool, v}
}

func (k BoolKey) String() string { return fmt.Sprintf("%t", bool(k)) }

// DateKey: point-in-time key.
type DateKey time.Time

func (k DateKey) Compare(other Comparable) int {
	o := time.Time(other.(DateKey))
	t := time.Time(k)
	if t.Before(o) {
		return -1
	}
	if t.After(o) {
		return 1
	}
	return 0
}

func (k DateKey) Encode() []byte {
	buf := make([]byte, 9)
	buf[0] = TagDate
	nanos := time.Time(k).UTC().UnixNano()
	binary.BigEndian.PutUint64(buf[1:], uint64(nanos)^(1<<63))
	return buf
}

func (k DateKey) String() string {
	return time.Time(k).Format("2006-01-02 15:04:05")
}

// Composite orders first by its first component, then by its second,
// and so on — used for a secondary index declared over more than one
// field. Its Encode concatenates each component's length-prefixed
// encoding in declared order. Because the length prefix comes first,
// byte order matches Compare only when corresponding components encode
// to the same length.
type Composite []Key

func (c Composite) Compare(other Comparable) int {
	o := other.(Composite)
	for i := range c {
		if i >= len(o) {
			return 1
		}
		if cmp := c[i].Compare(o[i]); cmp != 0 {
			return cmp
		}
	}
	if len(o) > len(c) {
		return -1
	}
	return 0
}

func (c Composite) Encode() []byte {
	var out []byte
	var lenBuf [4]byte
	for _, k := range c {
		enc := k.Encode()
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
		out = append(out, lenBuf[:]...)
		out = append(out, enc...)
	}
	return out
}

func (c Composite) String() string {
	s := ""
	for i, k := range c {
		if i > 0 {
			s += "|"
		}
		s += k.String()
	}
	return s
}
