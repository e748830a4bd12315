package encoding

import (
	"bytes"
	"testing"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []interface{}{
		nil, true, false,
		int64(0), int64(1), int64(-1), int64(127), int64(128), int64(-128),
		int64(1 << 40), int64(-(1 << 40)),
		[]byte("hello"), "hello", "",
	}
	for _, v := range cases {
		enc, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", v, err)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%#v): %v", v, err)
		}
		if b, ok := v.([]byte); ok {
			db, ok := dec.([]byte)
			if !ok || !bytes.Equal(b, db) {
				t.Fatalf("round trip mismatch for %#v: got %#v", v, dec)
			}
			continue
		}
		if dec != v {
			t.Fatalf("round trip mismatch: want %#v, got %#v", v, dec)
		}
	}
}

func TestFloatsRejected(t *testing.T) {
	if _, err := Encode(3.14); err == nil {
		t.Fatal("expected EncodeError for float64, got nil")
	}
	if _, err := Encode(float32(1.0)); err == nil {
		t.Fatal("expected EncodeError for float32, got nil")
	}
}

func TestInvalidUTF8Rejected(t *testing.T) {
	bad := string([]byte{0xff, 0xfe})
	if _, err := Encode(bad); err == nil {
		t.Fatal("expected EncodeError for invalid UTF-8 string")
	}
}

func TestMapKeysSortedByEncodedBytes(t *testing.T) {
	m := Map{"zebra": int64(1), "apple": int64(2), "mango": int64(3)}
	enc, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encApple, _ := Encode("apple")
	encMango, _ := Encode("mango")
	encZebra, _ := Encode("zebra")

	idxApple := bytes.Index(enc, encApple)
	idxMango := bytes.Index(enc, encMango)
	idxZebra := bytes.Index(enc, encZebra)
	if !(idxApple < idxMango && idxMango < idxZebra) {
		t.Fatalf("map entries not in byte-lexicographic key order: apple=%d mango=%d zebra=%d", idxApple, idxMango, idxZebra)
	}

	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	dm, ok := dec.(Map)
	if !ok {
		t.Fatalf("expected Map, got %T", dec)
	}
	if dm["apple"] != int64(2) || dm["mango"] != int64(3) || dm["zebra"] != int64(1) {
		t.Fatalf("decoded map content mismatch: %#v", dm)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := Map{"a": int64(1), "b": []interface{}{int64(1), int64(2), "x"}}
	a, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("two encodes of identical logical content produced different bytes")
	}
}

func TestDecodeTrailingBytesRejected(t *testing.T) {
	enc, _ := Encode(int64(5))
	enc = append(enc, 0x00)
	if _, err := Decode(enc); err == nil {
		t.Fatal("expected DecodeError for trailing bytes")
	}
}

func TestDecodeTruncatedRejected(t *testing.T) {
	enc, _ := Encode("hello world")
	for n := 0; n < len(enc); n++ {
		if _, err := Decode(enc[:n]); err == nil {
			t.Fatalf("expected DecodeError for truncated input of length %d", n)
		}
	}
}

func TestShortestIntWidth(t *testing.T) {
	small, _ := Encode(int64(1))
	large, _ := Encode(int64(1) << 62)
	if len(small) >= len(large) {
		t.Fatalf("expected small integer to encode shorter than large one: %d vs %d", len(small), len(large))
	}
}
