package index_test

import (
	"bytes"
	"testing"

	"github.com/tembocs/entidb/pkg/index"
	"github.com/tembocs/entidb/pkg/types"
	"github.com/tembocs/entidb/pkg/wal"
)

func entID(b byte) wal.EntityID {
	var id wal.EntityID
	id[0] = b
	return id
}

func TestHashIndexInsertLookupRemove(t *testing.T) {
	h := index.NewHashIndex("by_email", 1, false)

	if err := h.Insert(types.VarcharKey("a@x.com"), entID(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Insert(types.VarcharKey("a@x.com"), entID(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, ok := h.Lookup(types.VarcharKey("a@x.com"))
	if !ok || len(ids) != 2 {
		t.Fatalf("expected 2 entities, got %v (ok=%v)", ids, ok)
	}

	if err := h.Remove(types.VarcharKey("a@x.com"), entID(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids, ok = h.Lookup(types.VarcharKey("a@x.com"))
	if !ok || len(ids) != 1 || ids[0] != entID(2) {
		t.Fatalf("expected [entID(2)], got %v (ok=%v)", ids, ok)
	}
}

func TestHashIndexUniqueRejectsDuplicate(t *testing.T) {
	h := index.NewHashIndex("by_ssn", 1, true)
	if err := h.Insert(types.VarcharKey("111"), entID(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Insert(types.VarcharKey("111"), entID(2)); err == nil {
		t.Fatal("expected conflict error on duplicate unique key")
	}
}

func TestHashIndexSnapshotRoundTrip(t *testing.T) {
	h := index.NewHashIndex("by_email", 1, false)
	h.Insert(types.VarcharKey("a@x.com"), entID(1))
	h.Insert(types.VarcharKey("b@x.com"), entID(2))

	var buf bytes.Buffer
	if err := h.Snapshot(&buf); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	loaded := index.NewHashIndex("", 0, false)
	if err := loaded.LoadSnapshot(&buf); err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	ids, ok := loaded.Lookup(types.VarcharKey("a@x.com"))
	if !ok || len(ids) != 1 || ids[0] != entID(1) {
		t.Fatalf("unexpected loaded entities: %v (ok=%v)", ids, ok)
	}
}

func TestOrderedIndexRangeScan(t *testing.T) {
	o := index.NewOrderedIndex("by_age", 1, false, 3)
	ages := []int{30, 10, 50, 20, 40}
	for i, age := range ages {
		if err := o.Insert(types.IntKey(age), entID(byte(i+1))); err != nil {
			t.Fatalf("unexpected error inserting age %d: %v", age, err)
		}
	}

	postings, err := o.Range(types.IntKey(20), types.IntKey(40), true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(postings) != 3 {
		t.Fatalf("expected 3 postings in [20,40], got %d: %+v", len(postings), postings)
	}
	for i := 1; i < len(postings); i++ {
		if postings[i-1].Key.Compare(postings[i].Key) > 0 {
			t.Fatalf("expected ascending key order, got %+v", postings)
		}
	}
}

func TestOrderedIndexRangeExclusiveBounds(t *testing.T) {
	o := index.NewOrderedIndex("by_age", 1, false, 3)
	for _, age := range []int{10, 20, 30} {
		o.Insert(types.IntKey(age), entID(byte(age)))
	}

	postings, err := o.Range(types.IntKey(10), types.IntKey(30), false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(postings) != 1 {
		t.Fatalf("expected exactly one posting (key=20), got %d: %+v", len(postings), postings)
	}
}

func TestOrderedIndexUniqueRejectsDuplicate(t *testing.T) {
	o := index.NewOrderedIndex("pk", 1, true, 3)
	if err := o.Insert(types.IntKey(1), entID(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.Insert(types.IntKey(1), entID(2)); err == nil {
		t.Fatal("expected conflict error on duplicate unique key")
	}
}

func TestOrderedIndexRemoveDropsKeyWhenEmpty(t *testing.T) {
	o := index.NewOrderedIndex("by_age", 1, false, 3)
	o.Insert(types.IntKey(5), entID(1))
	if err := o.Remove(types.IntKey(5), entID(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := o.Lookup(types.IntKey(5)); ok {
		t.Fatal("expected key to be gone after removing its only entity")
	}
}

func TestTokenIndexSearchAllAnyPrefix(t *testing.T) {
	tok := index.NewTokenIndex("body", 1, index.DefaultTokenizer)
	tok.Insert(types.VarcharKey("the quick brown fox"), entID(1))
	tok.Insert(types.VarcharKey("quick silver fox"), entID(2))
	tok.Insert(types.VarcharKey("lazy dog"), entID(3))

	all := tok.SearchAll([]string{"quick", "fox"})
	if len(all) != 2 {
		t.Fatalf("expected 2 entities matching all of [quick fox], got %v", all)
	}

	any := tok.SearchAny([]string{"lazy", "silver"})
	if len(any) != 2 {
		t.Fatalf("expected 2 entities matching any of [lazy silver], got %v", any)
	}

	prefix := tok.SearchPrefix("qui")
	if len(prefix) != 2 {
		t.Fatalf("expected 2 entities matching prefix 'qui', got %v", prefix)
	}
}

func TestTokenIndexRemoveClearsPostings(t *testing.T) {
	tok := index.NewTokenIndex("body", 1, index.DefaultTokenizer)
	tok.Insert(types.VarcharKey("quick fox"), entID(1))
	tok.Remove(types.VarcharKey("quick fox"), entID(1))

	if res := tok.SearchAny([]string{"quick", "fox"}); len(res) != 0 {
		t.Fatalf("expected no postings after removal, got %v", res)
	}
}

func TestTokenizerRespectsLengthBounds(t *testing.T) {
	tz := index.Tokenizer{MinLength: 3, MaxLength: 5, CaseFold: true}
	tokens := tz.Tokenize("a bb ccc dddd eeeee ffffff")
	expected := []string{"ccc", "dddd", "eeeee"}
	if len(tokens) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, tokens)
	}
	for i, tok := range tokens {
		if tok != expected[i] {
			t.Fatalf("expected %v, got %v", expected, tokens)
		}
	}
}
