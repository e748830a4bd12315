package index

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/manifest"
	"github.com/tembocs/entidb/pkg/types"
	"github.com/tembocs/entidb/pkg/wal"
)

// Tokenizer configures how TokenIndex splits a field's text into
// searchable tokens: a minimum and maximum token length and a case
// policy. Tokens outside [MinLength, MaxLength] are dropped.
type Tokenizer struct {
	MinLength int
	MaxLength int
	CaseFold  bool
}

// DefaultTokenizer matches common full-text defaults: lowercase,
// tokens between 2 and 64 characters.
var DefaultTokenizer = Tokenizer{MinLength: 2, MaxLength: 64, CaseFold: true}

// Tokenize splits text on anything that is not a letter or digit and
// applies the configured length and case policy.
func (t Tokenizer) Tokenize(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()
		if len(tok) < t.MinLength || len(tok) > t.MaxLength {
			return
		}
		out = append(out, tok)
	}
	for _, r := range text {
		if isWordRune(r) {
			if t.CaseFold {
				r = toLowerRune(r)
			}
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	default:
		return false
	}
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// TokenIndex maintains an inverted posting list from token to entity
// set, plus a forward map from entity-id to the tokens it was indexed
// under (so Remove can clean up every posting a document contributed
// to without re-tokenizing the document again).
type TokenIndex struct {
	mu         sync.RWMutex
	name       string
	collection uint32
	tokenizer  Tokenizer
	postings   map[string]map[wal.EntityID]struct{}
	forward    map[wal.EntityID]map[string]struct{}
}

// NewTokenIndex returns an empty token index using the given
// tokenizer.
func NewTokenIndex(name string, collection uint32, tokenizer Tokenizer) *TokenIndex {
	return &TokenIndex{
		name:       name,
		collection: collection,
		tokenizer:  tokenizer,
		postings:   make(map[string]map[wal.EntityID]struct{}),
		forward:    make(map[wal.EntityID]map[string]struct{}),
	}
}

func (t *TokenIndex) Kind() manifest.IndexKind { return manifest.IndexToken }
func (t *TokenIndex) Unique() bool             { return false }

// Insert tokenizes key's text form and adds a posting for id under
// every resulting token.
func (t *TokenIndex) Insert(key types.Key, id wal.EntityID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(key, id)
}

func (t *TokenIndex) insertLocked(key types.Key, id wal.EntityID) error {
	tokens := t.tokenizer.Tokenize(key.String())
	if t.forward[id] == nil {
		t.forward[id] = make(map[string]struct{})
	}
	for _, tok := range tokens {
		if t.postings[tok] == nil {
			t.postings[tok] = make(map[wal.EntityID]struct{})
		}
		t.postings[tok][id] = struct{}{}
		t.forward[id][tok] = struct{}{}
	}
	return nil
}

// Remove drops every posting id holds, looked up from the forward map
// rather than re-tokenizing key, so it still works if key has already
// changed by the time a delete is applied.
func (t *TokenIndex) Remove(key types.Key, id wal.EntityID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens, ok := t.forward[id]
	if !ok {
		return nil
	}
	for tok := range tokens {
		if set, ok := t.postings[tok]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(t.postings, tok)
			}
		}
	}
	delete(t.forward, id)
	return nil
}

// Lookup treats key as a single token and returns its posting list.
func (t *TokenIndex) Lookup(key types.Key) ([]wal.EntityID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.postings[t.normalize(key.String())]
	if !ok || len(set) == 0 {
		return nil, false
	}
	return setToSortedSlice(set), true
}

func (t *TokenIndex) Range(start, end types.Key, startInclusive, endInclusive bool) ([]Posting, error) {
	return nil, engerrors.NewInvalidArgumentError(fmt.Sprintf("token index %q does not support range scans", t.name))
}

func (t *TokenIndex) Backfill(pairs []KeyEntity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range pairs {
		if err := t.insertLocked(p.Key, p.Entity); err != nil {
			return err
		}
	}
	return nil
}

// SearchAll returns the entities whose token set contains every term.
func (t *TokenIndex) SearchAll(terms []string) []wal.EntityID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(terms) == 0 {
		return nil
	}
	var sets []map[wal.EntityID]struct{}
	for _, term := range terms {
		sets = append(sets, t.postings[t.normalize(term)])
	}
	result := make(map[wal.EntityID]struct{})
	for id := range sets[0] {
		inAll := true
		for _, s := range sets[1:] {
			if _, ok := s[id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result[id] = struct{}{}
		}
	}
	return setToSortedSlice(result)
}

// SearchAny returns the entities whose token set contains at least one
// term.
func (t *TokenIndex) SearchAny(terms []string) []wal.EntityID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[wal.EntityID]struct{})
	for _, term := range terms {
		for id := range t.postings[t.normalize(term)] {
			result[id] = struct{}{}
		}
	}
	return setToSortedSlice(result)
}

// SearchPrefix returns the entities containing any token with the
// given prefix.
func (t *TokenIndex) SearchPrefix(prefix string) []wal.EntityID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	norm := t.normalize(prefix)
	result := make(map[wal.EntityID]struct{})
	for tok, set := range t.postings {
		if strings.HasPrefix(tok, norm) {
			for id := range set {
				result[id] = struct{}{}
			}
		}
	}
	return setToSortedSlice(result)
}

func (t *TokenIndex) normalize(term string) string {
	if t.tokenizer.CaseFold {
		return strings.ToLower(term)
	}
	return term
}

func setToSortedSlice(set map[wal.EntityID]struct{}) []wal.EntityID {
	out := make([]wal.EntityID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < len(out[i]); k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}

func (t *TokenIndex) Snapshot(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := writeSnapshotHeader(w, manifest.IndexToken, t.collection, t.name, false, uint64(len(t.postings))); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for tok, set := range t.postings {
		entities := setToSortedSlice(set)
		if err := writeSnapshotEntry(bw, []byte(tok), entities); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (t *TokenIndex) LoadSnapshot(r io.Reader) error {
	hdr, err := readSnapshotHeader(r)
	if err != nil {
		return err
	}
	if hdr.Kind != manifest.IndexToken {
		return engerrors.NewCorruptionError("index-snapshot", "kind mismatch loading token index")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = hdr.Name
	t.collection = hdr.CollectionID
	t.postings = make(map[string]map[wal.EntityID]struct{}, hdr.EntryCount)
	t.forward = make(map[wal.EntityID]map[string]struct{})

	for i := uint64(0); i < hdr.EntryCount; i++ {
		tokBytes, entities, err := readSnapshotEntry(r)
		if err != nil {
			return err
		}
		tok := string(tokBytes)
		set := make(map[wal.EntityID]struct{}, len(entities))
		for _, id := range entities {
			set[id] = struct{}{}
			if t.forward[id] == nil {
				t.forward[id] = make(map[string]struct{})
			}
			t.forward[id][tok] = struct{}{}
		}
		t.postings[tok] = set
	}
	return nil
}
