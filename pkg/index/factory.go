package index

import (
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/manifest"
)

// defaultOrderedOrder is the B+Tree branching factor used for every
// Ordered index the engine builds for itself (registration and
// recovery alike), matching the order the teacher's table layer picked
// for its own trees.
const defaultOrderedOrder = 64

// New builds an empty index instance from a registered spec, the
// single place recovery and live index registration both go through so
// a rebuilt index and a freshly-created one are constructed identically.
func New(spec manifest.IndexSpec) (Index, error) {
	switch spec.Kind {
	case manifest.IndexHash:
		return NewHashIndex(spec.Name, spec.Collection, spec.Unique), nil
	case manifest.IndexOrdered:
		return NewOrderedIndex(spec.Name, spec.Collection, spec.Unique, defaultOrderedOrder), nil
	case manifest.IndexToken:
		return NewTokenIndex(spec.Name, spec.Collection, DefaultTokenizer), nil
	default:
		return nil, engerrors.NewInvalidArgumentError("unknown index kind")
	}
}
