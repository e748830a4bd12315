package txn

import (
	"fmt"
	"time"

	"github.com/tembocs/entidb/pkg/encoding"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/manifest"
	"github.com/tembocs/entidb/pkg/types"
)

// ExtractKey builds the types.Key an index's extractor needs from a
// decoded document, per spec.Fields. A single field produces a scalar
// key; more than one produces a types.Composite in declared order.
// Exported so recovery's index backfill can reuse the same extraction
// logic a live write transaction uses.
func ExtractKey(doc encoding.Map, spec manifest.IndexSpec) (types.Key, error) {
	if len(spec.Fields) == 0 {
		return nil, engerrors.NewInvalidArgumentError(fmt.Sprintf("index %q declares no fields", spec.Name))
	}
	if len(spec.Fields) == 1 {
		return fieldToKey(doc[spec.Fields[0]], spec.KeyType, spec.Fields[0])
	}
	parts := make(types.Composite, 0, len(spec.Fields))
	for _, f := range spec.Fields {
		k, err := fieldToKey(doc[f], manifest.KeyTypeComposite, f)
		if err != nil {
			return nil, err
		}
		parts = append(parts, k)
	}
	return parts, nil
}

// fieldToKey converts one decoded document value to a types.Key. hint
// disambiguates values the canonical decoder returns as a plain int64
// (e.g. KeyTypeDate means "interpret this int64 as UnixNano"); for
// every other case the Go type the decoder produced is enough on its
// own.
func fieldToKey(v interface{}, hint manifest.KeyType, field string) (types.Key, error) {
	switch t := v.(type) {
	case nil:
		return nil, engerrors.NewInvalidArgumentError(fmt.Sprintf("field %q is missing or null; it cannot be indexed", field))
	case int64:
		if hint == manifest.KeyTypeDate {
			return types.DateKey(time.Unix(0, t).UTC()), nil
		}
		return types.IntKey(t), nil
	case string:
		return types.VarcharKey(t), nil
	case []byte:
		return types.VarcharKey(string(t)), nil
	case bool:
		return types.BoolKey(t), nil
	default:
		return nil, engerrors.NewInvalidArgumentError(fmt.Sprintf("field %q has a value of type %T that cannot be indexed", field, v))
	}
}
