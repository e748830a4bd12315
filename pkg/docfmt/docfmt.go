// Package docfmt is the document convenience layer a collaborator
// (the CLI, or a future binding) uses to turn human-written JSON into
// the canonical documents pkg/encoding actually stores, and back.
//
// It generalizes the teacher's pkg/storage bson.go — JsonToBson/
// BsonToJson wrapping bson.UnmarshalExtJSON/MarshalExtJSON, plus a
// bson.D-keyed GetValueFromBson for the index extractor to read typed
// field values out of a parsed document — onto encoding.Map as the
// target shape instead of bson.D: Extended JSON's richer number and
// date syntax (`{"$date": ...}`, `NumberLong(...)`) still goes through
// go.mongodb.org/mongo-driver/v2/bson's parser, but the decoded result
// is folded into exactly the nil/bool/int64/[]byte/string/[]interface{}/
// encoding.Map shape the canonical encoder accepts — it has no float
// case, so a JSON document with a fractional number is rejected here
// rather than silently truncated or stored as something the encoder
// would later refuse.
package docfmt

import (
	"fmt"
	"time"

	"github.com/tembocs/entidb/pkg/encoding"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// FromJSON parses an Extended JSON object into a canonical document.
// Dates (`{"$date": "..."}`) become their Unix nanosecond int64, the
// same representation pkg/txn's field extractor expects behind a
// manifest.KeyTypeDate hint.
func FromJSON(jsonStr string) (encoding.Map, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(jsonStr), true, &doc); err != nil {
		return nil, engerrors.NewDecodeError("docfmt.FromJSON: " + err.Error())
	}
	m, err := docFromD(doc)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ToJSON renders a canonical document as Extended JSON (relaxed mode,
// the human-readable variant: plain numbers instead of
// `{"$numberLong": ...}` wrappers).
func ToJSON(doc encoding.Map) (string, error) {
	d, err := dFromDoc(doc)
	if err != nil {
		return "", err
	}
	out, err := bson.MarshalExtJSON(d, false, false)
	if err != nil {
		return "", engerrors.NewEncodeError("docfmt.ToJSON: " + err.Error())
	}
	return string(out), nil
}

func docFromD(d bson.D) (encoding.Map, error) {
	m := make(encoding.Map, len(d))
	for _, e := range d {
		v, err := fromBsonValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", e.Key, err)
		}
		m[e.Key] = v
	}
	return m, nil
}

func fromBsonValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		return t, nil
	case bson.Binary:
		return t.Data, nil
	case bson.DateTime:
		return t.Time().UnixNano(), nil
	case time.Time:
		return t.UnixNano(), nil
	case float32, float64:
		return nil, engerrors.NewEncodeError("fractional numbers are not representable in a canonical document")
	case bson.A:
		out := make([]interface{}, 0, len(t))
		for _, elem := range t {
			conv, err := fromBsonValue(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	case bson.D:
		return docFromD(t)
	default:
		return nil, engerrors.NewDecodeError(fmt.Sprintf("unsupported Extended JSON value of type %T", v))
	}
}

func dFromDoc(doc encoding.Map) (bson.D, error) {
	d := make(bson.D, 0, len(doc))
	for k, v := range doc {
		conv, err := toBsonValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		d = append(d, bson.E{Key: k, Value: conv})
	}
	return d, nil
}

func toBsonValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool, string, int64:
		return t, nil
	case []byte:
		return bson.Binary{Data: t}, nil
	case []interface{}:
		out := make(bson.A, 0, len(t))
		for _, elem := range t {
			conv, err := toBsonValue(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	case encoding.Map:
		return dFromDoc(t)
	case map[string]interface{}:
		return dFromDoc(encoding.Map(t))
	default:
		return nil, engerrors.NewEncodeError(fmt.Sprintf("unsupported document value of type %T", v))
	}
}
