// Package manifest is the engine's durable table of contents: the set
// of registered collections, the index specs built against them, and
// the sequence number up to which segments are known consistent.
//
// Its on-disk life follows the same temp-file-then-rename shape as the
// teacher's checkpoint.CheckpointManager.CreateCheckpoint, generalized
// two ways: the payload is the canonical encoder (pkg/encoding) instead
// of the B+Tree-specific serializer, and the rename is followed by an
// fsync of the containing directory, since a rename is not itself
// durable until the directory entry that names it is flushed.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tembocs/entidb/pkg/encoding"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/types"
)

// FormatVersion is bumped whenever the manifest's encoded shape changes
// in a way old readers can't tolerate.
const FormatVersion = 1

// IndexKind names which of the three index engine variants an IndexSpec
// describes.
type IndexKind uint8

const (
	IndexHash IndexKind = iota
	IndexOrdered
	IndexToken
)

func (k IndexKind) String() string {
	switch k {
	case IndexHash:
		return "hash"
	case IndexOrdered:
		return "ordered"
	case IndexToken:
		return "token"
	default:
		return "unknown"
	}
}

// IndexSpec is the registered description of one index: which
// collection it covers, what kind of index engine backs it, which
// fields its extractor reads from an entity's payload, and whether it
// rejects a second entity under the same key.
type IndexSpec struct {
	ID         uint32
	Name       string
	Collection uint32
	Kind       IndexKind
	Fields     []string
	Unique     bool
	KeyType    KeyType
}

// KeyType names the concrete types.Key implementation an Ordered index's
// extractor produces, so a rebuilt index can interpret its stored keys
// without running the extractor again.
type KeyType uint8

const (
	KeyTypeInt KeyType = iota
	KeyTypeVarchar
	KeyTypeFloat
	KeyTypeBool
	KeyTypeDate
	KeyTypeComposite
)

// Manifest is the in-memory form; all mutators assume the caller holds
// no lock of its own and serializes access through the methods below.
type Manifest struct {
	mu sync.RWMutex

	formatVersion    uint32
	collections      map[string]uint32 // name -> id, name-ordered on save
	nextCollectionID uint32
	indexes          map[uint32]*IndexSpec // id -> spec, id-ordered on save
	nextIndexID      uint32
	lastCheckpoint   uint64
}

// New returns an empty manifest for a brand-new database.
func New() *Manifest {
	return &Manifest{
		formatVersion: FormatVersion,
		collections:   make(map[string]uint32),
		indexes:       make(map[uint32]*IndexSpec),
	}
}

// RegisterCollection assigns the next collection id to name. It fails
// if the name is already registered.
func (m *Manifest) RegisterCollection(name string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[name]; exists {
		return 0, engerrors.NewCollectionAlreadyExistsError(name)
	}
	id := m.nextCollectionID
	m.nextCollectionID++
	m.collections[name] = id
	return id, nil
}

// CollectionID looks up a registered collection's id by name.
func (m *Manifest) CollectionID(name string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.collections[name]
	return id, ok
}

// Collections returns the registered collections as a name-ordered
// slice, matching the order save() serializes them in.
func (m *Manifest) Collections() []struct {
	Name string
	ID   uint32
} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]struct {
		Name string
		ID   uint32
	}, 0, len(m.collections))
	for name, id := range m.collections {
		out = append(out, struct {
			Name string
			ID   uint32
		}{name, id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterIndex assigns the next index id to spec and stores it. The
// caller fills in everything but ID.
func (m *Manifest) RegisterIndex(spec IndexSpec) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.indexes {
		if existing.Collection == spec.Collection && existing.Name == spec.Name {
			return 0, engerrors.NewInvalidArgumentError(fmt.Sprintf("index %q already registered on collection %d", spec.Name, spec.Collection))
		}
	}

	id := m.nextIndexID
	m.nextIndexID++
	spec.ID = id
	m.indexes[id] = &spec
	return id, nil
}

// RemoveIndex drops a registered index spec by id.
func (m *Manifest) RemoveIndex(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[id]; !ok {
		return engerrors.NewIndexNotFoundError(fmt.Sprintf("%d", id))
	}
	delete(m.indexes, id)
	return nil
}

// Indexes returns the registered index specs ordered by id, matching
// the order save() serializes them in.
func (m *Manifest) Indexes() []IndexSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint32, 0, len(m.indexes))
	for id := range m.indexes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]IndexSpec, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.indexes[id])
	}
	return out
}

// IndexByID looks up a registered index spec.
func (m *Manifest) IndexByID(id uint32) (IndexSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.indexes[id]
	if !ok {
		return IndexSpec{}, false
	}
	return *spec, true
}

// SetCheckpoint records the sequence up to which segments and indexes
// are known to reflect every committed write.
func (m *Manifest) SetCheckpoint(sequence uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheckpoint = sequence
}

// LastCheckpoint returns the most recently recorded checkpoint sequence.
func (m *Manifest) LastCheckpoint() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheckpoint
}

// encode serializes the manifest deterministically: a map with sorted
// keys for the scalar fields, plus name-ordered collections and
// id-ordered indexes, matching the canonical encoder's own
// sorted-map-key and fixed-array-order guarantees.
func (m *Manifest) encode() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	collectionNames := make([]string, 0, len(m.collections))
	for name := range m.collections {
		collectionNames = append(collectionNames, name)
	}
	sort.Strings(collectionNames)

	collectionsEnc := make([]interface{}, 0, len(collectionNames))
	for _, name := range collectionNames {
		collectionsEnc = append(collectionsEnc, encoding.Map{
			"name": name,
			"id":   int64(m.collections[name]),
		})
	}

	indexIDs := make([]uint32, 0, len(m.indexes))
	for id := range m.indexes {
		indexIDs = append(indexIDs, id)
	}
	sort.Slice(indexIDs, func(i, j int) bool { return indexIDs[i] < indexIDs[j] })

	indexesEnc := make([]interface{}, 0, len(indexIDs))
	for _, id := range indexIDs {
		spec := m.indexes[id]
		fields := make([]interface{}, 0, len(spec.Fields))
		for _, f := range spec.Fields {
			fields = append(fields, f)
		}
		indexesEnc = append(indexesEnc, encoding.Map{
			"id":         int64(spec.ID),
			"name":       spec.Name,
			"collection": int64(spec.Collection),
			"kind":       int64(spec.Kind),
			"fields":     fields,
			"unique":     spec.Unique,
			"key_type":   int64(spec.KeyType),
		})
	}

	doc := encoding.Map{
		"format_version":     int64(m.formatVersion),
		"next_collection_id": int64(m.nextCollectionID),
		"next_index_id":      int64(m.nextIndexID),
		"last_checkpoint":    int64(m.lastCheckpoint),
		"collections":        collectionsEnc,
		"indexes":            indexesEnc,
	}
	return encoding.Encode(doc)
}

func decode(data []byte) (*Manifest, error) {
	v, err := encoding.Decode(data)
	if err != nil {
		return nil, err
	}
	doc, ok := v.(encoding.Map)
	if !ok {
		return nil, engerrors.NewCorruptionError("manifest", "top-level value is not a map")
	}

	version, err := decodeInt(doc, "format_version")
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, engerrors.NewCorruptionError("manifest", fmt.Sprintf("unsupported format version %d", version))
	}

	nextCollectionID, err := decodeInt(doc, "next_collection_id")
	if err != nil {
		return nil, err
	}
	nextIndexID, err := decodeInt(doc, "next_index_id")
	if err != nil {
		return nil, err
	}
	lastCheckpoint, err := decodeInt(doc, "last_checkpoint")
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		formatVersion:    FormatVersion,
		collections:      make(map[string]uint32),
		indexes:          make(map[uint32]*IndexSpec),
		nextCollectionID: uint32(nextCollectionID),
		nextIndexID:      uint32(nextIndexID),
		lastCheckpoint:   uint64(lastCheckpoint),
	}

	collectionsRaw, ok := doc["collections"].([]interface{})
	if !ok {
		return nil, engerrors.NewCorruptionError("manifest", "collections field is not an array")
	}
	for _, raw := range collectionsRaw {
		entry, ok := raw.(encoding.Map)
		if !ok {
			return nil, engerrors.NewCorruptionError("manifest", "collection entry is not a map")
		}
		name, ok := entry["name"].(string)
		if !ok {
			return nil, engerrors.NewCorruptionError("manifest", "collection entry missing name")
		}
		id, err := decodeInt(entry, "id")
		if err != nil {
			return nil, err
		}
		m.collections[name] = uint32(id)
	}

	indexesRaw, ok := doc["indexes"].([]interface{})
	if !ok {
		return nil, engerrors.NewCorruptionError("manifest", "indexes field is not an array")
	}
	for _, raw := range indexesRaw {
		entry, ok := raw.(encoding.Map)
		if !ok {
			return nil, engerrors.NewCorruptionError("manifest", "index entry is not a map")
		}
		id, err := decodeInt(entry, "id")
		if err != nil {
			return nil, err
		}
		name, _ := entry["name"].(string)
		collection, err := decodeInt(entry, "collection")
		if err != nil {
			return nil, err
		}
		kind, err := decodeInt(entry, "kind")
		if err != nil {
			return nil, err
		}
		unique, _ := entry["unique"].(bool)
		keyType, err := decodeInt(entry, "key_type")
		if err != nil {
			return nil, err
		}
		fieldsRaw, _ := entry["fields"].([]interface{})
		fields := make([]string, 0, len(fieldsRaw))
		for _, f := range fieldsRaw {
			s, ok := f.(string)
			if !ok {
				return nil, engerrors.NewCorruptionError("manifest", "index field entry is not a string")
			}
			fields = append(fields, s)
		}
		m.indexes[uint32(id)] = &IndexSpec{
			ID:         uint32(id),
			Name:       name,
			Collection: uint32(collection),
			Kind:       IndexKind(kind),
			Fields:     fields,
			Unique:     unique,
			KeyType:    KeyType(keyType),
		}
	}

	return m, nil
}

func decodeInt(doc encoding.Map, field string) (int64, error) {
	v, ok := doc[field]
	if !ok {
		return 0, engerrors.NewCorruptionError("manifest", fmt.Sprintf("missing field %q", field))
	}
	i, ok := v.(int64)
	if !ok {
		return 0, engerrors.NewCorruptionError("manifest", fmt.Sprintf("field %q is not an integer", field))
	}
	return i, nil
}

// SaveAtomic serializes the manifest, writes it to a temp file next to
// path, fsyncs the temp file, renames it over path, then fsyncs the
// containing directory so the rename itself survives a crash.
func (m *Manifest) SaveAtomic(path string) error {
	data, err := m.encode()
	if err != nil {
		return engerrors.NewDurabilityError("manifest encode", err)
	}

	dir := filepath.Dir(path)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return engerrors.NewIoError("open manifest temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return engerrors.NewIoError("write manifest temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return engerrors.NewDurabilityError("fsync manifest temp file", err)
	}
	if err := f.Close(); err != nil {
		return engerrors.NewIoError("close manifest temp file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return engerrors.NewIoError("rename manifest into place", err)
	}

	if err := fsyncDir(dir); err != nil {
		return engerrors.NewDurabilityError("fsync manifest directory", err)
	}
	return nil
}

// Load reads and verifies the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engerrors.NewIoError("read manifest", err)
	}
	return decode(data)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// KeyTypeFor reports which KeyType tag corresponds to a concrete
// types.Key value, for building an IndexSpec from a live extractor
// result.
func KeyTypeFor(k types.Key) KeyType {
	switch k.(type) {
	case types.IntKey:
		return KeyTypeInt
	case types.VarcharKey:
		return KeyTypeVarchar
	case types.FloatKey:
		return KeyTypeFloat
	case types.BoolKey:
		return KeyTypeBool
	case types.DateKey:
		return KeyTypeDate
	case types.Composite:
		return KeyTypeComposite
	default:
		return KeyTypeVarchar
	}
}
