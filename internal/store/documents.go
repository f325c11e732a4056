package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryDocuments is an in-process DocumentStore. Documents are normalised
// through bson so decoding matches the MongoDB store.
type MemoryDocuments struct {
	mu          sync.RWMutex
	collections map[string][]bson.M
}

// NewMemoryDocuments creates an empty document store
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{
		collections: make(map[string][]bson.M),
	}
}

func toDocument(v interface{}) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to normalise document: %w", err)
	}
	return doc, nil
}

func decodeDocument(doc bson.M, out interface{}) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

// FindOne decodes the first matching document into out
func (m *MemoryDocuments) FindOne(_ context.Context, collection string, filter bson.M, out interface{}) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			return decodeDocument(doc, out)
		}
	}
	return ErrNotFound
}

// Find decodes every matching document into out, which must point to a slice
func (m *MemoryDocuments) Find(_ context.Context, collection string, filter bson.M, opts FindOptions, out interface{}) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("find output must be a pointer to a slice, got %T", out)
	}

	m.mu.RLock()
	var found []bson.M
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			found = append(found, doc)
		}
	}
	m.mu.RUnlock()

	if opts.SortField != "" {
		sort.SliceStable(found, func(i, j int) bool {
			c, _ := compareValues(found[i][opts.SortField], found[j][opts.SortField])
			if opts.SortDesc {
				return c > 0
			}
			return c < 0
		})
	}
	if opts.Limit > 0 && int64(len(found)) > opts.Limit {
		found = found[:opts.Limit]
	}

	slice := rv.Elem()
	elemType := slice.Type().Elem()
	result := reflect.MakeSlice(slice.Type(), 0, len(found))
	for _, doc := range found {
		elem := reflect.New(elemType)
		if err := decodeDocument(doc, elem.Interface()); err != nil {
			return err
		}
		result = reflect.Append(result, elem.Elem())
	}
	slice.Set(result)
	return nil
}

// InsertOne stores a document. A duplicate _id is rejected.
func (m *MemoryDocuments) InsertOne(_ context.Context, collection string, v interface{}) error {
	doc, err := toDocument(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := doc["_id"]; ok {
		for _, existing := range m.collections[collection] {
			if c, ok := compareValues(existing["_id"], id); ok && c == 0 {
				return fmt.Errorf("duplicate key _id=%v in %s", id, collection)
			}
		}
	}
	m.collections[collection] = append(m.collections[collection], doc)
	return nil
}

// UpdateOne applies a $set update to the first match, inserting when upsert is set
func (m *MemoryDocuments) UpdateOne(_ context.Context, collection string, filter bson.M, update bson.M, upsert bool) error {
	set, err := setClause(update)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			for k, v := range set {
				doc[k] = v
			}
			return nil
		}
	}
	if !upsert {
		return nil
	}

	doc := bson.M{}
	for k, v := range filter {
		if !strings.HasPrefix(k, "$") {
			if _, isOp := v.(bson.M); !isOp {
				doc[k] = v
			}
		}
	}
	for k, v := range set {
		doc[k] = v
	}
	m.collections[collection] = append(m.collections[collection], doc)
	return nil
}

func setClause(update bson.M) (bson.M, error) {
	raw, ok := update["$set"]
	if !ok {
		return nil, fmt.Errorf("memory document store only supports $set updates")
	}
	set, err := toDocument(raw)
	if err != nil {
		return nil, err
	}
	return set, nil
}

// DeleteMany removes every matching document
func (m *MemoryDocuments) DeleteMany(_ context.Context, collection string, filter bson.M) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	kept := docs[:0]
	var deleted int64
	for _, doc := range docs {
		if matches(doc, filter) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	m.collections[collection] = kept
	return deleted, nil
}

// Ping always succeeds
func (m *MemoryDocuments) Ping(context.Context) error {
	return nil
}

// Count returns the number of documents in a collection
func (m *MemoryDocuments) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func matches(doc bson.M, filter bson.M) bool {
	for field, want := range filter {
		got, present := doc[field]
		if ops, ok := want.(bson.M); ok {
			if !matchOperators(got, present, ops) {
				return false
			}
			continue
		}
		if !present {
			return false
		}
		if c, ok := compareValues(got, want); !ok || c != 0 {
			return false
		}
	}
	return true
}

func matchOperators(got interface{}, present bool, ops bson.M) bool {
	for op, operand := range ops {
		if op == "$in" {
			if !present || !inList(got, operand) {
				return false
			}
			continue
		}
		if !present {
			return false
		}
		c, ok := compareValues(got, operand)
		if !ok {
			return false
		}
		switch op {
		case "$lt":
			if c >= 0 {
				return false
			}
		case "$lte":
			if c > 0 {
				return false
			}
		case "$gt":
			if c <= 0 {
				return false
			}
		case "$gte":
			if c < 0 {
				return false
			}
		case "$ne":
			if c == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func inList(got interface{}, list interface{}) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if c, ok := compareValues(got, rv.Index(i).Interface()); ok && c == 0 {
			return true
		}
	}
	return false
}

// compareValues orders two bson scalar values. ok is false when they are not comparable.
func compareValues(a, b interface{}) (int, bool) {
	if na, ok := numeric(a); ok {
		nb, ok := numeric(b)
		if !ok {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok || ba != bb {
			return 1, ok
		}
		return 0, true
	}
	if oa, ok := a.(primitive.ObjectID); ok {
		ob, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return strings.Compare(oa.Hex(), ob.Hex()), true
	}
	return 0, false
}

// numeric maps numbers and datetimes onto float64 milliseconds/values
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case primitive.DateTime:
		return float64(n), true
	case time.Time:
		return float64(primitive.NewDateTimeFromTime(n)), true
	}
	return 0, false
}
