package index

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/raftkv/raftkv/internal/value"
)

// valueIndexItem is a single (field value, document key) pairing stored in
// the btree, ordered first by the encoded field value and then by key so
// that every document under one field value sits in a contiguous range.
type valueIndexItem struct {
	valueKey string
	docKey   string
}

func (a valueIndexItem) Less(than btree.Item) bool {
	b := than.(valueIndexItem)
	if a.valueKey != b.valueKey {
		return a.valueKey < b.valueKey
	}
	return a.docKey < b.docKey
}

// ValueIndex is a secondary index over one field of a Map value (or the
// whole value, for field "_value"), backed by an ordered btree so lookups
// stay O(log n) and the structure could later support range queries even
// though only point lookups are required today.
type ValueIndex struct {
	field string
	tree  *btree.BTree
}

func newValueIndex(field string) *ValueIndex {
	return &ValueIndex{field: field, tree: btree.New(32)}
}

func encodeFieldValue(v value.Value) (string, bool) {
	switch v.Kind {
	case value.String:
		return "s:" + v.Str, true
	case value.Integer:
		return fmt.Sprintf("i:%d", v.Int), true
	default:
		return "", false
	}
}

func (vi *ValueIndex) fieldValueOf(v value.Value) (string, bool) {
	if vi.field == "_value" {
		return encodeFieldValue(v)
	}
	field, ok := v.Field(vi.field)
	if !ok {
		return "", false
	}
	return encodeFieldValue(field)
}

// Add indexes key under v's field value, if present.
func (vi *ValueIndex) Add(key string, v value.Value) {
	fv, ok := vi.fieldValueOf(v)
	if !ok {
		return
	}
	vi.tree.ReplaceOrInsert(valueIndexItem{valueKey: fv, docKey: key})
}

// Remove drops key's entry for old's field value, if any.
func (vi *ValueIndex) Remove(key string, old value.Value) {
	fv, ok := vi.fieldValueOf(old)
	if !ok {
		return
	}
	vi.tree.Delete(valueIndexItem{valueKey: fv, docKey: key})
}

// Query returns every key currently indexed under the given field value,
// in sorted order.
func (vi *ValueIndex) Query(target value.Value) []string {
	fv, ok := encodeFieldValue(target)
	if !ok {
		return nil
	}
	var keys []string
	pivot := valueIndexItem{valueKey: fv}
	vi.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		it := item.(valueIndexItem)
		if it.valueKey != fv {
			return false
		}
		keys = append(keys, it.docKey)
		return true
	})
	sort.Strings(keys)
	return keys
}
