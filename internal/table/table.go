// Package table implements the insertion ordered id-keyed tables stored in
// tree shard files.
package table

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"unicode/utf16"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind names a table stored in the tree directory.
type Kind string

const (
	// KindMeta is the record-id to metadata record table.
	KindMeta Kind = "meta"
	// KindToc is the record-id to ordered child ids table.
	KindToc Kind = "toc"
)

// Table maps record ids to values, iterating in insertion order.
//
// The zero value is not usable; use New.
type Table[V any] struct {
	m *orderedmap.OrderedMap[string, V]
}

// Meta maps record ids to opaque metadata records.
type Meta = Table[json.RawMessage]

// Toc maps record ids to their ordered children ids.
type Toc = Table[[]string]

// New returns an empty table.
func New[V any]() *Table[V] {
	return &Table[V]{m: orderedmap.New[string, V]()}
}

// NewMeta returns an empty Meta table.
func NewMeta() *Meta {
	return New[json.RawMessage]()
}

// NewToc returns an empty Toc table.
func NewToc() *Toc {
	return New[[]string]()
}

// Len returns the number of entries.
func (t *Table[V]) Len() int {
	return t.m.Len()
}

// Get returns the value for id.
func (t *Table[V]) Get(id string) (V, bool) {
	return t.m.Get(id)
}

// Set sets the value for id. A new id is appended, an existing id keeps its
// position.
func (t *Table[V]) Set(id string, v V) {
	t.m.Set(id, v)
}

// Delete removes id, returning whether it was present.
func (t *Table[V]) Delete(id string) bool {
	_, ok := t.m.Delete(id)
	return ok
}

// All iterates over the entries in insertion order.
func (t *Table[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// Keys returns the ids in insertion order.
func (t *Table[V]) Keys() []string {
	keys := make([]string, 0, t.m.Len())
	for k := range t.All() {
		keys = append(keys, k)
	}
	return keys
}

// Merge copies every entry of other into t, overriding existing values.
func (t *Table[V]) Merge(other *Table[V]) {
	for k, v := range other.All() {
		t.m.Set(k, v)
	}
}

// Clone returns a shallow copy.
func (t *Table[V]) Clone() *Table[V] {
	c := New[V]()
	c.Merge(t)
	return c
}

// MarshalJSON encodes the table as an object, keys in insertion order. HTML
// characters are kept as is in both keys and values.
func (t *Table[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for k, v := range t.All() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, err := encode(k)
		if err != nil {
			return nil, err
		}
		vb, err := encode(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encode returns the compact JSON encoding of v without HTML escaping.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON decodes an object, appending its keys in document order.
func (t *Table[V]) UnmarshalJSON(data []byte) error {
	if d := bytes.TrimSpace(data); len(d) == 0 || d[0] != '{' {
		return errors.New("table data must be a JSON object")
	}
	m := orderedmap.New[string, V]()
	if err := m.UnmarshalJSON(data); err != nil {
		return err
	}
	t.m = m
	return nil
}

// EntrySize is the shard size estimate of one entry: one unit of separator
// plus the length of the compact JSON encoding of v, counted in UTF-16 code
// units like a JavaScript string length.
//
// This is a proxy for the final file size, not an exact byte count.
func EntrySize[V any](v V) (int, error) {
	b, err := encode(v)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range string(b) {
		n += utf16.RuneLen(r)
	}
	return 1 + n, nil
}

// Shards walks t in insertion order and yields consecutive partitions.
//
// A partition is cut right after the entry that makes its running size
// estimate reach threshold. The last partition may be smaller. An empty table
// yields nothing.
func (t *Table[V]) Shards(threshold int) iter.Seq2[*Table[V], error] {
	return func(yield func(*Table[V], error) bool) {
		cur := New[V]()
		size := 0
		for k, v := range t.All() {
			n, err := EntrySize(v)
			if err != nil {
				yield(nil, fmt.Errorf("failed to encode %q: %w", k, err))
				return
			}
			cur.Set(k, v)
			size += n
			if size >= threshold {
				if !yield(cur, nil) {
					return
				}
				cur = New[V]()
				size = 0
			}
		}
		if cur.Len() != 0 {
			yield(cur, nil)
		}
	}
}
