// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/exp/slices"
)

// Document represents BSON document: an ordered collection of fields.
//
// Duplicate field names are not supported.
type Document struct {
	keys []string
	m    map[string]any
}

// MakeDocument creates an empty document with set capacity.
func MakeDocument(capacity int) *Document {
	if capacity == 0 {
		return new(Document)
	}

	return &Document{
		keys: make([]string, 0, capacity),
		m:    make(map[string]any, capacity),
	}
}

// NewDocument creates a document with the given key/value pairs.
func NewDocument(pairs ...any) (*Document, error) {
	l := len(pairs)
	if l%2 != 0 {
		return nil, fmt.Errorf("types.NewDocument: invalid number of arguments: %d", l)
	}

	doc := MakeDocument(l / 2)

	for i := 0; i < l; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("types.NewDocument: invalid key type: %T", pairs[i])
		}

		if err := doc.add(key, pairs[i+1]); err != nil {
			return nil, fmt.Errorf("types.NewDocument: %w", err)
		}
	}

	return doc, nil
}

// isValidKey returns false if key is not a valid document field key.
func isValidKey(key string) bool {
	return utf8.ValidString(key)
}

// validate checks if the document is valid.
func (d *Document) validate() error {
	if d == nil {
		panic("types.Document.validate: d is nil")
	}

	if len(d.m) != len(d.keys) {
		return fmt.Errorf("types.Document.validate: keys and values count mismatch: %d != %d", len(d.m), len(d.keys))
	}

	for _, key := range d.keys {
		if !isValidKey(key) {
			return fmt.Errorf("types.Document.validate: invalid key: %q", key)
		}

		value, ok := d.m[key]
		if !ok {
			return fmt.Errorf("types.Document.validate: key not found: %q", key)
		}

		if err := validateValue(value); err != nil {
			return fmt.Errorf("types.Document.validate: %w", err)
		}
	}

	return nil
}

// DeepCopy returns a deep copy of this Document.
func (d *Document) DeepCopy() *Document {
	if d == nil {
		panic("types.Document.DeepCopy: nil document")
	}

	return deepCopy(d).(*Document)
}

// Len returns the number of elements in the document.
//
// It returns 0 for nil Document.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}

	return len(d.keys)
}

// Keys returns document's keys. Do not modify it.
//
// It returns nil for nil Document.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}

	return d.keys
}

// Values returns document's values in key order.
//
// It returns nil for nil Document.
func (d *Document) Values() []any {
	if d == nil {
		return nil
	}

	values := make([]any, len(d.keys))
	for i, k := range d.keys {
		values[i] = d.m[k]
	}

	return values
}

// Command returns the first document's key. This is often used as a stage or operator name.
// It returns an empty string if document is nil or empty.
func (d *Document) Command() string {
	keys := d.Keys()
	if len(keys) == 0 {
		return ""
	}

	return keys[0]
}

func (d *Document) add(key string, value any) error {
	if _, ok := d.m[key]; ok {
		return fmt.Errorf("types.Document.add: key already present: %q", key)
	}

	if !isValidKey(key) {
		return fmt.Errorf("types.Document.add: invalid key: %q", key)
	}

	if err := validateValue(value); err != nil {
		return fmt.Errorf("types.Document.add: %w", err)
	}

	if d.m == nil {
		d.m = make(map[string]any, 1)
	}

	d.keys = append(d.keys, key)
	d.m[key] = value

	return nil
}

// Has returns true if the given key is present in the document.
func (d *Document) Has(key string) bool {
	if d == nil {
		return false
	}

	_, ok := d.m[key]

	return ok
}

// Get returns a value at the given key.
func (d *Document) Get(key string) (any, error) {
	if d != nil {
		if value, ok := d.m[key]; ok {
			return value, nil
		}
	}

	return nil, fmt.Errorf("types.Document.Get: key not found: %q", key)
}

// Set the value of the given key, replacing any existing value.
func (d *Document) Set(key string, value any) error {
	if !isValidKey(key) {
		return fmt.Errorf("types.Document.Set: invalid key: %q", key)
	}

	if err := validateValue(value); err != nil {
		return fmt.Errorf("types.Document.Set: %w", err)
	}

	if d.m == nil {
		d.m = make(map[string]any, 1)
	}

	if _, ok := d.m[key]; !ok {
		d.keys = append(d.keys, key)
	}

	d.m[key] = value

	return nil
}

// Remove the given key and return its value, or nil if the key does not exist.
func (d *Document) Remove(key string) any {
	v, ok := d.m[key]
	if !ok {
		return nil
	}

	delete(d.m, key)

	i := slices.Index(d.keys, key)
	if i < 0 {
		// should not be reached
		panic(fmt.Sprintf("types.Document.Remove: key not found: %q", key))
	}

	d.keys = slices.Delete(d.keys, i, i+1)

	return v
}

// MoveIDToFront moves the `_id` field (if present) to the first position.
func (d *Document) MoveIDToFront() {
	i := slices.Index(d.keys, "_id")
	if i <= 0 {
		return
	}

	d.keys = slices.Delete(d.keys, i, i+1)
	d.keys = slices.Insert(d.keys, 0, "_id")
}
