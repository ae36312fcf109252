package message

import (
	"fmt"
	"strings"
)

const (
	// MaxKeyLength is the longest key the wire format can carry
	MaxKeyLength = 1<<16 - 1

	// reservedPrefix marks keys the codec uses for routing metadata
	reservedPrefix = "_msgkit:"
)

// field holds every value stored under one key.
type field struct {
	name   string
	code   TypeCode
	values []any
}

// Store is an ordered multi-map from keys to homogeneously typed value
// lists. Keys keep their insertion order; values keep their order within
// a key. The zero value is an empty store ready to use.
type Store struct {
	fields []*field
	index  map[string]int
}

// Add appends v to the values stored under key, creating the key when
// absent. It fails with ErrTypeMismatch when key already holds values of
// another type; the store is left unchanged on any error.
func (s *Store) Add(key string, v any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	code, err := typeOf(v)
	if err != nil {
		return err
	}

	if f := s.lookup(key); f != nil {
		if f.code != code {
			return fmt.Errorf("%w: key %q holds %s, got %s", ErrTypeMismatch, key, f.code, code)
		}
		f.values = append(f.values, normalize(v))
		return nil
	}

	s.addField(&field{name: key, code: code, values: []any{normalize(v)}})
	return nil
}

// Find returns the value at index under key. Byte slices are returned as
// copies.
func (s *Store) Find(key string, index int) (any, error) {
	f, err := s.at(key, index)
	if err != nil {
		return nil, err
	}
	return normalize(f.values[index]), nil
}

// Replace overwrites the value at index under key with v, which must have
// the key's type.
func (s *Store) Replace(key string, index int, v any) error {
	f, err := s.at(key, index)
	if err != nil {
		return err
	}
	code, err := typeOf(v)
	if err != nil {
		return err
	}
	if f.code != code {
		return fmt.Errorf("%w: key %q holds %s, got %s", ErrTypeMismatch, key, f.code, code)
	}
	f.values[index] = normalize(v)
	return nil
}

// Remove deletes key and all of its values.
func (s *Store) Remove(key string) error {
	i, ok := s.index[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	s.fields = append(s.fields[:i], s.fields[i+1:]...)
	s.reindex()
	return nil
}

// RemoveAt deletes one value under key, shifting later values down.
// Removing the last value removes the key.
func (s *Store) RemoveAt(key string, index int) error {
	f, err := s.at(key, index)
	if err != nil {
		return err
	}
	if len(f.values) == 1 {
		return s.Remove(key)
	}
	f.values = append(f.values[:index], f.values[index+1:]...)
	return nil
}

// Rename moves the values of oldKey to newKey, keeping its position.
func (s *Store) Rename(oldKey, newKey string) error {
	if err := validateKey(newKey); err != nil {
		return err
	}
	i, ok := s.index[oldKey]
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, oldKey)
	}
	if oldKey == newKey {
		return nil
	}
	if _, exists := s.index[newKey]; exists {
		return fmt.Errorf("%w: %q", ErrKeyExists, newKey)
	}
	delete(s.index, oldKey)
	s.fields[i].name = newKey
	s.index[newKey] = i
	return nil
}

// Count returns the number of values under key, zero when absent.
func (s *Store) Count(key string) int {
	if f := s.lookup(key); f != nil {
		return len(f.values)
	}
	return 0
}

// TypeOf returns the type code of the values under key.
func (s *Store) TypeOf(key string) (TypeCode, error) {
	f := s.lookup(key)
	if f == nil {
		return 0, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return f.code, nil
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	return s.lookup(key) != nil
}

// Keys returns the keys in insertion order.
func (s *Store) Keys() []string {
	keys := make([]string, len(s.fields))
	for i, f := range s.fields {
		keys[i] = f.name
	}
	return keys
}

// Len returns the number of keys.
func (s *Store) Len() int {
	return len(s.fields)
}

// IsEmpty reports whether the store holds no keys.
func (s *Store) IsEmpty() bool {
	return len(s.fields) == 0
}

// Range calls fn for every key in order until fn returns false. The values
// slice must not be retained or modified.
func (s *Store) Range(fn func(key string, code TypeCode, values []any) bool) {
	for _, f := range s.fields {
		if !fn(f.name, f.code, f.values) {
			return
		}
	}
}

// Clear removes every key.
func (s *Store) Clear() {
	s.fields = nil
	s.index = nil
}

// Clone returns a deep copy of the store.
func (s *Store) Clone() *Store {
	clone := &Store{}
	s.copyInto(clone)
	return clone
}

// Equal reports whether both stores hold the same keys with the same type
// and the same ordered values. Key order does not matter.
func (s *Store) Equal(other *Store) bool {
	if other == nil {
		return s.Len() == 0
	}
	if len(s.fields) != len(other.fields) {
		return false
	}
	for _, f := range s.fields {
		g := other.lookup(f.name)
		if g == nil || g.code != f.code || len(g.values) != len(f.values) {
			return false
		}
		for i := range f.values {
			if !valuesEqual(f.values[i], g.values[i]) {
				return false
			}
		}
	}
	return true
}

// String returns a short summary of the keys and their types.
func (s *Store) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, f := range s.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %s[%d]", f.name, f.code, len(f.values))
	}
	sb.WriteString("}")
	return sb.String()
}

func (s *Store) copyInto(dst *Store) {
	dst.fields = make([]*field, len(s.fields))
	for i, f := range s.fields {
		values := make([]any, len(f.values))
		for j, v := range f.values {
			values[j] = cloneValue(v)
		}
		dst.fields[i] = &field{name: f.name, code: f.code, values: values}
	}
	dst.reindex()
}

func (s *Store) lookup(key string) *field {
	if i, ok := s.index[key]; ok {
		return s.fields[i]
	}
	return nil
}

func (s *Store) at(key string, index int) (*field, error) {
	f := s.lookup(key)
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if index < 0 || index >= len(f.values) {
		return nil, fmt.Errorf("%w: %q has %d values, index %d", ErrIndexOutOfRange, key, len(f.values), index)
	}
	return f, nil
}

func (s *Store) addField(f *field) {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	s.index[f.name] = len(s.fields)
	s.fields = append(s.fields, f)
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.fields))
	for i, f := range s.fields {
		s.index[f.name] = i
	}
}

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key is %d bytes (max %d)", ErrInvalidKey, len(key), MaxKeyLength)
	case strings.HasPrefix(key, reservedPrefix):
		return fmt.Errorf("%w: %q uses the reserved prefix %q", ErrInvalidKey, key, reservedPrefix)
	}
	return nil
}

// Get returns the value at index under key as a T, failing with
// ErrTypeMismatch when the stored value has another type.
func Get[T any](s *Store, key string, index int) (T, error) {
	var zero T
	v, err := s.Find(key, index)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, v)
	}
	return t, nil
}

// FindBool returns the bool at index under key.
func (s *Store) FindBool(key string, index int) (bool, error) {
	return Get[bool](s, key, index)
}

// FindInt8 returns the int8 at index under key.
func (s *Store) FindInt8(key string, index int) (int8, error) {
	return Get[int8](s, key, index)
}

// FindInt16 returns the int16 at index under key.
func (s *Store) FindInt16(key string, index int) (int16, error) {
	return Get[int16](s, key, index)
}

// FindInt32 returns the int32 at index under key.
func (s *Store) FindInt32(key string, index int) (int32, error) {
	return Get[int32](s, key, index)
}

// FindInt64 returns the int64 at index under key.
func (s *Store) FindInt64(key string, index int) (int64, error) {
	return Get[int64](s, key, index)
}

// FindUint8 returns the uint8 at index under key.
func (s *Store) FindUint8(key string, index int) (uint8, error) {
	return Get[uint8](s, key, index)
}

// FindUint16 returns the uint16 at index under key.
func (s *Store) FindUint16(key string, index int) (uint16, error) {
	return Get[uint16](s, key, index)
}

// FindUint32 returns the uint32 at index under key.
func (s *Store) FindUint32(key string, index int) (uint32, error) {
	return Get[uint32](s, key, index)
}

// FindUint64 returns the uint64 at index under key.
func (s *Store) FindUint64(key string, index int) (uint64, error) {
	return Get[uint64](s, key, index)
}

// FindFloat32 returns the float32 at index under key.
func (s *Store) FindFloat32(key string, index int) (float32, error) {
	return Get[float32](s, key, index)
}

// FindFloat64 returns the float64 at index under key.
func (s *Store) FindFloat64(key string, index int) (float64, error) {
	return Get[float64](s, key, index)
}

// FindString returns the string at index under key.
func (s *Store) FindString(key string, index int) (string, error) {
	return Get[string](s, key, index)
}

// FindBytes returns a copy of the raw bytes at index under key.
func (s *Store) FindBytes(key string, index int) ([]byte, error) {
	return Get[[]byte](s, key, index)
}

// FindPoint returns the point at index under key.
func (s *Store) FindPoint(key string, index int) (Point, error) {
	return Get[Point](s, key, index)
}

// FindRect returns the rectangle at index under key.
func (s *Store) FindRect(key string, index int) (Rect, error) {
	return Get[Rect](s, key, index)
}

// FindAddress returns the messenger address at index under key.
func (s *Store) FindAddress(key string, index int) (Address, error) {
	return Get[Address](s, key, index)
}

// FindMessage returns the nested message at index under key.
func (s *Store) FindMessage(key string, index int) (*Message, error) {
	return Get[*Message](s, key, index)
}
