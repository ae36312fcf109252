package message

import (
	"bytes"
	"fmt"
	"sync"
)

// Flattenable is implemented by value types that provide their own wire
// representation. The codec treats the bytes as opaque: it stores the
// type code, the length and the bytes, and hands exactly those bytes back
// to Unflatten on the receiving side.
type Flattenable interface {
	// TypeCode returns the stable code identifying the type on the wire.
	TypeCode() TypeCode

	// FlattenedSize returns the number of bytes Flatten will write.
	FlattenedSize() int

	// Flatten writes the value into dst, which is exactly
	// FlattenedSize bytes long.
	Flatten(dst []byte) error

	// Unflatten replaces the receiver's contents with the decoded data.
	Unflatten(data []byte) error
}

// FlattenableEqualer can be implemented to give a Flattenable a semantic
// equality. Without it, values compare by their flattened bytes.
type FlattenableEqualer interface {
	Equal(other Flattenable) bool
}

var (
	typesMu sync.RWMutex
	types   = make(map[TypeCode]func() Flattenable)
)

// RegisterType makes a custom type code decodable. The factory must return
// a fresh value on every call. Built-in codes cannot be registered.
func RegisterType(code TypeCode, factory func() Flattenable) error {
	if code.IsBuiltin() {
		return fmt.Errorf("%w: %s is a built-in type", ErrUnsupportedType, code)
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for %s", ErrUnsupportedType, code)
	}

	typesMu.Lock()
	defer typesMu.Unlock()
	types[code] = factory
	return nil
}

// UnregisterType removes a custom type code registration.
func UnregisterType(code TypeCode) {
	typesMu.Lock()
	defer typesMu.Unlock()
	delete(types, code)
}

func lookupType(code TypeCode) (func() Flattenable, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	factory, ok := types[code]
	return factory, ok
}

// flattenValue renders a Flattenable into a new buffer, checking that it
// wrote the size it advertised.
func flattenValue(f Flattenable) ([]byte, error) {
	size := f.FlattenedSize()
	if size < 0 {
		return nil, fmt.Errorf("flattenable %s reported negative size %d", f.TypeCode(), size)
	}
	buf := make([]byte, size)
	if err := f.Flatten(buf); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", f.TypeCode(), err)
	}
	return buf, nil
}

func flattenablesEqual(a, b Flattenable) bool {
	if a.TypeCode() != b.TypeCode() {
		return false
	}
	if eq, ok := a.(FlattenableEqualer); ok {
		return eq.Equal(b)
	}
	ab, errA := flattenValue(a)
	bb, errB := flattenValue(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func cloneFlattenable(f Flattenable) Flattenable {
	factory, ok := lookupType(f.TypeCode())
	if !ok {
		return f
	}
	data, err := flattenValue(f)
	if err != nil {
		return f
	}
	clone := factory()
	if err := clone.Unflatten(data); err != nil {
		return f
	}
	return clone
}
