package message

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// The archive form is a self-describing CBOR rendition of a message meant
// for storage and tooling. Unlike the flattened form it carries no routing
// metadata, only the what code and the fields.

var archiveEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	// NaNs keep their exact bits and width
	opts.NaNConvert = cbor.NaNConvertNone
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("message: failed to create CBOR enc mode: %v", err))
	}
	archiveEncMode = em
}

type archive struct {
	What   uint32         `cbor:"what"`
	Fields []archiveField `cbor:"fields"`
}

type archiveField struct {
	Name   string            `cbor:"name"`
	Type   uint32            `cbor:"type"`
	Values []cbor.RawMessage `cbor:"values"`
}

// MarshalArchive encodes m as canonical CBOR. Equal messages produce
// identical bytes when their keys were added in the same order.
func MarshalArchive(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("message is nil")
	}
	a, err := toArchive(m, 0)
	if err != nil {
		return nil, err
	}
	return archiveEncMode.Marshal(a)
}

// UnmarshalArchive decodes a message produced by MarshalArchive.
func UnmarshalArchive(data []byte) (*Message, error) {
	var a archive
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: unmarshal archive: %v", ErrCorruptData, err)
	}
	return fromArchive(&a, 0)
}

func toArchive(m *Message, depth int) (*archive, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d", ErrTooLarge, MaxNestingDepth)
	}

	a := &archive{What: m.What, Fields: make([]archiveField, 0, len(m.fields))}
	for _, f := range m.fields {
		af := archiveField{Name: f.name, Type: uint32(f.code), Values: make([]cbor.RawMessage, len(f.values))}
		for i, v := range f.values {
			raw, err := archiveValue(v, depth)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", f.name, err)
			}
			af.Values[i] = raw
		}
		a.Fields = append(a.Fields, af)
	}
	return a, nil
}

func archiveValue(v any, depth int) (cbor.RawMessage, error) {
	var out any
	switch val := v.(type) {
	case Point:
		out = [2]float32{val.X, val.Y}
	case Rect:
		out = [4]float32{val.Left, val.Top, val.Right, val.Bottom}
	case Address:
		out = [3]int32{val.Team, val.Port, val.Token}
	case *Message:
		nested, err := toArchive(val, depth+1)
		if err != nil {
			return nil, err
		}
		out = nested
	case Flattenable:
		data, err := flattenValue(val)
		if err != nil {
			return nil, err
		}
		out = data
	default:
		out = v
	}
	return archiveEncMode.Marshal(out)
}

func fromArchive(a *archive, depth int) (*Message, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d", ErrCorruptData, MaxNestingDepth)
	}

	m := New(a.What)
	for _, af := range a.Fields {
		if err := validateKey(af.Name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		if m.Has(af.Name) {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrCorruptData, af.Name)
		}
		if len(af.Values) == 0 {
			return nil, fmt.Errorf("%w: key %q has no values", ErrCorruptData, af.Name)
		}

		code := TypeCode(af.Type)
		values := make([]any, len(af.Values))
		for i, raw := range af.Values {
			v, err := unarchiveValue(code, raw, depth)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", af.Name, err)
			}
			values[i] = v
		}
		m.addField(&field{name: af.Name, code: code, values: values})
	}
	return m, nil
}

func unarchiveValue(code TypeCode, raw cbor.RawMessage, depth int) (any, error) {
	switch code {
	case BoolType:
		return decodeAny[bool](raw, code)
	case Int8Type:
		return decodeAny[int8](raw, code)
	case Uint8Type:
		return decodeAny[uint8](raw, code)
	case Int16Type:
		return decodeAny[int16](raw, code)
	case Uint16Type:
		return decodeAny[uint16](raw, code)
	case Int32Type:
		return decodeAny[int32](raw, code)
	case Uint32Type:
		return decodeAny[uint32](raw, code)
	case Int64Type:
		return decodeAny[int64](raw, code)
	case Uint64Type:
		return decodeAny[uint64](raw, code)
	case Float32Type:
		v, err := decodeFloat32(raw, code)
		if err != nil {
			return nil, err
		}
		return v, nil
	case Float64Type:
		return decodeAny[float64](raw, code)
	case StringType:
		return decodeAny[string](raw, code)
	case RawType:
		return decodeAny[[]byte](raw, code)
	case PointType:
		v, err := decodeFloat32s(raw, code, 2)
		if err != nil {
			return nil, err
		}
		return Point{X: v[0], Y: v[1]}, nil
	case RectType:
		v, err := decodeFloat32s(raw, code, 4)
		if err != nil {
			return nil, err
		}
		return Rect{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}, nil
	case MessengerType:
		v, err := decodeAs[[3]int32](raw, code)
		if err != nil {
			return nil, err
		}
		return Address{Team: v[0], Port: v[1], Token: v[2]}, nil
	case MessageType:
		nested, err := decodeAs[archive](raw, code)
		if err != nil {
			return nil, err
		}
		return fromArchive(&nested, depth+1)
	}

	factory, ok := lookupType(code)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type code %s", ErrCorruptData, code)
	}
	data, err := decodeAs[[]byte](raw, code)
	if err != nil {
		return nil, err
	}
	v := factory()
	if v == nil {
		return nil, fmt.Errorf("%w: factory for %s returned nil", ErrCorruptData, code)
	}
	if err := v.Unflatten(data); err != nil {
		return nil, fmt.Errorf("%w: unflatten %s: %v", ErrCorruptData, code, err)
	}
	return v, nil
}

func decodeAs[T any](raw cbor.RawMessage, code TypeCode) (T, error) {
	var v T
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s value: %v", ErrCorruptData, code, err)
	}
	return v, nil
}

func decodeAny[T any](raw cbor.RawMessage, code TypeCode) (any, error) {
	v, err := decodeAs[T](raw, code)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// decodeFloat32 reads a float32 without widening it to float64 first when
// it was encoded as a CBOR single, so signaling NaNs keep their bits.
func decodeFloat32(raw cbor.RawMessage, code TypeCode) (float32, error) {
	if len(raw) == 5 && raw[0] == 0xfa {
		return math.Float32frombits(binary.BigEndian.Uint32(raw[1:])), nil
	}
	return decodeAs[float32](raw, code)
}

func decodeFloat32s(raw cbor.RawMessage, code TypeCode, n int) ([]float32, error) {
	elems, err := decodeAs[[]cbor.RawMessage](raw, code)
	if err != nil {
		return nil, err
	}
	if len(elems) != n {
		return nil, fmt.Errorf("%w: %s value has %d components, want %d", ErrCorruptData, code, len(elems), n)
	}
	out := make([]float32, n)
	for i, e := range elems {
		if out[i], err = decodeFloat32(e, code); err != nil {
			return nil, err
		}
	}
	return out, nil
}
