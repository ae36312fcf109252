package message

import (
	"bytes"
	"fmt"
	"math"
)

// typeOf maps a Go value onto its type code. *Message is checked before
// the Flattenable interface so nested messages always use MessageType.
func typeOf(v any) (TypeCode, error) {
	switch val := v.(type) {
	case bool:
		return BoolType, nil
	case int8:
		return Int8Type, nil
	case uint8:
		return Uint8Type, nil
	case int16:
		return Int16Type, nil
	case uint16:
		return Uint16Type, nil
	case int32:
		return Int32Type, nil
	case uint32:
		return Uint32Type, nil
	case int64:
		return Int64Type, nil
	case uint64:
		return Uint64Type, nil
	case float32:
		return Float32Type, nil
	case float64:
		return Float64Type, nil
	case Point:
		return PointType, nil
	case Rect:
		return RectType, nil
	case Address:
		return MessengerType, nil
	case string:
		return StringType, nil
	case []byte:
		return RawType, nil
	case *Message:
		if val == nil {
			return 0, fmt.Errorf("%w: nil message", ErrUnsupportedType)
		}
		return MessageType, nil
	case Flattenable:
		code := val.TypeCode()
		if code.IsBuiltin() {
			return 0, fmt.Errorf("%w: flattenable claims built-in code %s", ErrUnsupportedType, code)
		}
		return code, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// normalize returns the value as it will be held by a store. Byte slices
// are copied so the caller keeps no alias into the store.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		c := make([]byte, len(b))
		copy(c, b)
		return c
	}
	return v
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return normalize(val)
	case *Message:
		return val.Clone()
	case Flattenable:
		return cloneFlattenable(val)
	default:
		return v
	}
}

// valuesEqual compares two values of the same type code. Floats compare
// by bit pattern so a flatten/unflatten round trip always compares equal.
func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case float32:
		bv, ok := b.(float32)
		return ok && math.Float32bits(av) == math.Float32bits(bv)
	case float64:
		bv, ok := b.(float64)
		return ok && math.Float64bits(av) == math.Float64bits(bv)
	case Point:
		bv, ok := b.(Point)
		return ok && f32eq(av.X, bv.X) && f32eq(av.Y, bv.Y)
	case Rect:
		bv, ok := b.(Rect)
		return ok && f32eq(av.Left, bv.Left) && f32eq(av.Top, bv.Top) &&
			f32eq(av.Right, bv.Right) && f32eq(av.Bottom, bv.Bottom)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case *Message:
		bv, ok := b.(*Message)
		return ok && av.Equal(bv)
	case Flattenable:
		bv, ok := b.(Flattenable)
		return ok && flattenablesEqual(av, bv)
	default:
		return a == b
	}
}

func f32eq(a, b float32) bool {
	return math.Float32bits(a) == math.Float32bits(b)
}
