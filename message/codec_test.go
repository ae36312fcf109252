package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rgba is a custom value type used to exercise Flattenable support.
type rgba struct {
	R, G, B, A uint8
}

const rgbaType TypeCode = 'R'<<24 | 'G'<<16 | 'B'<<8 | 'A'

func (c *rgba) TypeCode() TypeCode { return rgbaType }
func (c *rgba) FlattenedSize() int { return 4 }

func (c *rgba) Flatten(dst []byte) error {
	if len(dst) != 4 {
		return fmt.Errorf("need 4 bytes, got %d", len(dst))
	}
	dst[0], dst[1], dst[2], dst[3] = c.R, c.G, c.B, c.A
	return nil
}

func (c *rgba) Unflatten(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("need 4 bytes, got %d", len(data))
	}
	c.R, c.G, c.B, c.A = data[0], data[1], data[2], data[3]
	return nil
}

func registerRGBA(t testing.TB) {
	t.Helper()
	require.NoError(t, RegisterType(rgbaType, func() Flattenable { return &rgba{} }))
	t.Cleanup(func() { UnregisterType(rgbaType) })
}

// sampleMessage holds one value of every built-in type.
func sampleMessage(t testing.TB) *Message {
	t.Helper()
	m := New(MakeCode('t', 'e', 's', 't'))
	values := []struct {
		key string
		v   any
	}{
		{"bool", true},
		{"int8", int8(-8)},
		{"uint8", uint8(8)},
		{"int16", int16(-1600)},
		{"uint16", uint16(1600)},
		{"int32", int32(-320000)},
		{"uint32", uint32(320000)},
		{"int64", int64(math.MinInt64)},
		{"uint64", uint64(math.MaxUint64)},
		{"float32", float32(3.25)},
		{"float64", math.Pi},
		{"point", Point{X: 1.5, Y: -2}},
		{"rect", Rect{Left: 0, Top: 0, Right: 640, Bottom: 480}},
		{"addr", Address{Team: 3, Port: 9, Token: 4}},
		{"string", "héllo"},
		{"empty", ""},
		{"raw", []byte{0, 1, 2, 0xff}},
	}
	for _, tv := range values {
		require.NoError(t, m.Add(tv.key, tv.v))
	}
	require.NoError(t, m.Add("string", "second"))
	return m
}

func TestFlattenRoundTrip(t *testing.T) {
	t.Run("AllBuiltinTypes", func(t *testing.T) {
		m := sampleMessage(t)

		data, err := Flatten(m)
		require.NoError(t, err)
		assert.Len(t, data, m.FlattenedSize())

		got, err := Unflatten(data)
		require.NoError(t, err)
		assert.True(t, m.Equal(got), "got %s", got)
		assert.Equal(t, m.Keys(), got.Keys())
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, err := Flatten(sampleMessage(t))
		require.NoError(t, err)
		b, err := Flatten(sampleMessage(t))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("NestedMessages", func(t *testing.T) {
		leaf := New(3)
		require.NoError(t, leaf.Add("depth", int32(2)))
		mid := New(2)
		require.NoError(t, mid.Add("child", leaf))
		require.NoError(t, mid.Add("child", New(4)))
		root := New(1)
		require.NoError(t, root.Add("child", mid))

		data, err := Flatten(root)
		require.NoError(t, err)
		got, err := Unflatten(data)
		require.NoError(t, err)
		assert.True(t, root.Equal(got))

		gotMid, err := got.FindMessage("child", 0)
		require.NoError(t, err)
		gotLeaf, err := gotMid.FindMessage("child", 0)
		require.NoError(t, err)
		depth, err := gotLeaf.FindInt32("depth", 0)
		require.NoError(t, err)
		assert.Equal(t, int32(2), depth)
	})

	t.Run("FloatBitPatterns", func(t *testing.T) {
		m := New(1)
		require.NoError(t, m.Add("f", float32(math.Copysign(0, -1))))
		require.NoError(t, m.Add("d", math.NaN()))

		data, err := Flatten(m)
		require.NoError(t, err)
		got, err := Unflatten(data)
		require.NoError(t, err)
		assert.True(t, m.Equal(got))

		f, _ := got.FindFloat32("f", 0)
		assert.True(t, math.Signbit(float64(f)))
	})

	t.Run("Metadata", func(t *testing.T) {
		m := New(7)
		m.Target = 12
		m.SetFlag(FlagReplyRequired)
		m.ReplyTo = &Address{Team: 1, Port: 2, Token: TokenNull}
		require.NoError(t, m.Add("k", "v"))

		data, err := Flatten(m)
		require.NoError(t, err)
		got, err := Unflatten(data)
		require.NoError(t, err)

		assert.Equal(t, int32(12), got.Target)
		assert.True(t, got.IsReplyRequested())
		require.NotNil(t, got.ReplyTo)
		assert.Equal(t, *m.ReplyTo, *got.ReplyTo)
		assert.Equal(t, []string{"k"}, got.Keys(), "metadata must not leak into the store")
	})

	t.Run("CustomFlattenable", func(t *testing.T) {
		registerRGBA(t)
		m := New(1)
		require.NoError(t, m.Add("color", &rgba{R: 1, G: 2, B: 3, A: 4}))

		data, err := Flatten(m)
		require.NoError(t, err)
		got, err := Unflatten(data)
		require.NoError(t, err)

		v, err := got.Find("color", 0)
		require.NoError(t, err)
		assert.Equal(t, &rgba{R: 1, G: 2, B: 3, A: 4}, v)
		assert.True(t, m.Equal(got))
	})

	t.Run("MessageAsFlattenable", func(t *testing.T) {
		m := sampleMessage(t)
		buf := make([]byte, m.FlattenedSize())
		require.NoError(t, m.Flatten(buf))

		var got Message
		require.NoError(t, got.Unflatten(buf))
		assert.True(t, m.Equal(&got))
		assert.Equal(t, MessageType, got.TypeCode())
	})
}

func TestFlattenLayout(t *testing.T) {
	t.Run("EmptyMessageIsHeaderOnly", func(t *testing.T) {
		data, err := Flatten(New(0x01020304))
		require.NoError(t, err)
		require.Len(t, data, HeaderSize)
		assert.Equal(t, uint32(HeaderSize), binary.LittleEndian.Uint32(data[0:]))
		assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(data[4:]))
		assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(data[8:]))
	})

	t.Run("SingleEntry", func(t *testing.T) {
		m := New(1)
		require.NoError(t, m.Add("ab", int16(0x0102)))

		data, err := Flatten(m)
		require.NoError(t, err)

		want := []byte{
			26, 0, 0, 0, // total length
			1, 0, 0, 0, // what
			1, 0, 0, 0, // entry count
			2, 0, 'a', 'b',
			'T', 'R', 'H', 'S', // SHRT little-endian
			1, 0, 0, 0,
			0x02, 0x01,
		}
		assert.Equal(t, want, data)
	})

	t.Run("SizeMatchesOutput", func(t *testing.T) {
		m := sampleMessage(t)
		inner := sampleMessage(t)
		require.NoError(t, m.Add("nested", inner))

		data, err := Flatten(m)
		require.NoError(t, err)
		assert.Equal(t, len(data), m.FlattenedSize())
	})
}

func TestUnflattenCorrupt(t *testing.T) {
	valid, err := Flatten(sampleMessage(t))
	require.NoError(t, err)

	entry := func(key string, code TypeCode, count uint32, payload ...byte) []byte {
		var b bytes.Buffer
		binary.Write(&b, binary.LittleEndian, uint16(len(key)))
		b.WriteString(key)
		binary.Write(&b, binary.LittleEndian, uint32(code))
		binary.Write(&b, binary.LittleEndian, count)
		b.Write(payload)
		return b.Bytes()
	}
	frame := func(entries ...[]byte) []byte {
		body := bytes.Join(entries, nil)
		out := make([]byte, HeaderSize, HeaderSize+len(body))
		binary.LittleEndian.PutUint32(out[0:], uint32(HeaderSize+len(body)))
		binary.LittleEndian.PutUint32(out[4:], 1)
		binary.LittleEndian.PutUint32(out[8:], uint32(len(entries)))
		return append(out, body...)
	}
	withLength := func(data []byte) []byte {
		out := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(out[0:], uint32(len(out)))
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"Nil", nil},
		{"ShortHeader", valid[:HeaderSize-1]},
		{"TruncatedBy3", valid[:len(valid)-3]},
		{"TruncatedWithFixedLength", withLength(valid[:len(valid)-3])},
		{"TrailingBytes", withLength(append(append([]byte(nil), valid...), 0))},
		{"LengthMismatch", append(append([]byte(nil), valid...), 0)},
		{"EmptyKey", frame(entry("", Int8Type, 1, 1))},
		{"ZeroValues", frame(entry("k", Int8Type, 0))},
		{"DuplicateKey", frame(entry("k", Int8Type, 1, 1), entry("k", Int8Type, 1, 2))},
		{"BadBool", frame(entry("k", BoolType, 1, 2))},
		{"UnknownType", frame(entry("k", TypeCode(0x7a7a7a7a), 1, 0, 0, 0, 0))},
		{"FixedOverrun", frame(entry("k", Int64Type, 2, 1, 2, 3, 4, 5, 6, 7, 8))},
		{"VariableOverrun", frame(entry("k", StringType, 1, 10, 0, 0, 0, 'a'))},
		{"HugeCount", frame(entry("k", StringType, math.MaxUint32))},
		{"UnknownReservedKey", frame(entry(reservedPrefix+"bogus", Int32Type, 1, 0, 0, 0, 0))},
		{"ReservedKeyWrongType", frame(entry(reservedPrefix+"target", Int8Type, 1, 0))},
		{"DuplicateTarget", frame(entry(targetKey, Int32Type, 1, 1, 0, 0, 0), entry(targetKey, Int32Type, 1, 2, 0, 0, 0))},
		{"DuplicateFlags", frame(entry(flagsKey, Uint32Type, 1, 8, 0, 0, 0), entry(flagsKey, Uint32Type, 1, 8, 0, 0, 0))},
		{"CorruptNested", frame(entry("m", MessageType, 1, 4, 0, 0, 0, 4, 0, 0, 0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unflatten(tt.data)
			assert.ErrorIs(t, err, ErrCorruptData)
		})
	}

	t.Run("EntryCountTooLarge", func(t *testing.T) {
		data := frame(entry("k", Int8Type, 1, 1))
		binary.LittleEndian.PutUint32(data[8:], 2)
		_, err := Unflatten(data)
		assert.ErrorIs(t, err, ErrCorruptData)
	})

	t.Run("TooManyValues", func(t *testing.T) {
		data := frame(entry("k", Int8Type, MaxValueCount+1, make([]byte, MaxValueCount+1)...))
		_, err := Unflatten(data)
		assert.ErrorIs(t, err, ErrCorruptData)

		// The limit spans nested messages
		inner := frame(entry("k", Int8Type, MaxValueCount, make([]byte, MaxValueCount)...))
		payload := binary.LittleEndian.AppendUint32(nil, uint32(len(inner)))
		outer := frame(entry("n", MessageType, 1, append(payload, inner...)...), entry("x", Int8Type, 1, 1))
		_, err = Unflatten(outer)
		assert.ErrorIs(t, err, ErrCorruptData)
	})

	t.Run("UnregisteredCustomType", func(t *testing.T) {
		registerRGBA(t)
		m := New(1)
		require.NoError(t, m.Add("color", &rgba{}))
		data, err := Flatten(m)
		require.NoError(t, err)

		UnregisterType(rgbaType)
		_, err = Unflatten(data)
		assert.ErrorIs(t, err, ErrCorruptData)
	})

	t.Run("TooDeep", func(t *testing.T) {
		m := New(0)
		for i := 0; i <= MaxNestingDepth; i++ {
			outer := New(uint32(i))
			require.NoError(t, outer.Add("m", m))
			m = outer
		}
		_, err := Flatten(m)
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("TooManyValues", func(t *testing.T) {
		inner := New(1)
		for i := 0; i < MaxValueCount; i++ {
			require.NoError(t, inner.Add("b", false))
		}
		_, err := Flatten(inner)
		require.NoError(t, err)

		outer := New(2)
		require.NoError(t, outer.Add("inner", inner))
		_, err = Flatten(outer)
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestReadWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	first := sampleMessage(t)
	second := New(2)
	require.NoError(t, WriteMessage(&buf, first))
	require.NoError(t, WriteMessage(&buf, second))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.True(t, first.Equal(got))

	got, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.True(t, second.Equal(got))

	_, err = ReadMessage(&buf)
	assert.Error(t, err)

	t.Run("BadDeclaredLength", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader([]byte{3, 0, 0, 0}))
		assert.ErrorIs(t, err, ErrCorruptData)
	})

	t.Run("ShortBody", func(t *testing.T) {
		data, err := Flatten(first)
		require.NoError(t, err)
		_, err = ReadMessage(bytes.NewReader(data[:len(data)-1]))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCorruptData))
	})
}

func TestRegisterType(t *testing.T) {
	assert.ErrorIs(t, RegisterType(StringType, func() Flattenable { return &rgba{} }), ErrUnsupportedType)
	assert.ErrorIs(t, RegisterType(rgbaType, nil), ErrUnsupportedType)
}
