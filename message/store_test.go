package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Run("AddAndFind", func(t *testing.T) {
		var s Store
		require.NoError(t, s.Add("name", "alpha"))
		require.NoError(t, s.Add("name", "beta"))
		require.NoError(t, s.Add("count", int32(7)))

		assert.Equal(t, 2, s.Count("name"))
		assert.Equal(t, []string{"name", "count"}, s.Keys())

		v, err := s.FindString("name", 1)
		require.NoError(t, err)
		assert.Equal(t, "beta", v)

		n, err := s.FindInt32("count", 0)
		require.NoError(t, err)
		assert.Equal(t, int32(7), n)
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		var s Store
		require.NoError(t, s.Add("x", int32(1)))

		err := s.Add("x", "one")
		assert.ErrorIs(t, err, ErrTypeMismatch)
		assert.Equal(t, 1, s.Count("x"), "failed add must leave the store unchanged")

		_, err = s.FindString("x", 0)
		assert.ErrorIs(t, err, ErrTypeMismatch)

		err = s.Replace("x", 0, int64(1))
		assert.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("MissingKeyAndIndex", func(t *testing.T) {
		var s Store
		_, err := s.Find("nope", 0)
		assert.ErrorIs(t, err, ErrKeyNotFound)

		require.NoError(t, s.Add("k", true))
		_, err = s.Find("k", 1)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
		_, err = s.Find("k", -1)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)

		assert.Equal(t, 0, s.Count("nope"))
		_, err = s.TypeOf("nope")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("InvalidKeys", func(t *testing.T) {
		var s Store
		tests := []struct {
			name string
			key  string
		}{
			{"Empty", ""},
			{"Reserved", reservedPrefix + "target"},
			{"TooLong", strings.Repeat("k", MaxKeyLength+1)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.ErrorIs(t, s.Add(tt.key, int8(1)), ErrInvalidKey)
			})
		}
		assert.True(t, s.IsEmpty())
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		var s Store
		assert.ErrorIs(t, s.Add("k", 3), ErrUnsupportedType)
		assert.ErrorIs(t, s.Add("k", map[string]int{}), ErrUnsupportedType)
		assert.ErrorIs(t, s.Add("k", (*Message)(nil)), ErrUnsupportedType)
	})

	t.Run("Replace", func(t *testing.T) {
		var s Store
		require.NoError(t, s.Add("p", Point{X: 1, Y: 2}))
		require.NoError(t, s.Replace("p", 0, Point{X: 3, Y: 4}))

		p, err := s.FindPoint("p", 0)
		require.NoError(t, err)
		assert.Equal(t, Point{X: 3, Y: 4}, p)

		assert.ErrorIs(t, s.Replace("p", 1, Point{}), ErrIndexOutOfRange)
	})

	t.Run("RemoveAndRemoveAt", func(t *testing.T) {
		var s Store
		for _, v := range []int16{1, 2, 3} {
			require.NoError(t, s.Add("a", v))
		}
		require.NoError(t, s.Add("b", "x"))
		require.NoError(t, s.Add("c", "y"))

		require.NoError(t, s.RemoveAt("a", 1))
		v, err := s.FindInt16("a", 1)
		require.NoError(t, err)
		assert.Equal(t, int16(3), v)

		require.NoError(t, s.RemoveAt("b", 0))
		assert.False(t, s.Has("b"), "removing the last value removes the key")

		require.NoError(t, s.Remove("a"))
		assert.Equal(t, []string{"c"}, s.Keys())
		assert.ErrorIs(t, s.Remove("a"), ErrKeyNotFound)

		c, err := s.FindString("c", 0)
		require.NoError(t, err)
		assert.Equal(t, "y", c)
	})

	t.Run("Rename", func(t *testing.T) {
		var s Store
		require.NoError(t, s.Add("first", uint8(1)))
		require.NoError(t, s.Add("second", uint8(2)))

		require.NoError(t, s.Rename("first", "renamed"))
		assert.Equal(t, []string{"renamed", "second"}, s.Keys())
		assert.False(t, s.Has("first"))

		assert.ErrorIs(t, s.Rename("renamed", "second"), ErrKeyExists)
		assert.ErrorIs(t, s.Rename("missing", "other"), ErrKeyNotFound)
		assert.ErrorIs(t, s.Rename("second", ""), ErrInvalidKey)
	})

	t.Run("BytesAreCopied", func(t *testing.T) {
		var s Store
		data := []byte{1, 2, 3}
		require.NoError(t, s.Add("raw", data))
		data[0] = 9

		got, err := s.FindBytes("raw", 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, got)
	})

	t.Run("FoundBytesAreCopies", func(t *testing.T) {
		var s Store
		require.NoError(t, s.Add("raw", []byte{1, 2, 3}))

		got, err := s.FindBytes("raw", 0)
		require.NoError(t, err)
		got[0] = 9

		v, err := s.Find("raw", 0)
		require.NoError(t, err)
		v.([]byte)[1] = 9

		got, err = s.FindBytes("raw", 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, got)
	})

	t.Run("Range", func(t *testing.T) {
		var s Store
		require.NoError(t, s.Add("a", true))
		require.NoError(t, s.Add("b", false))
		require.NoError(t, s.Add("c", true))

		var seen []string
		s.Range(func(key string, code TypeCode, values []any) bool {
			assert.Equal(t, BoolType, code)
			seen = append(seen, key)
			return key != "b"
		})
		assert.Equal(t, []string{"a", "b"}, seen)
	})

	t.Run("Clear", func(t *testing.T) {
		var s Store
		require.NoError(t, s.Add("a", true))
		s.Clear()
		assert.True(t, s.IsEmpty())
		require.NoError(t, s.Add("a", int64(1)), "cleared store accepts a new type for the key")
	})
}

func TestStoreEqualAndClone(t *testing.T) {
	build := func(order ...string) *Store {
		s := &Store{}
		for _, k := range order {
			require.NoError(t, s.Add(k, k+"-value"))
		}
		return s
	}

	t.Run("OrderInsensitive", func(t *testing.T) {
		assert.True(t, build("a", "b").Equal(build("b", "a")))
		assert.False(t, build("a", "b").Equal(build("a")))
	})

	t.Run("ValueOrderMatters", func(t *testing.T) {
		a, b := &Store{}, &Store{}
		require.NoError(t, a.Add("k", int32(1)))
		require.NoError(t, a.Add("k", int32(2)))
		require.NoError(t, b.Add("k", int32(2)))
		require.NoError(t, b.Add("k", int32(1)))
		assert.False(t, a.Equal(b))
	})

	t.Run("CloneIsDeep", func(t *testing.T) {
		inner := New(1)
		require.NoError(t, inner.Add("leaf", "x"))

		s := &Store{}
		require.NoError(t, s.Add("raw", []byte{1}))
		require.NoError(t, s.Add("msg", inner))

		clone := s.Clone()
		assert.True(t, s.Equal(clone))

		require.NoError(t, inner.Add("leaf", "y"))
		raw, _ := clone.FindBytes("raw", 0)
		raw[0] = 42

		assert.False(t, s.Equal(clone))
		nested, err := clone.FindMessage("msg", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, nested.Count("leaf"))
	})

	t.Run("NilStore", func(t *testing.T) {
		assert.True(t, (&Store{}).Equal(nil))
		assert.False(t, build("a").Equal(nil))
	})
}

func TestGet(t *testing.T) {
	var s Store
	require.NoError(t, s.Add("r", Rect{Left: 1, Top: 2, Right: 3, Bottom: 4}))

	r, err := Get[Rect](&s, "r", 0)
	require.NoError(t, err)
	assert.Equal(t, float32(2), r.Width())

	_, err = Get[Point](&s, "r", 0)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
