package port

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPort(t *testing.T) {
	ctx := context.Background()

	t.Run("FIFO", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Create("fifo", 8)
		require.NoError(t, err)

		for i := uint32(1); i <= 3; i++ {
			require.NoError(t, p.Write(ctx, i, []byte{byte(i)}))
		}
		assert.Equal(t, 3, p.Count())

		for i := uint32(1); i <= 3; i++ {
			code, data, err := p.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, i, code)
			assert.Equal(t, []byte{byte(i)}, data)
		}
	})

	t.Run("WriteBlocksWhenFull", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Create("full", 1)
		require.NoError(t, err)
		require.NoError(t, p.Write(ctx, 1, nil))

		timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err = p.Write(timeout, 2, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("ReadHonoursContext", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Create("empty", 1)
		require.NoError(t, err)

		timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, _, err = p.Read(timeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Close", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Create("closing", 1)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		var readErr error
		go func() {
			defer wg.Done()
			_, _, readErr = p.Read(ctx)
		}()

		require.NoError(t, p.Close())
		wg.Wait()
		assert.ErrorIs(t, readErr, ErrPortClosed)
		assert.ErrorIs(t, p.Write(ctx, 1, nil), ErrPortClosed)
		assert.NoError(t, p.Close(), "second close is a no-op")

		_, ok := r.Get(p.ID())
		assert.False(t, ok, "closed port leaves the registry")
	})
}

func TestRegistry(t *testing.T) {
	t.Run("Allocation", func(t *testing.T) {
		r := NewRegistry()
		assert.Greater(t, r.Team(), int32(0))

		a, err := r.Create("a", 1)
		require.NoError(t, err)
		b, err := r.Create("b", 1)
		require.NoError(t, err)
		assert.Equal(t, int32(1), a.ID())
		assert.Equal(t, int32(2), b.ID())

		_, err = r.Create("bad", 0)
		assert.ErrorIs(t, err, ErrInvalidCapacity)

		assert.Len(t, r.Ports(), 2)
	})

	t.Run("FindReturnsOldest", func(t *testing.T) {
		r := NewRegistry()
		first, err := r.Create("dup", 1)
		require.NoError(t, err)
		_, err = r.Create("dup", 1)
		require.NoError(t, err)

		found, ok := r.Find("dup")
		require.True(t, ok)
		assert.Equal(t, first.ID(), found.ID())

		_, ok = r.Find("missing")
		assert.False(t, ok)
	})

	t.Run("Resolve", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Create("target", 1)
		require.NoError(t, err)

		got, err := r.Resolve(0, p.ID())
		require.NoError(t, err)
		assert.Equal(t, p.ID(), got.ID())

		got, err = r.Resolve(r.Team(), p.ID())
		require.NoError(t, err)
		assert.Equal(t, p.ID(), got.ID())

		_, err = r.Resolve(r.Team(), 99)
		assert.ErrorIs(t, err, ErrPortNotFound)

		_, err = r.Resolve(r.Team()^1, p.ID())
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("Routes", func(t *testing.T) {
		r := NewRegistry()
		route := &recordingRoute{peer: 42}
		r.AddRoute(route)

		p, err := r.Resolve(42, 7)
		require.NoError(t, err)
		require.NoError(t, p.Write(context.Background(), 9, []byte("x")))
		assert.Equal(t, []int32{7}, route.ports)

		_, _, err = p.Read(context.Background())
		assert.ErrorIs(t, err, ErrRemotePort)

		r.RemoveRoute(&recordingRoute{peer: 42})
		_, ok := r.Route(42)
		assert.True(t, ok, "only the registered route may remove itself")

		r.RemoveRoute(route)
		_, err = r.Resolve(42, 7)
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("Close", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Create("a", 1)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.True(t, p.IsClosed())
		assert.Empty(t, r.Ports())
	})
}

type recordingRoute struct {
	peer  int32
	ports []int32
}

func (r *recordingRoute) Peer() int32 {
	return r.peer
}

func (r *recordingRoute) WriteTo(ctx context.Context, port int32, code uint32, data []byte) error {
	r.ports = append(r.ports, port)
	return nil
}
