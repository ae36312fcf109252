// Package port provides the byte channels messages travel through: bounded
// local ports, a per-process registry that allocates them, and TCP links
// that carry port writes between registries.
package port

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Port is a bounded FIFO of (code, bytes) packets.
type Port interface {
	// ID returns the port id, unique within its registry
	ID() int32

	// Name returns the port name
	Name() string

	// Write queues a packet, blocking while the port is full. The port
	// takes ownership of data.
	Write(ctx context.Context, code uint32, data []byte) error

	// Read blocks until a packet is available
	Read(ctx context.Context) (uint32, []byte, error)

	// Count returns the number of queued packets
	Count() int

	// Close releases the port. Pending and later operations fail with
	// ErrPortClosed.
	Close() error
}

type packet struct {
	code uint32
	data []byte
}

// LocalPort is a port living in this process.
type LocalPort struct {
	id       int32
	name     string
	queue    chan packet
	done     chan struct{}
	closed   int32 // atomic flag
	registry *Registry
}

func newLocalPort(id int32, name string, capacity int, registry *Registry) *LocalPort {
	return &LocalPort{
		id:       id,
		name:     name,
		queue:    make(chan packet, capacity),
		done:     make(chan struct{}),
		registry: registry,
	}
}

// ID returns the port id.
func (p *LocalPort) ID() int32 {
	return p.id
}

// Name returns the port name.
func (p *LocalPort) Name() string {
	return p.name
}

// Capacity returns the maximum number of queued packets.
func (p *LocalPort) Capacity() int {
	return cap(p.queue)
}

// Write queues a packet.
func (p *LocalPort) Write(ctx context.Context, code uint32, data []byte) error {
	if p.IsClosed() {
		return fmt.Errorf("%w: %d", ErrPortClosed, p.id)
	}

	select {
	case p.queue <- packet{code: code, data: data}:
		return nil
	case <-p.done:
		return fmt.Errorf("%w: %d", ErrPortClosed, p.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns the next packet.
func (p *LocalPort) Read(ctx context.Context) (uint32, []byte, error) {
	select {
	case pkt := <-p.queue:
		return pkt.code, pkt.data, nil
	case <-p.done:
		return 0, nil, fmt.Errorf("%w: %d", ErrPortClosed, p.id)
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Count returns the number of queued packets.
func (p *LocalPort) Count() int {
	return len(p.queue)
}

// IsClosed reports whether Close has been called.
func (p *LocalPort) IsClosed() bool {
	return atomic.LoadInt32(&p.closed) != 0
}

// Done is closed when the port is closed.
func (p *LocalPort) Done() <-chan struct{} {
	return p.done
}

// Close closes the port and removes it from its registry.
func (p *LocalPort) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil // Already closed
	}
	close(p.done)
	if p.registry != nil {
		p.registry.remove(p.id)
	}
	return nil
}

// String returns the string representation of the port.
func (p *LocalPort) String() string {
	return fmt.Sprintf("port:%d(%s)", p.id, p.name)
}

// remotePort forwards writes for a port owned by another team.
type remotePort struct {
	team  int32
	id    int32
	route Route
}

func (p *remotePort) ID() int32 {
	return p.id
}

func (p *remotePort) Name() string {
	return fmt.Sprintf("%08x:%d", uint32(p.team), p.id)
}

func (p *remotePort) Write(ctx context.Context, code uint32, data []byte) error {
	return p.route.WriteTo(ctx, p.id, code, data)
}

func (p *remotePort) Read(ctx context.Context) (uint32, []byte, error) {
	return 0, nil, ErrRemotePort
}

func (p *remotePort) Count() int {
	return 0
}

func (p *remotePort) Close() error {
	return nil
}
