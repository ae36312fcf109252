package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// LinkOptions configures TCP links.
type LinkOptions struct {
	// HandshakeTimeout bounds the exchange of hello frames
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write; zero disables it
	WriteTimeout time.Duration

	// MaxFrameSize bounds the payload of a frame in both directions
	MaxFrameSize int
}

// DefaultLinkOptions returns the default link options.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     30 * time.Second,
		MaxFrameSize:     DefaultMaxFrameSize,
	}
}

func (o LinkOptions) withDefaults() LinkOptions {
	d := DefaultLinkOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.WriteTimeout < 0 {
		o.WriteTimeout = 0
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	return o
}

// Link carries port writes between two registries over a TCP connection.
// Once the handshake completes the link is registered as the route to
// the peer team, and inbound frames are delivered to local ports.
type Link struct {
	conn     net.Conn
	registry *Registry
	opts     LinkOptions
	peer     int32

	writeMu sync.Mutex
	closed  int32 // atomic flag
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// Statistics
	framesIn  int64
	framesOut int64
	dropped   int64
}

// LinkStats holds link counters.
type LinkStats struct {
	Peer      int32 `json:"peer"`
	FramesIn  int64 `json:"frames_in"`
	FramesOut int64 `json:"frames_out"`
	Dropped   int64 `json:"dropped"`
}

// Dial connects to a listening registry and starts serving the link.
func Dial(ctx context.Context, registry *Registry, address string, opts LinkOptions) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	l := newLink(context.Background(), conn, registry, opts)
	if err := l.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	registry.AddRoute(l)
	go l.serve()
	return l, nil
}

func newLink(parent context.Context, conn net.Conn, registry *Registry, opts LinkOptions) *Link {
	ctx, cancel := context.WithCancel(parent)
	return &Link{
		conn:     conn,
		registry: registry,
		opts:     opts.withDefaults(),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Peer returns the team on the other end of the link.
func (l *Link) Peer() int32 {
	return l.peer
}

// RemoteAddr returns the network address of the peer.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// WriteTo sends a packet to a port of the peer team.
func (l *Link) WriteTo(ctx context.Context, port int32, code uint32, data []byte) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if port <= 0 {
		return fmt.Errorf("%w: %d", ErrPortNotFound, port)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	deadline := time.Time{}
	if l.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(l.opts.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := writeFrame(l.conn, frame{port: port, code: code, data: data}, l.opts.MaxFrameSize); err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			l.Close()
		}
		return err
	}
	atomic.AddInt64(&l.framesOut, 1)
	return nil
}

// Done is closed once the link has shut down.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Stats returns the link counters.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Peer:      l.peer,
		FramesIn:  atomic.LoadInt64(&l.framesIn),
		FramesOut: atomic.LoadInt64(&l.framesOut),
		Dropped:   atomic.LoadInt64(&l.dropped),
	}
}

// Close shuts the link down and removes its route.
func (l *Link) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil // Already closed
	}
	l.cancel()
	if l.peer != 0 {
		l.registry.RemoveRoute(l)
	}
	err := l.conn.Close()
	close(l.done)
	return err
}

func (l *Link) isClosed() bool {
	return atomic.LoadInt32(&l.closed) != 0
}

// handshake exchanges hello frames and records the peer team.
func (l *Link) handshake(ctx context.Context) error {
	deadline := time.Now().Add(l.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}

	if err := writeFrame(l.conn, helloFrame(l.registry), helloSize); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	f, err := readFrame(l.conn, helloSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	team, err := parseHello(f)
	if err != nil {
		return err
	}
	if team == l.registry.Team() {
		return fmt.Errorf("%w: peer uses our team id %08x", ErrHandshake, uint32(team))
	}

	if err := l.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear handshake deadline: %w", err)
	}
	l.peer = team
	return nil
}

// serve delivers inbound frames until the connection fails or the link
// is closed.
func (l *Link) serve() {
	defer l.Close()

	log.Infof("link to team %08x (%s) up", uint32(l.peer), l.conn.RemoteAddr())
	for {
		f, err := readFrame(l.conn, l.opts.MaxFrameSize)
		if err != nil {
			if !l.isClosed() {
				log.Warningf("link to team %08x: %s", uint32(l.peer), err)
			}
			return
		}
		atomic.AddInt64(&l.framesIn, 1)

		if f.port == controlPort {
			log.Debugf("link to team %08x: ignoring control frame %08x", uint32(l.peer), f.code)
			continue
		}

		if err := l.registry.Deliver(l.ctx, f.port, f.code, f.data); err != nil {
			if l.ctx.Err() != nil {
				return
			}
			atomic.AddInt64(&l.dropped, 1)
			log.Debugf("link to team %08x: dropped frame for port %d: %s", uint32(l.peer), f.port, err)
		}
	}
}
