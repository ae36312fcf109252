package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Listener accepts links from other registries.
type Listener struct {
	listener net.Listener
	registry *Registry
	opts     LinkOptions
	running  int32 // atomic flag

	// Link management
	links   map[*Link]struct{}
	linksMu sync.Mutex

	// Synchronization
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Listen starts accepting links on address. The listener stops when ctx
// is done or Close is called.
func Listen(ctx context.Context, registry *Registry, address string, opts LinkOptions) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	l := &Listener{
		listener: ln,
		registry: registry,
		opts:     opts.withDefaults(),
		running:  1,
		links:    make(map[*Link]struct{}),
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
	}

	group.Go(l.acceptLoop)
	group.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})

	log.Infof("listening for links on %s", ln.Addr())
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Links returns the established inbound links.
func (l *Listener) Links() []*Link {
	l.linksMu.Lock()
	defer l.linksMu.Unlock()

	links := make([]*Link, 0, len(l.links))
	for link := range l.links {
		links = append(links, link)
	}
	return links
}

// Close stops accepting, closes every inbound link and waits for their
// goroutines to finish.
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return nil // Already stopped
	}
	l.cancel()
	err := l.group.Wait()
	log.Infof("stopped listening on %s", l.listener.Addr())
	return err
}

func (l *Listener) acceptLoop() error {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept link: %w", err)
		}

		link := newLink(l.ctx, conn, l.registry, l.opts)
		l.group.Go(func() error {
			l.handleLink(link)
			return nil
		})
	}
}

func (l *Listener) handleLink(link *Link) {
	stop := context.AfterFunc(l.ctx, func() { link.Close() })
	defer stop()

	if err := link.handshake(l.ctx); err != nil {
		log.Warningf("rejected link from %s: %s", link.RemoteAddr(), err)
		link.Close()
		return
	}

	l.linksMu.Lock()
	l.links[link] = struct{}{}
	l.linksMu.Unlock()

	l.registry.AddRoute(link)
	if link.isClosed() {
		l.registry.RemoveRoute(link)
	} else {
		link.serve()
	}

	l.linksMu.Lock()
	delete(l.links, link)
	l.linksMu.Unlock()
}
