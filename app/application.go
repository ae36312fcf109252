package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/najoast/msgkit/config"
	"github.com/najoast/msgkit/logging"
	"github.com/najoast/msgkit/message"
	"github.com/najoast/msgkit/port"
)

// Application owns the port registry of the process, the application
// looper and every looper created through it, plus the links to other
// processes configured in the transport section.
type Application struct {
	registry *port.Registry
	looper   *Looper

	mu       sync.RWMutex
	config   *config.Config
	loopers  []*Looper
	links    []*port.Link
	listener *port.Listener
	watcher  *config.Watcher
	running  bool
	stopped  bool
}

// NewApplication validates cfg, configures logging and creates the
// application looper around receiver. A nil cfg means the defaults.
func NewApplication(cfg *config.Config, receiver Receiver) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Configure(cfg.Log); err != nil {
		return nil, err
	}

	a := &Application{
		registry: port.NewRegistry(),
		config:   cfg,
	}

	looper, err := a.NewLooper(cfg.App.Name, receiver)
	if err != nil {
		return nil, err
	}
	a.looper = looper

	log.Infof("application %s created (team %08x)", cfg.App.Name, uint32(a.registry.Team()))
	return a, nil
}

// Config returns the current configuration.
func (a *Application) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// Registry returns the port registry of the application.
func (a *Application) Registry() *port.Registry {
	return a.registry
}

// Looper returns the application looper.
func (a *Application) Looper() *Looper {
	return a.looper
}

// Messenger returns a messenger targeting the application looper.
func (a *Application) Messenger() Messenger {
	return a.looper.Messenger()
}

// Addr returns the address links are accepted on, or nil.
func (a *Application) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// NewLooper creates a looper with the configured port capacity and reply
// timeout. The application quits it on shutdown.
func (a *Application) NewLooper(name string, receiver Receiver) (*Looper, error) {
	cfg := a.Config()
	l, err := NewLooper(a.registry, receiver, LooperOptions{
		Name:         name,
		PortCapacity: cfg.Looper.PortCapacity,
		ReplyTimeout: cfg.Looper.ReplyTimeout,
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.loopers = append(a.loopers, l)
	a.mu.Unlock()
	return l, nil
}

func (a *Application) linkOptions() port.LinkOptions {
	cfg := a.Config()
	return port.LinkOptions{
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		MaxFrameSize:     cfg.Transport.MaxFrameSize,
	}
}

// Dial links the application to the process listening on address. ctx
// bounds the connection and the handshake; the link then lives until it
// fails or the application shuts down.
func (a *Application) Dial(ctx context.Context, address string) (*port.Link, error) {
	link, err := port.Dial(ctx, a.registry, address, a.linkOptions())
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.links = append(a.links, link)
	a.mu.Unlock()
	return link, nil
}

// Start accepts and dials the configured links, posts ReadyToRun to the
// application looper and runs every looper that is not running yet.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running || a.stopped {
		a.mu.Unlock()
		return fmt.Errorf("application: %w", ErrLooperRunning)
	}
	a.running = true
	a.mu.Unlock()

	cfg := a.Config()
	if cfg.Transport.ListenAddress != "" {
		ln, err := port.Listen(ctx, a.registry, cfg.Transport.ListenAddress, a.linkOptions())
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
		log.Infof("accepting links on %s", ln.Addr())
	}

	for _, peer := range cfg.Transport.Peers {
		if _, err := a.Dial(ctx, peer); err != nil {
			return fmt.Errorf("failed to link to %s: %w", peer, err)
		}
	}

	if err := a.looper.PostMessage(ctx, message.New(message.ReadyToRun), nil); err != nil && !errors.Is(err, ErrTargetGone) {
		return err
	}

	a.mu.RLock()
	loopers := append([]*Looper(nil), a.loopers...)
	a.mu.RUnlock()
	for _, l := range loopers {
		if err := l.Run(); err != nil && !errors.Is(err, ErrLooperRunning) && !errors.Is(err, ErrTargetGone) {
			return err
		}
	}
	return nil
}

// Run starts the application and blocks until the application looper
// quits, ctx ends or the process receives SIGINT or SIGTERM. It then shuts
// everything down within the configured shutdown timeout.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.Shutdown(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	select {
	case <-a.looper.Done():
		log.Infof("application looper quit, shutting down")
	case <-ctx.Done():
		log.Infof("context done, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config().App.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Quit asks the application looper to quit, which ends Run.
func (a *Application) Quit() error {
	return a.looper.Quit()
}

// Shutdown quits every looper and waits for them until ctx ends, then
// closes the links and the registry. Loopers still busy when ctx ends are
// terminated without dispatching their remaining messages.
func (a *Application) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	loopers := append([]*Looper(nil), a.loopers...)
	links := a.links
	listener := a.listener
	watcher := a.watcher
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loopers {
		l := l
		g.Go(func() error {
			stop := context.AfterFunc(gctx, l.cancel)
			defer stop()

			if err := l.Quit(); err != nil {
				return fmt.Errorf("failed to quit %s: %w", l, err)
			}
			select {
			case <-l.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("%s did not quit in time: %w", l, gctx.Err())
			}
		})
	}
	err := g.Wait()

	if watcher != nil {
		watcher.Stop()
	}
	if listener != nil {
		listener.Close()
	}
	for _, link := range links {
		link.Close()
	}
	a.registry.Close()

	log.Infof("application %s stopped", a.Config().App.Name)
	return err
}

// WatchConfig reloads the configuration whenever path changes. Looper and
// transport settings apply to loopers and links created afterwards. Log
// settings only apply at startup.
func (a *Application) WatchConfig(path string) error {
	watcher, err := config.NewWatcher(path, nil)
	if err != nil {
		return err
	}

	watcher.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Log != newConfig.Log {
			log.Warningf("log settings changed in %s, they apply on restart", path)
		}
		a.mu.Lock()
		a.config = newConfig
		a.mu.Unlock()
	})

	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return err
	}

	a.mu.Lock()
	previous := a.watcher
	a.watcher = watcher
	a.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}
	return nil
}
