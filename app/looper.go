package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/najoast/msgkit/message"
	"github.com/najoast/msgkit/port"
)

var log = commonlog.GetLogger("msgkit.app")

// Live loopers by the port they read from
var loopers sync.Map // map[*port.LocalPort]*Looper

func looperOf(p *port.LocalPort) (*Looper, bool) {
	v, ok := loopers.Load(p)
	if !ok {
		return nil, false
	}
	return v.(*Looper), true
}

// Looper reads flattened messages from its port and dispatches them, one
// at a time and in arrival order, to its handlers.
type Looper struct {
	name     string
	registry *port.Registry
	port     *port.LocalPort
	opts     LooperOptions

	mu        sync.RWMutex
	handlers  map[int32]*Handler
	preferred *Handler

	// Context for controlling the looper lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	state     atomic.Int32 // LooperState
	done      chan struct{}
	closeOnce sync.Once

	// Statistics
	messagesProcessed atomic.Uint64
	messagesDropped   atomic.Uint64
	createdAt         time.Time
	lastMessageAt     atomic.Int64 // Unix nanoseconds
}

// NewLooper creates a looper with its own port. When receiver is not nil it
// is wrapped in a handler named after the looper and made the preferred
// handler. The looper does nothing until Run is called.
func NewLooper(registry *port.Registry, receiver Receiver, opts LooperOptions) (*Looper, error) {
	opts = opts.withDefaults()

	p, err := registry.Create(opts.Name, opts.PortCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create looper port: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Looper{
		name:      opts.Name,
		registry:  registry,
		port:      p,
		opts:      opts,
		handlers:  make(map[int32]*Handler),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	loopers.Store(p, l)

	if receiver != nil {
		h := NewHandler(opts.Name, receiver)
		if err := l.AddHandler(h); err != nil {
			l.terminate()
			return nil, err
		}
		l.preferred = h
	}

	return l, nil
}

// Name returns the looper name.
func (l *Looper) Name() string {
	return l.name
}

// Port returns the id of the port the looper reads from.
func (l *Looper) Port() int32 {
	return l.port.ID()
}

// Registry returns the registry owning the looper's port.
func (l *Looper) Registry() *port.Registry {
	return l.registry
}

// State returns the current state.
func (l *Looper) State() LooperState {
	return LooperState(l.state.Load())
}

// AddHandler attaches h to the looper.
func (l *Looper) AddHandler(h *Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrHandlerNotFound)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == LooperStateTerminated {
		return fmt.Errorf("%w: looper %s", ErrTargetGone, l.name)
	}
	if !h.looper.CompareAndSwap(nil, l) {
		if h.looper.Load() == l {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrHandlerOwned, h)
	}
	l.handlers[h.token] = h
	return nil
}

// RemoveHandler detaches h. Messages still addressed to it are dropped
// and later sends fail with ErrTargetGone.
func (l *Looper) RemoveHandler(h *Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrHandlerNotFound)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if h.looper.Load() != l {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, h)
	}
	delete(l.handlers, h.token)
	if l.preferred == h {
		l.preferred = nil
	}
	h.looper.Store(nil)
	return nil
}

// SetPreferredHandler makes h receive messages addressed to
// TokenPreferred. A nil handler clears it.
func (l *Looper) SetPreferredHandler(h *Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h != nil && h.looper.Load() != l {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, h)
	}
	l.preferred = h
	return nil
}

// PreferredHandler returns the preferred handler, or nil.
func (l *Looper) PreferredHandler() *Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.preferred
}

// Handler returns the attached handler with the given token.
func (l *Looper) Handler(token int32) (*Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[token]
	return h, ok
}

// Handlers returns the attached handlers ordered by token.
func (l *Looper) Handlers() []*Handler {
	l.mu.RLock()
	handlers := make([]*Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].token < handlers[j].token })
	return handlers
}

// Messenger returns a messenger targeting the preferred handler.
func (l *Looper) Messenger() Messenger {
	return l.messengerFor(message.TokenPreferred)
}

func (l *Looper) messengerFor(token int32) Messenger {
	return Messenger{
		registry: l.registry,
		addr: message.Address{
			Team:  l.registry.Team(),
			Port:  l.port.ID(),
			Token: token,
		},
		replyTimeout: l.opts.ReplyTimeout,
	}
}

// PostMessage queues msg for handler, or for the preferred handler when
// handler is nil.
func (l *Looper) PostMessage(ctx context.Context, msg *message.Message, handler *Handler) error {
	if handler == nil {
		return l.Messenger().Send(ctx, msg)
	}
	if handler.Looper() != l {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, handler)
	}
	return l.messengerFor(handler.token).Send(ctx, msg)
}

// Run starts the dispatch goroutine.
func (l *Looper) Run() error {
	if l.State() == LooperStateTerminated {
		return fmt.Errorf("%w: looper %s", ErrTargetGone, l.name)
	}
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrLooperRunning, l.name)
	}

	go l.loop()
	return nil
}

// Quit queues a quit message behind the messages already waiting. A looper
// that was never started terminates at once. Receivers must call
// Context.Quit instead, since a full port would block them forever.
func (l *Looper) Quit() error {
	if l.State() == LooperStateTerminated {
		return nil
	}
	if !l.started.Load() {
		l.terminate()
		return nil
	}

	err := l.PostMessage(l.ctx, message.New(message.Quit), nil)
	if errors.Is(err, ErrTargetGone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Wait blocks until the looper has terminated.
func (l *Looper) Wait() {
	<-l.done
}

// Done is closed when the looper has terminated.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// Stats returns current runtime statistics.
func (l *Looper) Stats() LooperStats {
	var lastMessageAt time.Time
	if ns := l.lastMessageAt.Load(); ns > 0 {
		lastMessageAt = time.Unix(0, ns)
	}

	l.mu.RLock()
	handlers := len(l.handlers)
	l.mu.RUnlock()

	return LooperStats{
		Name:              l.name,
		Port:              l.port.ID(),
		State:             l.State(),
		Handlers:          handlers,
		Queued:            l.port.Count(),
		MessagesProcessed: l.messagesProcessed.Load(),
		MessagesDropped:   l.messagesDropped.Load(),
		CreatedAt:         l.createdAt,
		LastMessageAt:     lastMessageAt,
	}
}

// String returns the string representation of the looper.
func (l *Looper) String() string {
	return fmt.Sprintf("looper:%d(%s)", l.port.ID(), l.name)
}

// loop is the dispatch goroutine.
func (l *Looper) loop() {
	defer l.terminate()

	for {
		code, data, err := l.port.Read(l.ctx)
		if err != nil {
			if !errors.Is(err, port.ErrPortClosed) && !errors.Is(err, context.Canceled) {
				log.Errorf("%s: read failed: %s", l, err)
			}
			return
		}

		if code != uint32(message.MessageType) {
			l.drop("unexpected packet code %s", message.TypeCode(code))
			continue
		}

		msg, err := message.Unflatten(data)
		if err != nil {
			l.drop("undecodable message: %s", err)
			continue
		}
		msg.SetFlag(message.FlagWasDelivered)

		if l.dispatch(msg) {
			log.Debugf("%s: quitting", l)
			return
		}
	}
}

// dispatch handles one message and reports whether the looper must quit.
func (l *Looper) dispatch(msg *message.Message) bool {
	l.state.Store(int32(LooperStateDispatching))
	defer l.state.CompareAndSwap(int32(LooperStateDispatching), int32(LooperStateIdle))

	switch msg.What {
	case message.Quit:
		return true
	case message.QuitRequested:
		return l.quitRequested(msg)
	}

	h := l.resolve(msg.Target)
	if h == nil {
		l.drop("no handler for token %d (%s)", msg.Target, message.WhatString(msg.What))
		return false
	}
	return l.invoke(h, msg)
}

func (l *Looper) quitRequested(msg *message.Message) bool {
	h := l.PreferredHandler()
	if h == nil {
		return true
	}
	requester, ok := h.receiver.(QuitRequester)
	if !ok {
		return true
	}

	ctx := &Context{looper: l, handler: h, message: msg}
	allowed := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("%s: QuitRequested of %s panicked: %v", l, h, r)
			}
		}()
		allowed = requester.QuitRequested(ctx)
	}()

	if !allowed {
		log.Infof("%s: quit vetoed by %s", l, h)
	}
	return allowed || ctx.quit
}

func (l *Looper) invoke(h *Handler, msg *message.Message) bool {
	l.messagesProcessed.Add(1)
	l.lastMessageAt.Store(time.Now().UnixNano())

	ctx := &Context{looper: l, handler: h, message: msg}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s: %s panicked on %s: %v", l, h, message.WhatString(msg.What), r)
		}
	}()

	if h.receiver != nil {
		h.receiver.MessageReceived(ctx, msg)
	}
	return ctx.quit
}

func (l *Looper) resolve(token int32) *Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if token == message.TokenPreferred {
		return l.preferred
	}
	return l.handlers[token]
}

// accepts reports whether a message would be dispatched. Quit requests
// are handled by the looper itself and need no handler.
func (l *Looper) accepts(what uint32, token int32) bool {
	if l.State() == LooperStateTerminated {
		return false
	}
	if what == message.Quit || what == message.QuitRequested {
		return true
	}
	return l.resolve(token) != nil
}

func (l *Looper) drop(format string, args ...any) {
	l.messagesDropped.Add(1)
	log.Warningf("%s: dropped: %s", l, fmt.Sprintf(format, args...))
}

// terminate releases the port and the handlers.
func (l *Looper) terminate() {
	l.closeOnce.Do(func() {
		l.state.Store(int32(LooperStateTerminated))
		loopers.Delete(l.port)
		l.port.Close()
		l.cancel()

		l.mu.Lock()
		for _, h := range l.handlers {
			h.looper.Store(nil)
		}
		l.handlers = make(map[int32]*Handler)
		l.preferred = nil
		l.mu.Unlock()

		close(l.done)
		log.Debugf("%s: terminated", l)
	})
}
