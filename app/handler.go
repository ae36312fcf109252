package app

import (
	"fmt"
	"sync/atomic"

	"github.com/najoast/msgkit/message"
)

// Receiver processes messages dispatched by a looper. It always runs on
// the looper's goroutine and is never called concurrently with another
// receiver of the same looper.
type Receiver interface {
	MessageReceived(ctx *Context, msg *message.Message)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx *Context, msg *message.Message)

// MessageReceived calls f.
func (f ReceiverFunc) MessageReceived(ctx *Context, msg *message.Message) {
	f(ctx, msg)
}

// QuitRequester is implemented by receivers that want a say when their
// looper is asked to quit. Returning false keeps the looper running.
type QuitRequester interface {
	QuitRequested(ctx *Context) bool
}

// Counter for handler tokens, shared by every looper in the process
var tokenCounter int32

// Handler is an addressable message endpoint. A handler belongs to at most
// one looper at a time.
type Handler struct {
	token    int32
	name     string
	receiver Receiver
	looper   atomic.Pointer[Looper]
}

// NewHandler creates a detached handler.
func NewHandler(name string, receiver Receiver) *Handler {
	return &Handler{
		token:    atomic.AddInt32(&tokenCounter, 1),
		name:     name,
		receiver: receiver,
	}
}

// Token returns the handler token used in addresses.
func (h *Handler) Token() int32 {
	return h.token
}

// Name returns the handler name.
func (h *Handler) Name() string {
	return h.name
}

// Looper returns the looper the handler is attached to, or nil.
func (h *Handler) Looper() *Looper {
	return h.looper.Load()
}

// Messenger returns a messenger targeting this handler. It is invalid
// while the handler is detached.
func (h *Handler) Messenger() Messenger {
	l := h.Looper()
	if l == nil {
		return Messenger{}
	}
	return l.messengerFor(h.token)
}

// String returns the string representation of the handler.
func (h *Handler) String() string {
	return fmt.Sprintf("handler:%d(%s)", h.token, h.name)
}
