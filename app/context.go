package app

import (
	"context"
	"fmt"

	"github.com/najoast/msgkit/message"
)

// Context describes the dispatch a receiver is running in.
type Context struct {
	looper  *Looper
	handler *Handler
	message *message.Message
	quit    bool
}

// Looper returns the dispatching looper.
func (c *Context) Looper() *Looper {
	return c.looper
}

// Handler returns the handler the message was dispatched to.
func (c *Context) Handler() *Handler {
	return c.handler
}

// Message returns the message being dispatched.
func (c *Context) Message() *message.Message {
	return c.message
}

// Context returns a context that is cancelled when the looper terminates.
func (c *Context) Context() context.Context {
	return c.looper.ctx
}

// Quit makes the looper terminate once the current dispatch returns.
func (c *Context) Quit() {
	c.quit = true
}

// Reply sends reply to the reply target of the current message. A message
// can be answered once; the reply carries the handler's address so the
// sender can answer back.
func (c *Context) Reply(reply *message.Message) error {
	msg := c.message
	if msg == nil || msg.ReplyTo == nil || !msg.ReplyTo.IsValid() {
		return ErrNoReplyTarget
	}
	if msg.HasFlag(message.FlagReplyDone) {
		return fmt.Errorf("%w: already replied", ErrNoReplyTarget)
	}

	target := Messenger{
		registry:     c.looper.registry,
		addr:         *msg.ReplyTo,
		replyTimeout: c.looper.opts.ReplyTimeout,
	}
	from := c.looper.messengerFor(c.handler.token).addr
	if err := target.send(c.looper.ctx, reply, &from, message.FlagIsReply); err != nil {
		return err
	}

	msg.SetFlag(message.FlagReplyDone)
	return nil
}
