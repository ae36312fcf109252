package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/najoast/msgkit/message"
	"github.com/najoast/msgkit/port"
)

// Messenger addresses a handler, local or behind a link, by value. The
// zero Messenger is invalid and every send fails with ErrTargetGone.
type Messenger struct {
	registry     *port.Registry
	addr         message.Address
	replyTimeout time.Duration
}

// NewMessenger creates a messenger for addr resolved through registry.
func NewMessenger(registry *port.Registry, addr message.Address) Messenger {
	return Messenger{
		registry:     registry,
		addr:         addr,
		replyTimeout: DefaultReplyTimeout,
	}
}

// Address returns the target address.
func (m Messenger) Address() message.Address {
	return m.addr
}

// IsTargetLocal reports whether the target port lives in this process.
func (m Messenger) IsTargetLocal() bool {
	return m.registry != nil && (m.addr.Team == 0 || m.addr.Team == m.registry.Team())
}

// IsValid reports whether the target currently accepts messages. For a
// remote target it only checks that a link to its team exists.
func (m Messenger) IsValid() bool {
	if m.registry == nil || !m.addr.IsValid() {
		return false
	}
	p, err := m.registry.Resolve(m.addr.Team, m.addr.Port)
	if err != nil {
		return false
	}
	if lp, ok := p.(*port.LocalPort); ok {
		if l, ok := looperOf(lp); ok {
			return l.accepts(0, m.addr.Token)
		}
		return !lp.IsClosed()
	}
	return true
}

// Send queues msg for the target and returns without waiting. Only the
// delivery flags of msg are rewritten in the flattened copy; msg itself is
// not modified.
func (m Messenger) Send(ctx context.Context, msg *message.Message) error {
	return m.send(ctx, msg, nil, 0)
}

// SendWithReply sends msg asking the target to answer to replyTo.
func (m Messenger) SendWithReply(ctx context.Context, msg *message.Message, replyTo Messenger) error {
	if !replyTo.addr.IsValid() {
		return fmt.Errorf("%w: %s", ErrNoReplyTarget, replyTo.addr)
	}
	addr := replyTo.addr
	return m.send(ctx, msg, &addr, message.FlagReplyRequired)
}

// SendAndWait sends msg and blocks until the reply arrives or timeout
// elapses, measured from the call. A zero timeout uses the messenger's
// default. Expiry returns ErrTimedOut; the message stays queued at the
// target.
func (m Messenger) SendAndWait(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if m.registry == nil {
		return nil, fmt.Errorf("%w: %s", ErrTargetGone, m.addr)
	}
	if timeout <= 0 {
		timeout = m.replyTimeout
	}
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := m.registry.Create("reply-"+uuid.NewString(), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply port: %w", err)
	}
	defer reply.Close()

	replyTo := message.Address{
		Team:  m.registry.Team(),
		Port:  reply.ID(),
		Token: message.TokenNull,
	}
	if err := m.send(ctx, msg, &replyTo, message.FlagReplyRequired); err != nil {
		return nil, timedOut(err)
	}

	for {
		code, data, err := reply.Read(ctx)
		if err != nil {
			return nil, timedOut(err)
		}
		if code != uint32(message.MessageType) {
			log.Warningf("reply port %d: dropped packet code %s", reply.ID(), message.TypeCode(code))
			continue
		}

		r, err := message.Unflatten(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode reply: %w", err)
		}
		r.SetFlag(message.FlagWasDelivered)
		return r, nil
	}
}

func timedOut(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimedOut, err)
	}
	return err
}

// send flattens a copy of msg carrying the target token, the reply address
// and flags, and writes it to the target port.
func (m Messenger) send(ctx context.Context, msg *message.Message, replyTo *message.Address, flags message.Flags) error {
	if msg == nil {
		return errors.New("nil message")
	}
	if m.registry == nil || !m.addr.IsValid() {
		return fmt.Errorf("%w: %s", ErrTargetGone, m.addr)
	}

	p, err := m.registry.Resolve(m.addr.Team, m.addr.Port)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTargetGone, err)
	}
	if lp, ok := p.(*port.LocalPort); ok {
		if l, ok := looperOf(lp); ok && !l.accepts(msg.What, m.addr.Token) {
			return fmt.Errorf("%w: %s", ErrTargetGone, m.addr)
		}
	}

	out := *msg
	out.Target = m.addr.Token
	out.ReplyTo = replyTo
	out.ClearFlag(message.FlagReplyRequired | message.FlagReplyDone | message.FlagIsReply | message.FlagWasDelivered)
	out.SetFlag(flags)

	data, err := message.Flatten(&out)
	if err != nil {
		return fmt.Errorf("failed to flatten message: %w", err)
	}

	err = p.Write(ctx, uint32(message.MessageType), data)
	if errors.Is(err, port.ErrPortClosed) || errors.Is(err, port.ErrPortNotFound) || errors.Is(err, port.ErrLinkClosed) {
		return fmt.Errorf("%w: %w", ErrTargetGone, err)
	}
	return err
}

// String returns the string representation of the messenger.
func (m Messenger) String() string {
	return fmt.Sprintf("messenger(%s)", m.addr)
}
