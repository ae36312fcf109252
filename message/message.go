package message

import "fmt"

// Well-known what codes understood by loopers.
const (
	// Quit terminates the receiving looper once earlier messages are dispatched
	Quit uint32 = '_'<<24 | 'Q'<<16 | 'I'<<8 | 'T'

	// QuitRequested asks the looper's preferred handler whether to quit
	QuitRequested uint32 = '_'<<24 | 'Q'<<16 | 'R'<<8 | 'Q'

	// ReadyToRun is posted to a looper before its first message
	ReadyToRun uint32 = '_'<<24 | 'R'<<16 | 'T'<<8 | 'R'

	// NoReply is sent back when a reply was requested but none was given
	NoReply uint32 = 'N'<<24 | 'O'<<16 | 'N'<<8 | 'E'
)

// Flags describe the delivery state of a message.
type Flags uint32

const (
	FlagReplyRequired Flags = 0x0002
	FlagReplyDone     Flags = 0x0004
	FlagIsReply       Flags = 0x0008
	FlagWasDelivered  Flags = 0x0010
)

// Message is a what-coded envelope around a Store. The Target token and the
// optional ReplyTo address travel with the message so any handler can
// answer without a central correlation table.
type Message struct {
	// What identifies the purpose of the message
	What uint32

	// Store holds the message fields
	Store

	// Target is the token of the handler the message is addressed to
	Target int32

	// ReplyTo is where replies go; nil when no reply is expected
	ReplyTo *Address

	flags Flags
}

// New creates an empty message addressed to the preferred handler.
func New(what uint32) *Message {
	return &Message{
		What:   what,
		Target: TokenPreferred,
	}
}

// Flags returns the delivery flags.
func (m *Message) Flags() Flags {
	return m.flags
}

// SetFlag sets a delivery flag.
func (m *Message) SetFlag(flag Flags) {
	m.flags |= flag
}

// ClearFlag clears a delivery flag.
func (m *Message) ClearFlag(flag Flags) {
	m.flags &^= flag
}

// HasFlag checks if a delivery flag is set.
func (m *Message) HasFlag(flag Flags) bool {
	return m.flags&flag != 0
}

// IsReply reports whether the message was sent as a reply.
func (m *Message) IsReply() bool {
	return m.HasFlag(FlagIsReply)
}

// IsReplyRequested reports whether the sender waits for a reply that has
// not been sent yet.
func (m *Message) IsReplyRequested() bool {
	return m.HasFlag(FlagReplyRequired) && !m.HasFlag(FlagReplyDone)
}

// WasDelivered reports whether the message came through a port.
func (m *Message) WasDelivered() bool {
	return m.HasFlag(FlagWasDelivered)
}

// Equal reports whether both messages have the same what code and equal
// stores. Routing metadata is not compared.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.What == other.What && m.Store.Equal(&other.Store)
}

// Clone returns a deep copy of the message, metadata included.
func (m *Message) Clone() *Message {
	clone := &Message{
		What:   m.What,
		Target: m.Target,
		flags:  m.flags,
	}
	if m.ReplyTo != nil {
		addr := *m.ReplyTo
		clone.ReplyTo = &addr
	}
	m.Store.copyInto(&clone.Store)
	return clone
}

// String returns the what code and a summary of the fields.
func (m *Message) String() string {
	return fmt.Sprintf("Message(%s) %s", codeString(m.What), m.Store.String())
}

// WhatString formats a what code the same way TypeCode does.
func WhatString(what uint32) string {
	return codeString(what)
}
