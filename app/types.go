package app

import (
	"time"
)

// LooperState represents the current state of a Looper.
type LooperState int32

const (
	// LooperStateIdle means the looper is waiting for messages
	LooperStateIdle LooperState = iota

	// LooperStateDispatching means a handler is processing a message
	LooperStateDispatching

	// LooperStateTerminated means the looper has quit
	LooperStateTerminated
)

// String returns the string representation of LooperState.
func (s LooperState) String() string {
	switch s {
	case LooperStateIdle:
		return "idle"
	case LooperStateDispatching:
		return "dispatching"
	case LooperStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DefaultPortCapacity is the port capacity of loopers created without one.
const DefaultPortCapacity = 200

// DefaultReplyTimeout bounds SendAndWait when the caller passes no timeout.
const DefaultReplyTimeout = 30 * time.Second

// LooperOptions contains configuration options for creating a Looper.
type LooperOptions struct {
	// Name of the looper, its port and its default handler
	Name string

	// PortCapacity sets how many messages may wait in the port
	PortCapacity int

	// ReplyTimeout is the SendAndWait default of the looper's messengers
	ReplyTimeout time.Duration
}

// DefaultLooperOptions returns sensible default options.
func DefaultLooperOptions() LooperOptions {
	return LooperOptions{
		Name:         "looper",
		PortCapacity: DefaultPortCapacity,
		ReplyTimeout: DefaultReplyTimeout,
	}
}

func (o LooperOptions) withDefaults() LooperOptions {
	def := DefaultLooperOptions()
	if o.Name == "" {
		o.Name = def.Name
	}
	if o.PortCapacity <= 0 {
		o.PortCapacity = def.PortCapacity
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = def.ReplyTimeout
	}
	return o
}

// LooperStats contains runtime statistics for a Looper.
type LooperStats struct {
	// Name of the looper
	Name string

	// Port the looper reads from
	Port int32

	// Current state
	State LooperState

	// Number of attached handlers
	Handlers int

	// Messages waiting in the port
	Queued int

	// Total messages dispatched to handlers
	MessagesProcessed uint64

	// Messages discarded as undecodable or unaddressable
	MessagesDropped uint64

	// Time when the looper was created
	CreatedAt time.Time

	// Last dispatch time
	LastMessageAt time.Time
}
