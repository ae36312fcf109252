package port

import "errors"

// Port errors
var (
	ErrPortClosed      = errors.New("port closed")
	ErrPortNotFound    = errors.New("port not found")
	ErrInvalidCapacity = errors.New("invalid port capacity")
	ErrRemotePort      = errors.New("operation not supported on a remote port")
)

// Link errors
var (
	ErrNoRoute       = errors.New("no route to team")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrHandshake     = errors.New("link handshake failed")
	ErrLinkClosed    = errors.New("link closed")
)
