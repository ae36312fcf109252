package message

import "errors"

// Store errors
var (
	ErrTypeMismatch    = errors.New("type mismatch")
	ErrKeyNotFound     = errors.New("key not found")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrKeyExists       = errors.New("key already exists")
	ErrInvalidKey      = errors.New("invalid key")
	ErrUnsupportedType = errors.New("unsupported value type")
)

// Codec errors
var (
	ErrCorruptData = errors.New("corrupt message data")
	ErrTooLarge    = errors.New("message too large")
)
