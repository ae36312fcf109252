package app

import "errors"

// Dispatch errors
var (
	ErrTargetGone      = errors.New("target looper or handler is gone")
	ErrTimedOut        = errors.New("timed out waiting for reply")
	ErrHandlerOwned    = errors.New("handler already belongs to a looper")
	ErrHandlerNotFound = errors.New("handler not found")
	ErrNoReplyTarget   = errors.New("message has no reply target")
	ErrLooperRunning   = errors.New("looper is already running")
)
