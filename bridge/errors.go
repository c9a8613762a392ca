package bridge

import "errors"

// Sentinel errors, following the channels package's flat errors.New block
// convention.
var (
	ErrAlreadyStarted = errors.New("bridge: already started")
	ErrNotRunning     = errors.New("bridge: not running")
	ErrStopped        = errors.New("bridge: stopped")
)
