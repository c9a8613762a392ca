package channels

import "errors"

// Sentinel errors, following the teacher's spec/core/actor_errors.go
// convention of a flat errors.New block per package.
var (
	ErrSocketInUse      = errors.New("channels: socket already in use")
	ErrAlreadyStarted   = errors.New("channels: already started")
	ErrNotRunning       = errors.New("channels: not running")
	ErrAlreadyConnected = errors.New("channels: already connected")
	ErrNotConnected     = errors.New("channels: not connected")
	ErrChannelNotFound  = errors.New("channels: channel not found")
	ErrDuplicateChannel = errors.New("channels: duplicate channel name")
)
