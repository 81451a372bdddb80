// Package transport holds what the stream and datagram components share: the
// lifecycle state machine, the error taxonomy and newline framing.
package transport

import "errors"

var (
	// ErrBind is wrapped by Start when the local address cannot be bound.
	ErrBind = errors.New("bind failed")
	// ErrConnect is wrapped by Start when the remote endpoint is unreachable.
	ErrConnect = errors.New("connect failed")
	// ErrIO is wrapped when a read or write fails mid-session.
	ErrIO = errors.New("i/o failure")
	// ErrOversizePayload is returned when a datagram exceeds the configured
	// maximum packet size. Nothing is sent.
	ErrOversizePayload = errors.New("payload exceeds maximum packet size")
	// ErrNotConnected is returned by sends on a component that is not running.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidLine is returned when a stream line contains a newline.
	ErrInvalidLine = errors.New("line contains newline")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("already started")
	// ErrStopped is returned by Start on a stopped component.
	ErrStopped = errors.New("stopped")
)
