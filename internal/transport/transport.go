// Package transport provides the byte-oriented duplex channel to the
// management backend. Reconnection and TLS live entirely here; the engine
// core only sees connected/disconnected and whole frames.
package transport

import "errors"

var (
	// ErrNotConnected means the link is down; the caller keeps the frame
	// queued and retries on a later tick.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrBackpressure means the outbound buffer is full; the caller defers
	// the frame to the next tick.
	ErrBackpressure = errors.New("transport: send buffer full")
)

// Transport is the collaborator contract consumed by the engine loop. All
// methods are non-blocking: Receive returns (nil, nil) when no complete
// frame is buffered.
type Transport interface {
	IsConnected() bool
	Receive() ([]byte, error)
	Send(frame []byte) error
	Close() error
}
