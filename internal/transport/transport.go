// Package transport provides the byte-level link to the NCP. The AT engine
// treats it as an opaque duplex stream with timeouts.
package transport

import "time"

// Transport moves raw bytes to and from the NCP.
//
// Receive returns 0 with a nil error when no data arrived within the
// timeout; the engine treats that as "no data this cycle", not as a failure.
type Transport interface {
	Send(p []byte, timeout time.Duration) (int, error)
	Receive(p []byte, timeout time.Duration) (int, error)
	Close() error
}
