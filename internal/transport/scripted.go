package transport

import (
	"bytes"
	"sync"
	"time"
)

// Scripted is a Transport test double fed from the test body. Receive blocks
// on a channel the way a real serial port blocks on the wire, which matters
// because the engine's reader goroutine loops on Receive continuously.
// Exported for use by driver tests in other packages.
type Scripted struct {
	mu      sync.Mutex
	rx      chan []byte
	pending []byte
	sent    bytes.Buffer
	sendCh  chan []byte
	closed  bool
}

// NewScripted creates a scripted transport.
func NewScripted() *Scripted {
	return &Scripted{
		rx:     make(chan []byte, 64),
		sendCh: make(chan []byte, 64),
	}
}

// Feed queues bytes the NCP "sends" to the host, preserving the chunk
// boundary: each call becomes one transport read.
func (t *Scripted) Feed(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.rx <- []byte(chunk)
	}
}

// Sent returns everything the host has written so far.
func (t *Scripted) Sent() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.sent.Bytes()...)
}

// NextSent blocks until the host writes something, up to timeout. Useful for
// scripting a response only after the command went out.
func (t *Scripted) NextSent(timeout time.Duration) ([]byte, bool) {
	select {
	case p := <-t.sendCh:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (t *Scripted) Send(p []byte, _ time.Duration) (int, error) {
	t.mu.Lock()
	t.sent.Write(p)
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		select {
		case t.sendCh <- append([]byte(nil), p...):
		default:
		}
	}
	return len(p), nil
}

func (t *Scripted) Receive(p []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	if len(t.pending) > 0 {
		n := copy(p, t.pending)
		t.pending = t.pending[n:]
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()

	select {
	case chunk, ok := <-t.rx:
		if !ok {
			return 0, nil
		}
		n := copy(p, chunk)
		if n < len(chunk) {
			t.mu.Lock()
			t.pending = append(t.pending, chunk[n:]...)
			t.mu.Unlock()
		}
		return n, nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (t *Scripted) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.rx)
	return nil
}
