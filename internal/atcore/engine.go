package atcore

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"wlink-home/internal/transport"
)

// Config holds the engine policy knobs. None of them change protocol
// correctness, only buffer sizes and patience.
type Config struct {
	// BufferSize is the reassembly buffer capacity, sized to the transport
	// MTU. Records larger than this are dropped.
	BufferSize int
	// QueueDepth is the capacity of the response and event channels.
	QueueDepth int
	// ReadTimeout bounds a single transport receive call.
	ReadTimeout time.Duration
	// NCPTimeout is the default patience for commands that need no
	// wireless exchange.
	NCPTimeout time.Duration
	// LockRetryCount and LockRetryInterval give AcquireLock a bounded
	// retry policy after its first timeout. Zero retries by default.
	LockRetryCount    int
	LockRetryInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 2048
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 30
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.NCPTimeout <= 0 {
		c.NCPTimeout = 2 * time.Second
	}
	if c.LockRetryInterval <= 0 {
		c.LockRetryInterval = 100 * time.Millisecond
	}
}

// Engine owns the duplexed AT byte stream: one reader goroutine reassembles
// and classifies the stream, one pump goroutine fans events out to subsystem
// handlers, and any number of application goroutines issue commands through
// the rendezvous lock.
type Engine struct {
	tr     transport.Transport
	cfg    Config
	logger *slog.Logger

	respQ chan *Message
	evtQ  chan *Message
	sinks *sinkRegistry
	disp  *dispatcher

	// lock serializes command cycles; a buffered channel of one gives
	// acquire-with-timeout for free.
	lock chan struct{}

	handlerMu sync.RWMutex
	handlers  map[Subsystem]EventHandler

	readerGID atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates an engine over the given transport. Run must be called before
// any command is issued.
func New(tr transport.Transport, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		tr:       tr,
		cfg:      cfg,
		logger:   logger.With("component", "atcore"),
		respQ:    make(chan *Message, cfg.QueueDepth),
		evtQ:     make(chan *Message, cfg.QueueDepth),
		sinks:    newSinkRegistry(),
		lock:     make(chan struct{}, 1),
		handlers: make(map[Subsystem]EventHandler),
		done:     make(chan struct{}),
	}
	e.disp = newDispatcher(e.respQ, e.evtQ, e.sinks, e.logger)
	return e
}

// Run starts the reader and event pump goroutines.
func (e *Engine) Run() {
	e.wg.Add(2)
	go e.readLoop()
	go e.eventLoop()
}

// Close stops both goroutines and closes the transport. Safe to call more
// than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
		err = e.tr.Close()
		e.wg.Wait()
	})
	return err
}

// AcquireLock takes the rendezvous lock, waiting up to timeout per attempt
// and retrying per the configured policy. It returns false when the device
// stayed busy; the caller must treat that as Busy, not as an error of the
// in-flight command of another goroutine.
//
// Calling AcquireLock from the reader goroutine would deadlock it against
// itself (the response it would wait for is produced by that very
// goroutine), so doing so is a fatal usage error.
func (e *Engine) AcquireLock(timeout time.Duration) bool {
	if gid() == e.readerGID.Load() {
		panic("atcore: AcquireLock called from the reader goroutine")
	}
	for attempt := 0; ; attempt++ {
		t := time.NewTimer(timeout)
		select {
		case e.lock <- struct{}{}:
			t.Stop()
			return true
		case <-t.C:
		case <-e.done:
			t.Stop()
			return false
		}
		if attempt >= e.cfg.LockRetryCount {
			return false
		}
		time.Sleep(e.cfg.LockRetryInterval)
	}
}

// ReleaseLock releases the rendezvous lock. Callers that time out waiting
// for a response must still release; the engine performs no recovery.
func (e *Engine) ReleaseLock() {
	select {
	case <-e.lock:
	default:
		e.logger.Warn("ReleaseLock called without the lock held")
	}
}

// Send writes command bytes to the transport under the engine's default NCP
// timeout. The caller must hold the rendezvous lock.
func (e *Engine) Send(p []byte) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	n, err := e.tr.Send(p, e.cfg.NCPTimeout)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

// ReceiveResponse dequeues the next classified response record, blocking up
// to timeout. It returns nil when nothing arrived; the caller's command
// cycle is then abandoned and the lock must still be released.
func (e *Engine) ReceiveResponse(timeout time.Duration) []byte {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-e.respQ:
		return m.Payload
	case <-t.C:
		return nil
	case <-e.done:
		return nil
	}
}

// SetDataSink registers the destination buffer for the subsystem's next bulk
// payload. It must be set before the triggering command is sent, since the
// data header can arrive before the command goroutine resumes. A nil buffer
// unregisters the sink.
func (e *Engine) SetDataSink(sub Subsystem, buf []byte) {
	e.sinks.set(sub, buf)
}

// OnEvent registers the handler invoked for the subsystem's event messages.
// At most one handler per subsystem; a nil handler unregisters.
func (e *Engine) OnEvent(sub Subsystem, h EventHandler) {
	e.handlerMu.Lock()
	if h == nil {
		delete(e.handlers, sub)
	} else {
		e.handlers[sub] = h
	}
	e.handlerMu.Unlock()
}

// NCPTimeout exposes the engine's default command patience to the API layer.
func (e *Engine) NCPTimeout() time.Duration {
	return e.cfg.NCPTimeout
}

// readLoop owns the transport receive side and the reassembly buffer. It is
// the only goroutine that mutates dispatcher state.
func (e *Engine) readLoop() {
	defer e.wg.Done()
	e.readerGID.Store(gid())

	buf := make([]byte, e.cfg.BufferSize)
	var written, parsed int

	for {
		select {
		case <-e.done:
			return
		default:
		}

		n, err := e.tr.Receive(buf[written:], e.cfg.ReadTimeout)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			e.logger.Error("transport receive", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if n <= 0 {
			continue
		}

		written += n
		remaining := e.disp.dispatch(buf[parsed:written])
		if remaining == 0 {
			written, parsed = 0, 0
		} else {
			// An incomplete trailing record; keep it and parse again once
			// more bytes arrive.
			parsed = written - remaining
		}

		if written == len(buf) {
			if parsed == 0 {
				e.logger.Error("record larger than receive buffer, dropped", "size", written)
				written = 0
				continue
			}
			copy(buf, buf[parsed:written])
			written = remaining
			parsed = 0
		}
	}
}

// eventLoop drains the event channel and invokes the registered subsystem
// handler, one call per message. Slow handlers delay other events but never
// stream reassembly.
func (e *Engine) eventLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case m := <-e.evtQ:
			e.handlerMu.RLock()
			h := e.handlers[m.Sub]
			e.handlerMu.RUnlock()
			if h == nil {
				e.logger.Warn("no handler registered, event dropped", "subsystem", m.Sub)
				continue
			}
			h(m.Payload)
		}
	}
}

// gid returns the current goroutine id, used only for the reader-goroutine
// usage assertion in AcquireLock.
func gid() uint64 {
	var b [64]byte
	s := b[:runtime.Stack(b[:], false)]
	s = bytes.TrimPrefix(s, []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseUint(string(s[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}
