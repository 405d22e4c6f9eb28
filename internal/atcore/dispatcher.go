package atcore

import (
	"bytes"
	"log/slog"
	"strconv"
	"sync"
)

// maxParserLoops bounds the number of records classified per dispatch call so
// corrupted input cannot spin the reader goroutine forever.
const maxParserLoops = 100

// sinkRegistry holds the per-subsystem destination buffers for the payload
// extraction protocol. Buffers are registered by application goroutines
// before the triggering command is sent and written by the reader goroutine.
type sinkRegistry struct {
	mu    sync.Mutex
	sinks map[Subsystem][]byte
}

func newSinkRegistry() *sinkRegistry {
	return &sinkRegistry{sinks: make(map[Subsystem][]byte)}
}

func (r *sinkRegistry) set(sub Subsystem, buf []byte) {
	r.mu.Lock()
	if buf == nil {
		delete(r.sinks, sub)
	} else {
		r.sinks[sub] = buf
	}
	r.mu.Unlock()
}

func (r *sinkRegistry) get(sub Subsystem) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[sub]
}

// dispatcher converts raw transport reads into classified messages. All of
// its state is mutated only by the reader goroutine; the response and event
// channels are its only outputs.
type dispatcher struct {
	respQ  chan *Message
	evtQ   chan *Message
	sinks  *sinkRegistry
	logger *slog.Logger

	// Payload transfer state. While active, classification is suspended and
	// incoming bytes are routed into the registered sink.
	xferActive bool
	xferSub    Subsystem
	xferWant   int // expected payload length from the data header
	xferGot    int // payload bytes consumed so far, never exceeds xferWant
	xferTerm   int // trailing terminator bytes consumed, never exceeds 2

	// Snapshot of the header line that announced the in-flight payload,
	// replayed to the owning subsystem once the payload completes.
	retained    [maxDataHeaderSize]byte
	retainedLen int
}

func newDispatcher(respQ, evtQ chan *Message, sinks *sinkRegistry, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		respQ:  respQ,
		evtQ:   evtQ,
		sinks:  sinks,
		logger: logger,
	}
}

// dispatch classifies as many complete records from input as possible and
// returns the length of the unconsumed residue (an incomplete trailing
// record). A zero return means the caller may reset its buffer cursors.
func (d *dispatcher) dispatch(input []byte) int {
	cur := input
	for loops := 0; len(cur) > 0; loops++ {
		if loops >= maxParserLoops {
			d.logger.Error("parser loop bound reached, dropping buffered input", "dropped", len(cur))
			return 0
		}

		if d.xferActive {
			cur = d.consumePayload(cur)
			continue
		}

		n, complete := d.consumeRecord(cur)
		if !complete {
			return len(cur)
		}
		cur = cur[n:]
	}
	return 0
}

// consumePayload routes bytes of an in-flight payload into the registered
// sink, then consumes the trailing record terminator. When the transfer
// completes, the retained header is redelivered and any remaining bytes are
// returned for immediate re-parsing.
func (d *dispatcher) consumePayload(cur []byte) []byte {
	if d.xferGot < d.xferWant {
		n := min(len(cur), d.xferWant-d.xferGot)
		d.copyToSink(cur[:n])
		d.xferGot += n
		cur = cur[n:]
	}
	if d.xferGot == d.xferWant && len(cur) > 0 {
		n := min(len(cur), len(crlf)-d.xferTerm)
		d.xferTerm += n
		cur = cur[n:]
	}
	if d.xferGot == d.xferWant && d.xferTerm == len(crlf) {
		d.redeliverHeader()
		d.xferActive = false
		d.xferSub = SubNone
		d.xferWant, d.xferGot, d.xferTerm = 0, 0, 0
	}
	return cur
}

// copyToSink copies payload bytes into the subsystem's destination buffer.
// Bytes past the buffer capacity are dropped; the expected length is still
// consumed from the stream so framing survives an undersized buffer.
func (d *dispatcher) copyToSink(p []byte) {
	sink := d.sinks.get(d.xferSub)
	if sink == nil {
		d.logger.Warn("no receive buffer registered, payload bytes lost",
			"subsystem", d.xferSub, "len", len(p))
		return
	}
	space := len(sink) - d.xferGot
	if space <= 0 {
		d.logger.Warn("receive buffer full, payload bytes dropped",
			"subsystem", d.xferSub, "dropped", len(p))
		return
	}
	if len(p) > space {
		d.logger.Warn("receive buffer too small, excess payload dropped",
			"subsystem", d.xferSub, "dropped", len(p)-space)
		p = p[:space]
	}
	copy(sink[d.xferGot:], p)
}

// redeliverHeader replays the retained data header to its consumer: Net
// headers complete a blocking command cycle and go to the response channel,
// MQTT and BLE headers are asynchronous and go to the event channel.
func (d *dispatcher) redeliverHeader() {
	m := &Message{Sub: d.xferSub, Payload: append([]byte(nil), d.retained[:d.retainedLen]...)}
	if d.xferSub == SubNet {
		d.push(d.respQ, m, "response")
	} else {
		d.push(d.evtQ, m, "event")
	}
}

// consumeRecord classifies one complete record at the start of cur. It
// returns complete=false when more transport bytes are needed before the
// record can be classified without ambiguity.
func (d *dispatcher) consumeRecord(cur []byte) (n int, complete bool) {
	// Leading CR-LF pairs are inter-record padding, except immediately
	// before '>' where "\r\n>" is the complete ready-to-send prompt. A
	// trailing "\r" or "\r\n" stays buffered until the next byte decides.
	if cur[0] == '\r' {
		if len(cur) < 3 {
			if len(cur) == 1 || cur[1] == '\n' {
				return 0, false
			}
		} else if cur[1] == '\n' {
			if cur[2] == '>' {
				d.push(d.respQ, &Message{Sub: SubNone, Payload: []byte(sendPrompt)}, "response")
				return len(sendPrompt), true
			}
			return len(crlf), true
		}
	}

	// Data headers first: several event prefixes are substrings of data
	// header prefixes, and a matched header changes the framing mode.
	for i := range dataTable {
		e := &dataTable[i]
		if !bytes.HasPrefix(cur, []byte(e.prefix)) {
			continue
		}
		switch d.matchDataHeader(cur, e) {
		case headerComplete:
			return d.retainedLen, true
		case headerNeedMore:
			return 0, false
		case headerMalformed:
			end := findRecordEnd(cur)
			if end == 0 {
				return 0, false
			}
			d.logger.Error("malformed data header discarded", "record", string(cur[:end-len(crlf)]))
			return end, true
		}
	}

	end := findRecordEnd(cur)
	if end == 0 {
		return 0, false
	}
	rec := cur[:end]

	for _, e := range eventTable {
		if bytes.HasPrefix(rec, []byte(e.prefix)) {
			d.push(d.evtQ, &Message{Sub: e.sub, Payload: append([]byte(nil), rec...)}, "event")
			return end, true
		}
	}

	// Send-completion markers are consumed internally; upper layers track
	// completion through the "Recv N bytes" line.
	if bytes.Contains(rec, []byte(sendOKMarker)) || bytes.Contains(rec, []byte(sendFailMarker)) {
		return end, true
	}

	d.push(d.respQ, &Message{Sub: SubNone, Payload: append([]byte(nil), rec...)}, "response")
	return end, true
}

type headerMatch int

const (
	headerNeedMore headerMatch = iota
	headerComplete
	headerMalformed
)

// matchDataHeader parses the length field(s) of a data header whose prefix
// already matched. On success it arms the payload transfer state and
// snapshots the header for later redelivery. A header whose length field is
// not terminated by a comma before the record terminator, or does not parse
// as a decimal integer, is malformed and will be discarded by the caller.
func (d *dispatcher) matchDataHeader(cur []byte, e *dataEntry) headerMatch {
	// The length field cannot be inspected until the bytes around it have
	// arrived; matching a shorter fragment would misclassify.
	if len(cur) < e.lenOffset+2 {
		return headerNeedMore
	}

	length, next, st := parseLengthField(cur, e.lenOffset)
	if st != headerComplete {
		return st
	}

	total := length
	if e.hasTopicLen {
		// Nested second length: <topic_len>,<msg_len>, with the payload
		// carrying "<topic>",<msg>. The fixed overhead of 3 covers the two
		// quotes and the separating comma.
		msgLen, msgNext, st := parseLengthField(cur, next)
		if st != headerComplete {
			return st
		}
		total = msgLen + length + 3
		next = msgNext
	}

	d.xferActive = true
	d.xferSub = e.sub
	d.xferWant = total
	d.xferGot = 0
	d.xferTerm = 0
	d.retainedLen = min(next, maxDataHeaderSize)
	copy(d.retained[:], cur[:d.retainedLen])
	return headerComplete
}

// parseLengthField reads a decimal integer starting at off, terminated by a
// comma. It returns the value and the offset just past the comma.
func parseLengthField(cur []byte, off int) (length, next int, st headerMatch) {
	comma := -1
	for i := off; i < len(cur); i++ {
		if cur[i] == ',' {
			comma = i
			break
		}
		if cur[i] == '\r' || cur[i] == '\n' {
			return 0, 0, headerMalformed
		}
	}
	if comma < 0 {
		return 0, 0, headerNeedMore
	}
	v, err := strconv.Atoi(string(cur[off:comma]))
	if err != nil || v < 0 {
		return 0, 0, headerMalformed
	}
	return v, comma + 1, headerComplete
}

// findRecordEnd returns the length of the CR-LF terminated record at the
// start of cur, or 0 if the terminator has not arrived yet. The search
// starts past the first byte so the leading CR-LF of the prompt record is
// never taken for a terminator.
func findRecordEnd(cur []byte) int {
	for i := 2; i < len(cur); i++ {
		if cur[i-1] == '\r' && cur[i] == '\n' {
			return i + 1
		}
	}
	return 0
}

// push enqueues without blocking; a full channel drops the message so the
// reader goroutine can never stall behind a slow consumer.
func (d *dispatcher) push(q chan *Message, m *Message, what string) {
	select {
	case q <- m:
	default:
		d.logger.Error("queue full, message dropped", "queue", what, "subsystem", m.Sub)
	}
}
