package atcore

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func newTestDispatcher(respDepth, evtDepth int) (*dispatcher, chan *Message, chan *Message, *sinkRegistry) {
	respQ := make(chan *Message, respDepth)
	evtQ := make(chan *Message, evtDepth)
	sinks := newSinkRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newDispatcher(respQ, evtQ, sinks, logger), respQ, evtQ, sinks
}

func drain(q chan *Message) []*Message {
	var out []*Message
	for {
		select {
		case m := <-q:
			out = append(out, m)
		default:
			return out
		}
	}
}

// feedChunks emulates the reader loop's buffer management: each chunk is one
// transport read, residue is preserved across calls.
func feedChunks(d *dispatcher, chunks ...string) {
	buf := make([]byte, 2048)
	var written, parsed int
	for _, c := range chunks {
		n := copy(buf[written:], c)
		written += n
		remaining := d.dispatch(buf[parsed:written])
		if remaining == 0 {
			written, parsed = 0, 0
		} else {
			parsed = written - remaining
		}
		if written == len(buf) {
			copy(buf, buf[parsed:written])
			written = remaining
			parsed = 0
		}
	}
}

func TestStatusRecordWholeStream(t *testing.T) {
	d, respQ, evtQ, _ := newTestDispatcher(30, 30)

	feedChunks(d, "OK\r\n")

	resp := drain(respQ)
	if len(resp) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resp))
	}
	if string(resp[0].Payload) != "OK\r\n" {
		t.Errorf("payload: got %q, want %q", resp[0].Payload, "OK\r\n")
	}
	if resp[0].Sub != SubNone {
		t.Errorf("subsystem: got %v, want none", resp[0].Sub)
	}
	if evts := drain(evtQ); len(evts) != 0 {
		t.Errorf("unexpected events: %d", len(evts))
	}
}

func TestEventSplitAcrossReads(t *testing.T) {
	d, respQ, evtQ, _ := newTestDispatcher(30, 30)

	// First fragment alone must not produce anything.
	remaining := d.dispatch([]byte("+CW"))
	if remaining != 3 {
		t.Fatalf("residue: got %d, want 3", remaining)
	}
	if len(drain(evtQ)) != 0 || len(drain(respQ)) != 0 {
		t.Fatal("partial record classified too early")
	}

	feedChunks(d, "+CW", ":CONNECTED\r\n")

	evts := drain(evtQ)
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	if string(evts[0].Payload) != "+CW:CONNECTED\r\n" {
		t.Errorf("payload: got %q", evts[0].Payload)
	}
	if evts[0].Sub != SubWiFi {
		t.Errorf("subsystem: got %v, want wifi", evts[0].Sub)
	}
}

func TestDataHeaderPayloadThenStatus(t *testing.T) {
	d, respQ, _, sinks := newTestDispatcher(30, 30)
	sink := make([]byte, 5)
	sinks.set(SubNet, sink)

	feedChunks(d, "+CIPRECVDATA:5,hello\r\nOK\r\n")

	if string(sink) != "hello" {
		t.Errorf("sink: got %q, want %q", sink, "hello")
	}
	resp := drain(respQ)
	if len(resp) != 2 {
		t.Fatalf("expected redelivered header + status, got %d messages", len(resp))
	}
	if string(resp[0].Payload) != "+CIPRECVDATA:5," {
		t.Errorf("header: got %q", resp[0].Payload)
	}
	if resp[0].Sub != SubNet {
		t.Errorf("header subsystem: got %v, want net", resp[0].Sub)
	}
	if string(resp[1].Payload) != "OK\r\n" {
		t.Errorf("status: got %q", resp[1].Payload)
	}
}

func TestUndersizedSinkStillConsumesStream(t *testing.T) {
	d, respQ, _, sinks := newTestDispatcher(30, 30)
	sink := make([]byte, 2)
	sinks.set(SubNet, sink)

	feedChunks(d, "+CIPRECVDATA:5,hello\r\nOK\r\n")

	if string(sink) != "he" {
		t.Errorf("sink: got %q, want %q", sink, "he")
	}
	if d.xferActive {
		t.Error("transfer state not reset after full payload passed through")
	}
	resp := drain(respQ)
	if len(resp) != 2 {
		t.Fatalf("expected header + status, got %d", len(resp))
	}
	if string(resp[1].Payload) != "OK\r\n" {
		t.Errorf("status after truncated copy: got %q", resp[1].Payload)
	}
}

func TestNoSinkRegisteredStillConsumes(t *testing.T) {
	d, respQ, _, _ := newTestDispatcher(30, 30)

	feedChunks(d, "+CIPRECVDATA:3,abc\r\nOK\r\n")

	if d.xferActive {
		t.Error("transfer state not reset")
	}
	resp := drain(respQ)
	if len(resp) != 2 {
		t.Fatalf("expected header + status, got %d", len(resp))
	}
}

func TestMQTTNestedLengths(t *testing.T) {
	d, respQ, evtQ, sinks := newTestDispatcher(30, 30)
	sink := make([]byte, 64)
	sinks.set(SubMQTT, sink)

	// topic_len=5, msg_len=7; payload is "topic" in quotes, a comma, then
	// the 7 message bytes: 5+3+7 = 15 bytes total.
	feedChunks(d, "+MQTT:SUBRECV:0,5,7,\"topic\",message\r\n")

	evts := drain(evtQ)
	if len(evts) != 1 {
		t.Fatalf("expected 1 redelivered header event, got %d", len(evts))
	}
	if evts[0].Sub != SubMQTT {
		t.Errorf("subsystem: got %v, want mqtt", evts[0].Sub)
	}
	if string(evts[0].Payload) != "+MQTT:SUBRECV:0,5,7," {
		t.Errorf("header: got %q", evts[0].Payload)
	}
	if string(sink[:15]) != "\"topic\",message" {
		t.Errorf("sink: got %q", sink[:15])
	}
	if len(drain(respQ)) != 0 {
		t.Error("MQTT header must not reach the response channel")
	}
}

func TestDataHeaderPrecedenceOverEvent(t *testing.T) {
	// "+MQTT:SUBRECV:..." also matches the "+MQTT:" event prefix; the data
	// header classification must win.
	d, _, evtQ, sinks := newTestDispatcher(30, 30)
	sinks.set(SubMQTT, make([]byte, 16))

	feedChunks(d, "+MQTT:SUBRECV:0,1,1,\"a\",b\r\n")

	evts := drain(evtQ)
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	// The redelivered header, not the whole line as a generic event.
	if string(evts[0].Payload) != "+MQTT:SUBRECV:0,1,1," {
		t.Errorf("got %q; data header classification lost to event prefix", evts[0].Payload)
	}
}

func TestBLENotificationData(t *testing.T) {
	d, respQ, evtQ, sinks := newTestDispatcher(30, 30)
	sink := make([]byte, 8)
	sinks.set(SubBLE, sink)

	feedChunks(d, "+BLE:NOTIDATA:1,3,abc\r\n")

	evts := drain(evtQ)
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	if evts[0].Sub != SubBLE {
		t.Errorf("subsystem: got %v", evts[0].Sub)
	}
	if string(sink[:3]) != "abc" {
		t.Errorf("sink: got %q", sink[:3])
	}
	if len(drain(respQ)) != 0 {
		t.Error("BLE header must not reach the response channel")
	}
}

func TestSendMarkersSuppressed(t *testing.T) {
	d, respQ, evtQ, _ := newTestDispatcher(30, 30)

	feedChunks(d, "SEND OK\r\nSEND FAIL\r\nOK\r\n")

	resp := drain(respQ)
	if len(resp) != 1 || string(resp[0].Payload) != "OK\r\n" {
		t.Fatalf("send markers leaked into responses: %d messages", len(resp))
	}
	if len(drain(evtQ)) != 0 {
		t.Error("unexpected events")
	}
}

func TestPromptRecord(t *testing.T) {
	d, respQ, _, _ := newTestDispatcher(30, 30)

	// Padding pairs are skipped, but the pair opening the prompt is part of
	// the prompt record.
	feedChunks(d, "\r\n\r\n>")

	resp := drain(respQ)
	if len(resp) != 1 {
		t.Fatalf("expected 1 prompt message, got %d", len(resp))
	}
	if string(resp[0].Payload) != "\r\n>" {
		t.Errorf("prompt: got %q", resp[0].Payload)
	}
}

func TestPromptSplitAcrossReads(t *testing.T) {
	d, respQ, _, _ := newTestDispatcher(30, 30)

	feedChunks(d, "\r\n", ">")

	resp := drain(respQ)
	if len(resp) != 1 || string(resp[0].Payload) != "\r\n>" {
		t.Fatalf("split prompt not reassembled: %v", resp)
	}
}

func TestLeadingPaddingSkipped(t *testing.T) {
	d, respQ, _, _ := newTestDispatcher(30, 30)

	feedChunks(d, "\r\n\r\nOK\r\n")

	resp := drain(respQ)
	if len(resp) != 1 || string(resp[0].Payload) != "OK\r\n" {
		t.Fatalf("padding handling broke status: %v", resp)
	}
}

func TestMalformedLengthDiscarded(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"non numeric", "+CIPRECVDATA:x5,foo\r\nOK\r\n"},
		{"missing comma", "+CIPRECVDATA:12\r\nOK\r\n"},
		{"negative", "+CIPRECVDATA:-4,\r\nOK\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, respQ, evtQ, _ := newTestDispatcher(30, 30)

			feedChunks(d, tc.input)

			if d.xferActive {
				t.Error("malformed header armed a transfer")
			}
			resp := drain(respQ)
			if len(resp) != 1 || string(resp[0].Payload) != "OK\r\n" {
				t.Fatalf("expected only the trailing status, got %d messages", len(resp))
			}
			if len(drain(evtQ)) != 0 {
				t.Error("malformed record delivered as event")
			}
		})
	}
}

func TestPayloadAccounting(t *testing.T) {
	payload := "abcdefghij" // want = 10
	for _, capacity := range []int{0, 1, 3, 10, 32} {
		t.Run(fmt.Sprintf("cap%d", capacity), func(t *testing.T) {
			d, respQ, _, sinks := newTestDispatcher(30, 30)
			sink := make([]byte, capacity)
			sinks.set(SubNet, sink)

			feedChunks(d, "+CIPRECVDATA:10,", "abcde", "fghij", "\r\n", "OK\r\n")

			want := payload
			if capacity < len(payload) {
				want = payload[:capacity]
			}
			if string(sink[:len(want)]) != want {
				t.Errorf("sink: got %q, want %q", sink[:len(want)], want)
			}
			if d.xferActive {
				t.Error("transfer not reset")
			}
			resp := drain(respQ)
			if len(resp) != 2 {
				t.Fatalf("expected header + status, got %d", len(resp))
			}
		})
	}
}

func TestChunkSplitInvariance(t *testing.T) {
	stream := "\r\n+CW:CONNECTED\r\n" +
		"+CIPRECVDATA:5,hello\r\n" +
		"OK\r\n" +
		"\r\n>" +
		"+MQTT:SUBRECV:0,5,7,\"topic\",message\r\n" +
		"+BLE:NOTIDATA:1,3,abc\r\n" +
		"ERROR\r\n"

	type result struct {
		resp, evt []string
		net       string
		mqtt      string
		ble       string
	}

	run := func(chunks ...string) result {
		d, respQ, evtQ, sinks := newTestDispatcher(64, 64)
		netSink := make([]byte, 32)
		mqttSink := make([]byte, 32)
		bleSink := make([]byte, 32)
		sinks.set(SubNet, netSink)
		sinks.set(SubMQTT, mqttSink)
		sinks.set(SubBLE, bleSink)

		feedChunks(d, chunks...)

		var r result
		for _, m := range drain(respQ) {
			r.resp = append(r.resp, string(m.Payload))
		}
		for _, m := range drain(evtQ) {
			r.evt = append(r.evt, string(m.Payload))
		}
		r.net = string(netSink[:5])
		r.mqtt = string(mqttSink[:15])
		r.ble = string(bleSink[:3])
		return r
	}

	equal := func(a, b result) bool {
		if len(a.resp) != len(b.resp) || len(a.evt) != len(b.evt) {
			return false
		}
		for i := range a.resp {
			if a.resp[i] != b.resp[i] {
				return false
			}
		}
		for i := range a.evt {
			if a.evt[i] != b.evt[i] {
				return false
			}
		}
		return a.net == b.net && a.mqtt == b.mqtt && a.ble == b.ble
	}

	whole := run(stream)

	// Sanity on the reference run before comparing splits against it.
	if len(whole.resp) != 4 { // net header, OK, prompt, ERROR
		t.Fatalf("reference run: expected 4 responses, got %v", whole.resp)
	}
	if len(whole.evt) != 3 { // wifi event, mqtt header, ble header
		t.Fatalf("reference run: expected 3 events, got %v", whole.evt)
	}

	// Every two-way split.
	for cut := 1; cut < len(stream); cut++ {
		got := run(stream[:cut], stream[cut:])
		if !equal(got, whole) {
			t.Fatalf("split at %d diverged:\n got %+v\nwant %+v", cut, got, whole)
		}
	}

	// Byte at a time.
	chunks := make([]string, 0, len(stream))
	for i := 0; i < len(stream); i++ {
		chunks = append(chunks, stream[i:i+1])
	}
	if got := run(chunks...); !equal(got, whole) {
		t.Fatalf("byte-at-a-time diverged:\n got %+v\nwant %+v", got, whole)
	}
}

func TestResidueCompletesExactlyOneMessage(t *testing.T) {
	d, respQ, _, _ := newTestDispatcher(30, 30)

	remaining := d.dispatch([]byte("OK\r"))
	if remaining != 3 {
		t.Fatalf("residue: got %d, want 3", remaining)
	}
	feedChunks(d, "OK\r", "\n")

	resp := drain(respQ)
	if len(resp) != 1 {
		t.Fatalf("expected exactly 1 message, got %d", len(resp))
	}
	if string(resp[0].Payload) != "OK\r\n" {
		t.Errorf("payload: got %q", resp[0].Payload)
	}
}

func TestParserLoopBound(t *testing.T) {
	d, respQ, _, _ := newTestDispatcher(256, 30)

	var stream bytes.Buffer
	for i := 0; i < maxParserLoops+20; i++ {
		stream.WriteString("OK\r\n")
	}
	remaining := d.dispatch(stream.Bytes())
	if remaining != 0 {
		t.Errorf("loop bound must drop the rest, got residue %d", remaining)
	}
	if got := len(drain(respQ)); got > maxParserLoops {
		t.Errorf("classified %d records, bound is %d", got, maxParserLoops)
	}
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	d, respQ, _, _ := newTestDispatcher(1, 1)

	done := make(chan struct{})
	go func() {
		feedChunks(d, "OK\r\nERROR\r\nOK\r\n")
		close(done)
	}()
	<-done // dispatch must return even with the queue full

	resp := drain(respQ)
	if len(resp) != 1 {
		t.Fatalf("expected 1 kept message, got %d", len(resp))
	}
}

func TestPayloadBytesNeverClassified(t *testing.T) {
	// Payload bytes that look like records must not be parsed as records.
	d, respQ, evtQ, sinks := newTestDispatcher(30, 30)
	sink := make([]byte, 16)
	sinks.set(SubNet, sink)

	feedChunks(d, "+CIPRECVDATA:8,OK\r\nER\r\n\r\nOK\r\n")

	if string(sink[:8]) != "OK\r\nER\r\n" {
		t.Errorf("sink: got %q", sink[:8])
	}
	resp := drain(respQ)
	if len(resp) != 2 {
		t.Fatalf("expected header + trailing OK, got %d", len(resp))
	}
	if string(resp[1].Payload) != "OK\r\n" {
		t.Errorf("trailing status: got %q", resp[1].Payload)
	}
	if len(drain(evtQ)) != 0 {
		t.Error("payload bytes classified as events")
	}
}
