package atcore

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"wlink-home/internal/transport"
)

func newTestEngine(t *testing.T) (*Engine, *transport.Scripted) {
	t.Helper()
	tr := transport.NewScripted()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(tr, Config{ReadTimeout: 50 * time.Millisecond}, logger)
	e.Run()
	t.Cleanup(func() { e.Close() })
	return e, tr
}

func TestCommandCycle(t *testing.T) {
	e, tr := newTestEngine(t)

	if !e.AcquireLock(time.Second) {
		t.Fatal("acquire lock")
	}
	defer e.ReleaseLock()

	if _, err := e.Send([]byte("AT\r\n")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent, ok := tr.NextSent(time.Second); !ok || string(sent) != "AT\r\n" {
		t.Fatalf("wire: got %q", sent)
	}

	tr.Feed("OK\r\n")
	resp := e.ReceiveResponse(time.Second)
	if string(resp) != "OK\r\n" {
		t.Fatalf("response: got %q", resp)
	}
}

func TestReceiveResponseTimeout(t *testing.T) {
	e, _ := newTestEngine(t)

	start := time.Now()
	resp := e.ReceiveResponse(80 * time.Millisecond)
	if resp != nil {
		t.Fatalf("expected nil on timeout, got %q", resp)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestAcquireLockTimeout(t *testing.T) {
	e, _ := newTestEngine(t)

	if !e.AcquireLock(time.Second) {
		t.Fatal("first acquire")
	}
	defer e.ReleaseLock()

	if e.AcquireLock(50 * time.Millisecond) {
		t.Fatal("second acquire must time out while held")
	}
}

func TestAcquireLockRetryPolicy(t *testing.T) {
	tr := transport.NewScripted()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(tr, Config{
		ReadTimeout:       50 * time.Millisecond,
		LockRetryCount:    3,
		LockRetryInterval: 10 * time.Millisecond,
	}, logger)
	e.Run()
	defer e.Close()

	if !e.AcquireLock(10 * time.Millisecond) {
		t.Fatal("first acquire")
	}

	// Release while a retrying acquirer is waiting; it must succeed on a
	// later attempt instead of giving up after the first timeout.
	go func() {
		time.Sleep(25 * time.Millisecond)
		e.ReleaseLock()
	}()
	if !e.AcquireLock(10 * time.Millisecond) {
		t.Fatal("retrying acquire should have succeeded after release")
	}
	e.ReleaseLock()
}

func TestLockMutualExclusion(t *testing.T) {
	e, tr := newTestEngine(t)

	// Echo responder: replies to CMD<i> with RESP<i> then OK, so any
	// interleaving of command cycles would cross responses over.
	stop := make(chan struct{})
	var responder sync.WaitGroup
	responder.Add(1)
	go func() {
		defer responder.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			sent, ok := tr.NextSent(100 * time.Millisecond)
			if !ok {
				continue
			}
			cmd := strings.TrimSuffix(string(sent), "\r\n")
			tr.Feed("RESP" + strings.TrimPrefix(cmd, "CMD") + "\r\n")
			tr.Feed("OK\r\n")
		}
	}()

	const issuers = 4
	const perIssuer = 5
	var wg sync.WaitGroup
	errs := make(chan error, issuers*perIssuer)
	for i := 0; i < issuers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for k := 0; k < perIssuer; k++ {
				tag := fmt.Sprintf("%d_%d", id, k)
				if !e.AcquireLock(2 * time.Second) {
					errs <- fmt.Errorf("issuer %s: busy", tag)
					return
				}
				_, err := e.Send([]byte("CMD" + tag + "\r\n"))
				if err != nil {
					e.ReleaseLock()
					errs <- fmt.Errorf("issuer %s: send: %v", tag, err)
					return
				}
				data := e.ReceiveResponse(2 * time.Second)
				status := e.ReceiveResponse(2 * time.Second)
				e.ReleaseLock()
				if string(data) != "RESP"+tag+"\r\n" {
					errs <- fmt.Errorf("issuer %s: got foreign response %q", tag, data)
					return
				}
				if string(status) != "OK\r\n" {
					errs <- fmt.Errorf("issuer %s: bad status %q", tag, status)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	responder.Wait()

	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
}

func TestEventFanout(t *testing.T) {
	e, tr := newTestEngine(t)

	wifi := make(chan string, 1)
	ble := make(chan string, 1)
	e.OnEvent(SubWiFi, func(p []byte) { wifi <- string(p) })
	e.OnEvent(SubBLE, func(p []byte) { ble <- string(p) })

	tr.Feed("+CW:CONNECTED\r\n")

	select {
	case got := <-wifi:
		if got != "+CW:CONNECTED\r\n" {
			t.Errorf("payload: got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("wifi handler not invoked")
	}
	select {
	case got := <-ble:
		t.Fatalf("ble handler invoked for wifi event: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnhandledEventDropped(t *testing.T) {
	e, tr := newTestEngine(t)

	// No handler registered; the pump must drop and keep running.
	tr.Feed("+BLE:CONNECTED:0\r\n")

	got := make(chan string, 1)
	e.OnEvent(SubWiFi, func(p []byte) { got <- string(p) })
	tr.Feed("+CW:DISCONNECTED\r\n")

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("pump stalled after unhandled event")
	}
}

func TestFragmentedEventAcrossReads(t *testing.T) {
	e, tr := newTestEngine(t)

	got := make(chan string, 1)
	e.OnEvent(SubNet, func(p []byte) { got <- string(p) })

	tr.Feed("+IPD:0,")
	tr.Feed("128\r\n")

	select {
	case evt := <-got:
		if evt != "+IPD:0,128\r\n" {
			t.Errorf("event: got %q", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("fragmented event not reassembled")
	}
}

func TestDataSinkViaEngine(t *testing.T) {
	e, tr := newTestEngine(t)

	sink := make([]byte, 5)
	e.SetDataSink(SubNet, sink)

	tr.Feed("+CIPRECVDATA:5,hello\r\nOK\r\n")

	header := e.ReceiveResponse(time.Second)
	if string(header) != "+CIPRECVDATA:5," {
		t.Fatalf("header: got %q", header)
	}
	status := e.ReceiveResponse(time.Second)
	if string(status) != "OK\r\n" {
		t.Fatalf("status: got %q", status)
	}
	if string(sink) != "hello" {
		t.Errorf("sink: got %q", sink)
	}
}

func TestCloseIdempotent(t *testing.T) {
	tr := transport.NewScripted()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(tr, Config{ReadTimeout: 20 * time.Millisecond}, logger)
	e.Run()

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := e.Send([]byte("AT\r\n")); err == nil {
		t.Fatal("send after close must fail")
	}
}

func TestReleaseWithoutHoldIsHarmless(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ReleaseLock() // logged, not fatal
	if !e.AcquireLock(time.Second) {
		t.Fatal("lock unusable after spurious release")
	}
	e.ReleaseLock()
}
