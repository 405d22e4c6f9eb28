// Package ncp implements the host-side driver for the wireless network
// co-processor. It speaks the AT command protocol through the atcore engine
// and exposes typed per-subsystem APIs (system, WiFi, network sockets, MQTT,
// BLE) on a single Driver value.
package ncp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"wlink-home/internal/atcore"
)

const (
	// lockTimeout bounds how long a command cycle waits for another
	// goroutine's in-flight command before reporting Busy.
	lockTimeout = 5 * time.Second

	// netTimeout covers commands that need a wireless round trip.
	netTimeout = 10 * time.Second

	// wifiConnectTimeout covers association plus DHCP.
	wifiConnectTimeout = 20 * time.Second

	// maxQueryRecords bounds multi-record query replies (scan lists).
	maxQueryRecords = 64
)

// Driver issues AT commands and decodes NCP replies. All methods are safe for
// concurrent use; the engine's rendezvous lock serializes command cycles.
type Driver struct {
	eng    *atcore.Engine
	logger *slog.Logger

	// MQTT subscription delivery: the sink receives the raw payload, the
	// header event carries the lengths needed to split topic from message.
	mqttMu     sync.Mutex
	mqttSink   []byte
	onMQTTMsg  func(topic string, payload []byte)
	onMQTTConn func(connected bool)

	bleMu     sync.Mutex
	bleSink   []byte
	onBLEData func(ev BLEDataEvent)
	onBLERaw  func(raw string)

	onWiFi func(ev WiFiEvent)
	onNet  func(ev NetEvent)

	// In-flight scan collection; results stream in as events.
	scanMu      sync.Mutex
	scanDone    chan []AccessPoint
	scanResults []AccessPoint
}

// NewDriver wires a driver onto a running engine. Event routing is installed
// immediately; subsystem callbacks can be registered before or after.
func NewDriver(eng *atcore.Engine, logger *slog.Logger) *Driver {
	d := &Driver{
		eng:    eng,
		logger: logger.With("component", "ncp"),
	}
	eng.OnEvent(atcore.SubWiFi, d.handleWiFiEvent)
	eng.OnEvent(atcore.SubNet, d.handleNetEvent)
	eng.OnEvent(atcore.SubMQTT, d.handleMQTTEvent)
	eng.OnEvent(atcore.SubBLE, d.handleBLEEvent)
	return d
}

// Close shuts the underlying engine down.
func (d *Driver) Close() error {
	return d.eng.Close()
}

// parseOkErr maps a final status record onto the driver error taxonomy.
func parseOkErr(status []byte) error {
	s := string(bytes.TrimRight(status, "\r\n"))
	switch s {
	case "OK":
		return nil
	case "ERROR":
		return atcore.ErrCommandFailed
	default:
		return fmt.Errorf("%w: %q", atcore.ErrUnexpectedResponse, s)
	}
}

// isStatus reports whether the record is a final OK/ERROR status.
func isStatus(rec []byte) bool {
	s := string(bytes.TrimRight(rec, "\r\n"))
	return s == "OK" || s == "ERROR"
}

// ctxTimeout clamps the default patience to the context deadline.
func ctxTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < fallback {
			return rem
		}
	}
	return fallback
}

// execute runs a command that produces only a final status record.
func (d *Driver) execute(ctx context.Context, cmd string, timeout time.Duration) error {
	if !d.eng.AcquireLock(ctxTimeout(ctx, lockTimeout)) {
		return atcore.ErrBusy
	}
	defer d.eng.ReleaseLock()
	return d.executeLocked(ctx, cmd, timeout)
}

// executeLocked is execute without lock management, for multi-step cycles
// that must hold the lock across several exchanges.
func (d *Driver) executeLocked(ctx context.Context, cmd string, timeout time.Duration) error {
	if _, err := d.eng.Send([]byte(cmd)); err != nil {
		return err
	}
	status := d.eng.ReceiveResponse(ctxTimeout(ctx, timeout))
	if status == nil {
		return fmt.Errorf("%w: no status for %s", atcore.ErrTimeout, strings.TrimSpace(cmd))
	}
	if err := parseOkErr(status); err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(cmd), err)
	}
	return nil
}

// query runs a command that produces one data record then a status record.
func (d *Driver) query(ctx context.Context, cmd string, timeout time.Duration) ([]byte, error) {
	if !d.eng.AcquireLock(ctxTimeout(ctx, lockTimeout)) {
		return nil, atcore.ErrBusy
	}
	defer d.eng.ReleaseLock()

	if _, err := d.eng.Send([]byte(cmd)); err != nil {
		return nil, err
	}
	resp := d.eng.ReceiveResponse(ctxTimeout(ctx, timeout))
	if resp == nil {
		return nil, fmt.Errorf("%w: no response for %s", atcore.ErrTimeout, strings.TrimSpace(cmd))
	}
	if isStatus(resp) {
		// The device skipped the data record.
		if err := parseOkErr(resp); err != nil {
			return nil, fmt.Errorf("%s: %w", strings.TrimSpace(cmd), err)
		}
		return nil, fmt.Errorf("%w: status before data for %s", atcore.ErrUnexpectedResponse, strings.TrimSpace(cmd))
	}
	status := d.eng.ReceiveResponse(d.eng.NCPTimeout())
	if status == nil {
		return nil, fmt.Errorf("%w: no status for %s", atcore.ErrTimeout, strings.TrimSpace(cmd))
	}
	if err := parseOkErr(status); err != nil {
		return nil, fmt.Errorf("%s: %w", strings.TrimSpace(cmd), err)
	}
	return resp, nil
}

// queryAll runs a command that produces any number of data records before
// the status record (scan listings).
func (d *Driver) queryAll(ctx context.Context, cmd string, timeout time.Duration) ([][]byte, error) {
	if !d.eng.AcquireLock(ctxTimeout(ctx, lockTimeout)) {
		return nil, atcore.ErrBusy
	}
	defer d.eng.ReleaseLock()

	if _, err := d.eng.Send([]byte(cmd)); err != nil {
		return nil, err
	}
	var records [][]byte
	for {
		rec := d.eng.ReceiveResponse(ctxTimeout(ctx, timeout))
		if rec == nil {
			return nil, fmt.Errorf("%w: no status for %s", atcore.ErrTimeout, strings.TrimSpace(cmd))
		}
		if isStatus(rec) {
			if err := parseOkErr(rec); err != nil {
				return nil, fmt.Errorf("%s: %w", strings.TrimSpace(cmd), err)
			}
			return records, nil
		}
		if len(records) >= maxQueryRecords {
			return nil, fmt.Errorf("%w: more than %d records for %s",
				atcore.ErrUnexpectedResponse, maxQueryRecords, strings.TrimSpace(cmd))
		}
		records = append(records, rec)
	}
}

// sendData completes a bulk upload: wait for the ready prompt, push the
// payload, and verify the device's byte count acknowledgement. The caller
// already issued the triggering command and holds the lock.
func (d *Driver) sendData(ctx context.Context, data []byte, timeout time.Duration) error {
	prompt := d.eng.ReceiveResponse(ctxTimeout(ctx, timeout))
	if prompt == nil {
		return fmt.Errorf("%w: no ready prompt", atcore.ErrTimeout)
	}
	if len(prompt) != 3 || prompt[2] != '>' {
		return fmt.Errorf("%w: expected ready prompt, got %q", atcore.ErrUnexpectedResponse, prompt)
	}

	for sent := 0; sent < len(data); {
		n, err := d.eng.Send(data[sent:])
		if err != nil {
			return err
		}
		sent += n
	}

	ack := d.eng.ReceiveResponse(ctxTimeout(ctx, timeout))
	if ack == nil {
		return fmt.Errorf("%w: no transfer acknowledgement", atcore.ErrTimeout)
	}
	if got := recvCount(ack); got != len(data) {
		return fmt.Errorf("%w: device received %d of %d bytes", atcore.ErrIO, got, len(data))
	}
	return nil
}

// recvCount extracts N from a "Recv N bytes" acknowledgement record,
// tolerating leading CR-LF. Returns -1 when the record is something else.
func recvCount(rec []byte) int {
	s := strings.TrimPrefix(string(rec), "\r\n")
	if !strings.HasPrefix(s, "Recv ") {
		return -1
	}
	s = strings.TrimPrefix(s, "Recv ")
	end := strings.IndexByte(s, ' ')
	if end < 0 {
		return -1
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return -1
	}
	return n
}

// quoted extracts the first double-quoted field of an AT record, or "".
func quoted(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}
