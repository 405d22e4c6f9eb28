package ncp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"wlink-home/internal/atcore"
)

// InitSockets puts the socket layer into the mode the driver expects:
// multi-link, passive receive, verbose data-available events.
func (d *Driver) InitSockets(ctx context.Context) error {
	for _, cmd := range []string{
		"AT+CIPMUX=1\r\n",
		"AT+CIPRECVMODE=1\r\n",
		"AT+CIPDINFO=1\r\n",
	} {
		if err := d.execute(ctx, cmd, d.eng.NCPTimeout()); err != nil {
			return err
		}
	}
	return nil
}

// StartTCP opens a TCP connection on the given link number.
func (d *Driver) StartTCP(ctx context.Context, link int, host string, port int) error {
	cmd := fmt.Sprintf("AT+CIPSTART=%d,\"TCP\",%q,%d\r\n", link, host, port)
	return d.execute(ctx, cmd, netTimeout)
}

// StartUDP opens a UDP association on the given link number.
func (d *Driver) StartUDP(ctx context.Context, link int, host string, port int) error {
	cmd := fmt.Sprintf("AT+CIPSTART=%d,\"UDP\",%q,%d\r\n", link, host, port)
	return d.execute(ctx, cmd, netTimeout)
}

// CloseSocket closes the link.
func (d *Driver) CloseSocket(ctx context.Context, link int) error {
	return d.execute(ctx, fmt.Sprintf("AT+CIPCLOSE=%d\r\n", link), netTimeout)
}

// SocketSend pushes data through an open link. The whole cycle (announce
// length, wait for the prompt, push bytes, verify the device's count) runs
// under one lock so no other command can interleave.
func (d *Driver) SocketSend(ctx context.Context, link int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !d.eng.AcquireLock(ctxTimeout(ctx, lockTimeout)) {
		return atcore.ErrBusy
	}
	defer d.eng.ReleaseLock()

	cmd := fmt.Sprintf("AT+CIPSEND=%d,%d\r\n", link, len(data))
	if err := d.executeLocked(ctx, cmd, netTimeout); err != nil {
		return err
	}
	return d.sendData(ctx, data, netTimeout)
}

// SocketReceive pulls up to len(buf) pending bytes from the link into buf and
// returns how many arrived. The device reports the actual count in the data
// header, which may be less than requested.
func (d *Driver) SocketReceive(ctx context.Context, link int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if !d.eng.AcquireLock(ctxTimeout(ctx, lockTimeout)) {
		return 0, atcore.ErrBusy
	}
	defer d.eng.ReleaseLock()

	// The sink must be armed before the command goes out: the data header
	// can arrive before this goroutine runs again.
	d.eng.SetDataSink(atcore.SubNet, buf)
	defer d.eng.SetDataSink(atcore.SubNet, nil)

	cmd := fmt.Sprintf("AT+CIPRECVDATA=%d,%d\r\n", link, len(buf))
	if _, err := d.eng.Send([]byte(cmd)); err != nil {
		return 0, err
	}

	header := d.eng.ReceiveResponse(ctxTimeout(ctx, netTimeout))
	if header == nil {
		return 0, fmt.Errorf("%w: no data header", atcore.ErrTimeout)
	}
	n, err := parseRecvDataHeader(header)
	if err != nil {
		return 0, err
	}

	status := d.eng.ReceiveResponse(d.eng.NCPTimeout())
	if status == nil {
		return 0, fmt.Errorf("%w: no status after data", atcore.ErrTimeout)
	}
	if err := parseOkErr(status); err != nil {
		return 0, err
	}
	return n, nil
}

// parseRecvDataHeader extracts the byte count from "+CIPRECVDATA:<n>,".
func parseRecvDataHeader(header []byte) (int, error) {
	s := strings.TrimPrefix(string(header), "+CIPRECVDATA:")
	if s == string(header) {
		return 0, fmt.Errorf("%w: expected data header, got %q", atcore.ErrUnexpectedResponse, header)
	}
	s = strings.TrimSuffix(strings.TrimRight(s, "\r\n"), ",")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad data header %q", atcore.ErrUnexpectedResponse, header)
	}
	return n, nil
}

// Ping sends one ICMP echo through the NCP and returns the round trip in
// milliseconds.
func (d *Driver) Ping(ctx context.Context, host string) (int, error) {
	resp, err := d.query(ctx, fmt.Sprintf("AT+PING=%q\r\n", host), netTimeout)
	if err != nil {
		return 0, err
	}
	s := strings.TrimRight(string(resp), "\r\n")
	if !strings.HasPrefix(s, "+PING:") {
		return 0, fmt.Errorf("%w: %q", atcore.ErrUnexpectedResponse, s)
	}
	ms, err := strconv.Atoi(strings.TrimPrefix(s, "+PING:"))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", atcore.ErrUnexpectedResponse, s)
	}
	return ms, nil
}

// ResolveHost resolves a hostname through the NCP's DNS client.
func (d *Driver) ResolveHost(ctx context.Context, host string) (string, error) {
	resp, err := d.query(ctx, fmt.Sprintf("AT+CIPDOMAIN=%q\r\n", host), netTimeout)
	if err != nil {
		return "", err
	}
	s := strings.TrimRight(string(resp), "\r\n")
	if !strings.HasPrefix(s, "+CIPDOMAIN:") {
		return "", fmt.Errorf("%w: %q", atcore.ErrUnexpectedResponse, s)
	}
	if ip := quoted(s); ip != "" {
		return ip, nil
	}
	return strings.TrimPrefix(s, "+CIPDOMAIN:"), nil
}
