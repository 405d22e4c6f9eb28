package ncp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"wlink-home/internal/atcore"
)

// AccessPoint is one WiFi scan result.
type AccessPoint struct {
	SSID     string
	BSSID    string
	RSSI     int
	Channel  int
	Security int
}

// StationMode switches the radio to station-only operation. Must run before
// Connect after a cold boot.
func (d *Driver) StationMode(ctx context.Context) error {
	return d.execute(ctx, "AT+CWMODE=1,0\r\n", d.eng.NCPTimeout())
}

// SetHostname sets the DHCP hostname the station announces.
func (d *Driver) SetHostname(ctx context.Context, name string) error {
	return d.execute(ctx, fmt.Sprintf("AT+CWHOSTNAME=%q\r\n", name), d.eng.NCPTimeout())
}

// SetAutoConnect controls whether the NCP rejoins the stored network on boot.
func (d *Driver) SetAutoConnect(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return d.execute(ctx, fmt.Sprintf("AT+CWAUTOCONN=%d\r\n", v), d.eng.NCPTimeout())
}

// Connect joins the given network. The status record only returns once
// association and DHCP finished, so the patience is long.
func (d *Driver) Connect(ctx context.Context, ssid, password string) error {
	cmd := fmt.Sprintf("AT+CWJAP=%q,%q\r\n", ssid, password)
	return d.execute(ctx, cmd, wifiConnectTimeout)
}

// Disconnect leaves the current network, keeping stored credentials.
func (d *Driver) Disconnect(ctx context.Context) error {
	return d.execute(ctx, "AT+CWQAP=0\r\n", netTimeout)
}

// StationIP returns the station's current IPv4 address, or "" when the
// interface has no lease yet.
func (d *Driver) StationIP(ctx context.Context) (string, error) {
	records, err := d.queryAll(ctx, "AT+CIPSTA?\r\n", d.eng.NCPTimeout())
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		line := strings.TrimRight(string(rec), "\r\n")
		if strings.HasPrefix(line, "+CIPSTA:ip:") {
			return quoted(line), nil
		}
	}
	return "", nil
}

// Scan triggers a network scan and blocks until the scan-done event. Results
// stream in as events, so only one scan can be in flight at a time.
func (d *Driver) Scan(ctx context.Context) ([]AccessPoint, error) {
	d.scanMu.Lock()
	if d.scanDone != nil {
		d.scanMu.Unlock()
		return nil, fmt.Errorf("%w: scan already in progress", atcore.ErrBusy)
	}
	done := make(chan []AccessPoint, 1)
	d.scanDone = done
	d.scanResults = nil
	d.scanMu.Unlock()

	cleanup := func() {
		d.scanMu.Lock()
		d.scanDone = nil
		d.scanResults = nil
		d.scanMu.Unlock()
	}

	if err := d.execute(ctx, "AT+CWLAP\r\n", netTimeout); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case aps := <-done:
		cleanup()
		return aps, nil
	case <-ctx.Done():
		cleanup()
		return nil, fmt.Errorf("%w: scan: %v", atcore.ErrTimeout, ctx.Err())
	}
}

// collectScanResult accumulates one +CWLAP: record of an in-flight scan.
// Returns false when no scan is active.
func (d *Driver) collectScanResult(raw string) bool {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()
	if d.scanDone == nil {
		return false
	}
	if ap, ok := parseAccessPoint(raw); ok {
		d.scanResults = append(d.scanResults, ap)
	} else {
		d.logger.Warn("unparseable scan result", "record", raw)
	}
	return true
}

// finishScan delivers the accumulated results on the scan-done event.
func (d *Driver) finishScan() {
	d.scanMu.Lock()
	done := d.scanDone
	results := d.scanResults
	d.scanDone = nil
	d.scanResults = nil
	d.scanMu.Unlock()
	if done != nil {
		done <- results
	}
}

// parseAccessPoint decodes +CWLAP:(<sec>,"<ssid>",<rssi>,"<bssid>",<chan>).
// The SSID may contain commas, so fields are cut around the quoted spans.
func parseAccessPoint(raw string) (AccessPoint, bool) {
	s := strings.TrimPrefix(raw, "+CWLAP:")
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")

	var ap AccessPoint

	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return ap, false
	}
	sec, err := strconv.Atoi(s[:comma])
	if err != nil {
		return ap, false
	}
	ap.Security = sec
	s = s[comma+1:]

	if !strings.HasPrefix(s, `"`) {
		return ap, false
	}
	end := strings.Index(s[1:], `",`)
	if end < 0 {
		return ap, false
	}
	ap.SSID = s[1 : 1+end]
	s = s[end+3:]

	comma = strings.IndexByte(s, ',')
	if comma < 0 {
		return ap, false
	}
	rssi, err := strconv.Atoi(s[:comma])
	if err != nil {
		return ap, false
	}
	ap.RSSI = rssi
	s = s[comma+1:]

	ap.BSSID = quoted(s)
	if ap.BSSID == "" {
		return ap, false
	}
	rest := s[strings.Index(s, ap.BSSID)+len(ap.BSSID)+1:]
	rest = strings.TrimPrefix(rest, ",")
	if comma = strings.IndexByte(rest, ','); comma >= 0 {
		rest = rest[:comma]
	}
	ch, err := strconv.Atoi(rest)
	if err != nil {
		return ap, false
	}
	ap.Channel = ch
	return ap, true
}
