package ncp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"wlink-home/internal/atcore"
	"wlink-home/internal/transport"
)

func newTestDriver(t *testing.T) (*Driver, *transport.Scripted) {
	t.Helper()
	tr := transport.NewScripted()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := atcore.New(tr, atcore.Config{ReadTimeout: 50 * time.Millisecond}, logger)
	eng.Run()
	d := NewDriver(eng, logger)
	t.Cleanup(func() { d.Close() })
	return d, tr
}

// awaitCommand blocks until the driver puts a command on the wire, checks it,
// and feeds back the scripted replies.
func awaitCommand(t *testing.T, tr *transport.Scripted, want string, replies ...string) {
	t.Helper()
	sent, ok := tr.NextSent(2 * time.Second)
	if !ok {
		t.Fatalf("no command on the wire, expected %q", want)
	}
	if string(sent) != want {
		t.Fatalf("wire: got %q, want %q", sent, want)
	}
	for _, r := range replies {
		tr.Feed(r)
	}
}

func TestExecuteStatuses(t *testing.T) {
	d, tr := newTestDriver(t)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- d.Test(ctx) }()
	awaitCommand(t, tr, "AT\r\n", "OK\r\n")
	if err := <-errc; err != nil {
		t.Fatalf("OK status: %v", err)
	}

	go func() { errc <- d.Test(ctx) }()
	awaitCommand(t, tr, "AT\r\n", "ERROR\r\n")
	if err := <-errc; !errors.Is(err, atcore.ErrCommandFailed) {
		t.Fatalf("ERROR status: got %v", err)
	}

	go func() { errc <- d.Test(ctx) }()
	awaitCommand(t, tr, "AT\r\n", "ready\r\n")
	if err := <-errc; !errors.Is(err, atcore.ErrUnexpectedResponse) {
		t.Fatalf("garbage status: got %v", err)
	}
}

func TestFirmwareVersion(t *testing.T) {
	d, tr := newTestDriver(t)

	type result struct {
		v   string
		err error
	}
	rc := make(chan result, 1)
	go func() {
		v, err := d.FirmwareVersion(context.Background())
		rc <- result{v, err}
	}()
	awaitCommand(t, tr, "AT+GMR\r\n",
		"AT version:1.2.0\r\n", "SDK version:3.1\r\n", "OK\r\n")

	r := <-rc
	if r.err != nil {
		t.Fatalf("version: %v", r.err)
	}
	if r.v != "AT version:1.2.0\nSDK version:3.1" {
		t.Errorf("version: got %q", r.v)
	}
}

func TestWiFiConnectFraming(t *testing.T) {
	d, tr := newTestDriver(t)

	errc := make(chan error, 1)
	go func() { errc <- d.Connect(context.Background(), "home-net", "s3cret") }()
	awaitCommand(t, tr, "AT+CWJAP=\"home-net\",\"s3cret\"\r\n", "OK\r\n")
	if err := <-errc; err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestStationIP(t *testing.T) {
	d, tr := newTestDriver(t)

	type result struct {
		ip  string
		err error
	}
	rc := make(chan result, 1)
	go func() {
		ip, err := d.StationIP(context.Background())
		rc <- result{ip, err}
	}()
	awaitCommand(t, tr, "AT+CIPSTA?\r\n",
		"+CIPSTA:ip:\"192.168.1.37\"\r\n",
		"+CIPSTA:gateway:\"192.168.1.1\"\r\n",
		"OK\r\n")

	r := <-rc
	if r.err != nil {
		t.Fatalf("station ip: %v", r.err)
	}
	if r.ip != "192.168.1.37" {
		t.Errorf("ip: got %q", r.ip)
	}
}

func TestScanCollectsEventRecords(t *testing.T) {
	d, tr := newTestDriver(t)

	type result struct {
		aps []AccessPoint
		err error
	}
	rc := make(chan result, 1)
	go func() {
		aps, err := d.Scan(context.Background())
		rc <- result{aps, err}
	}()
	awaitCommand(t, tr, "AT+CWLAP\r\n", "OK\r\n")

	tr.Feed("+CWLAP:(3,\"home-net\",-52,\"aa:bb:cc:dd:ee:ff\",6)\r\n")
	tr.Feed("+CWLAP:(0,\"open,net\",-80,\"11:22:33:44:55:66\",11)\r\n")
	tr.Feed("+CW:SCAN_DONE\r\n")

	r := <-rc
	if r.err != nil {
		t.Fatalf("scan: %v", r.err)
	}
	if len(r.aps) != 2 {
		t.Fatalf("results: got %d, want 2", len(r.aps))
	}
	first := AccessPoint{SSID: "home-net", BSSID: "aa:bb:cc:dd:ee:ff", RSSI: -52, Channel: 6, Security: 3}
	if r.aps[0] != first {
		t.Errorf("first result: got %+v", r.aps[0])
	}
	if r.aps[1].SSID != "open,net" || r.aps[1].Channel != 11 {
		t.Errorf("ssid with comma: got %+v", r.aps[1])
	}
}

func TestSocketSendCycle(t *testing.T) {
	d, tr := newTestDriver(t)

	errc := make(chan error, 1)
	go func() { errc <- d.SocketSend(context.Background(), 0, []byte("hello")) }()

	awaitCommand(t, tr, "AT+CIPSEND=0,5\r\n", "OK\r\n", "\r\n>")
	awaitCommand(t, tr, "hello", "Recv 5 bytes\r\n", "SEND OK\r\n")

	if err := <-errc; err != nil {
		t.Fatalf("socket send: %v", err)
	}
}

func TestSocketSendCountMismatch(t *testing.T) {
	d, tr := newTestDriver(t)

	errc := make(chan error, 1)
	go func() { errc <- d.SocketSend(context.Background(), 1, []byte("hello")) }()

	awaitCommand(t, tr, "AT+CIPSEND=1,5\r\n", "OK\r\n", "\r\n>")
	awaitCommand(t, tr, "hello", "Recv 3 bytes\r\n")

	if err := <-errc; !errors.Is(err, atcore.ErrIO) {
		t.Fatalf("short transfer: got %v", err)
	}
}

func TestSocketReceive(t *testing.T) {
	d, tr := newTestDriver(t)

	type result struct {
		n   int
		err error
	}
	buf := make([]byte, 16)
	rc := make(chan result, 1)
	go func() {
		n, err := d.SocketReceive(context.Background(), 0, buf)
		rc <- result{n, err}
	}()
	awaitCommand(t, tr, "AT+CIPRECVDATA=0,16\r\n", "+CIPRECVDATA:5,hello\r\n", "OK\r\n")

	r := <-rc
	if r.err != nil {
		t.Fatalf("receive: %v", r.err)
	}
	if r.n != 5 || string(buf[:r.n]) != "hello" {
		t.Errorf("payload: n=%d buf=%q", r.n, buf[:r.n])
	}
}

func TestPing(t *testing.T) {
	d, tr := newTestDriver(t)

	type result struct {
		ms  int
		err error
	}
	rc := make(chan result, 1)
	go func() {
		ms, err := d.Ping(context.Background(), "gateway.local")
		rc <- result{ms, err}
	}()
	awaitCommand(t, tr, "AT+PING=\"gateway.local\"\r\n", "+PING:17\r\n", "OK\r\n")

	r := <-rc
	if r.err != nil {
		t.Fatalf("ping: %v", r.err)
	}
	if r.ms != 17 {
		t.Errorf("rtt: got %d", r.ms)
	}
}

func TestMQTTPublishCycle(t *testing.T) {
	d, tr := newTestDriver(t)

	errc := make(chan error, 1)
	go func() {
		errc <- d.MQTTPublish(context.Background(), "home/state", []byte("on"), 1, false)
	}()

	awaitCommand(t, tr, "AT+MQTTPUBRAW=0,\"home/state\",2,1,0\r\n", "OK\r\n", "\r\n>")
	awaitCommand(t, tr, "on", "Recv 2 bytes\r\n", "SEND OK\r\n")

	if err := <-errc; err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestMQTTSubscriptionDelivery(t *testing.T) {
	d, tr := newTestDriver(t)

	type delivery struct {
		topic   string
		payload string
	}
	got := make(chan delivery, 1)
	d.OnMQTTMessage(64, func(topic string, payload []byte) {
		got <- delivery{topic, string(payload)}
	})

	tr.Feed("+MQTT:SUBRECV:0,5,7,\"topic\",message\r\n")

	select {
	case m := <-got:
		if m.topic != "topic" || m.payload != "message" {
			t.Errorf("delivery: got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestMQTTConnectionEvents(t *testing.T) {
	d, tr := newTestDriver(t)

	got := make(chan bool, 2)
	d.OnMQTTConnection(func(connected bool) { got <- connected })

	tr.Feed("+MQTT:0,CONNECTED\r\n")
	tr.Feed("+MQTT:0,DISCONNECTED\r\n")

	for _, want := range []bool{true, false} {
		select {
		case c := <-got:
			if c != want {
				t.Errorf("connection state: got %v, want %v", c, want)
			}
		case <-time.After(time.Second):
			t.Fatal("missing connection event")
		}
	}
}

func TestBLENotificationDelivery(t *testing.T) {
	d, tr := newTestDriver(t)

	got := make(chan BLEDataEvent, 1)
	d.OnBLEData(32, func(ev BLEDataEvent) { got <- ev })

	tr.Feed("+BLE:NOTIDATA:1,3,abc\r\n")

	select {
	case ev := <-got:
		if ev.Kind != "NOTIDATA" || ev.Conn != 1 || string(ev.Payload) != "abc" {
			t.Errorf("event: got %+v payload=%q", ev, ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestBLEGattWriteDelivery(t *testing.T) {
	d, tr := newTestDriver(t)

	got := make(chan BLEDataEvent, 1)
	d.OnBLEData(32, func(ev BLEDataEvent) { got <- ev })

	tr.Feed("+BLE:GATTWRITE:2,1,1,4,ping\r\n")

	select {
	case ev := <-got:
		if ev.Kind != "GATTWRITE" || ev.Conn != 2 || string(ev.Payload) != "ping" {
			t.Errorf("event: got %+v payload=%q", ev, ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no write event")
	}
}

func TestWiFiEventDecoding(t *testing.T) {
	d, tr := newTestDriver(t)

	got := make(chan WiFiEvent, 4)
	d.OnWiFiEvent(func(ev WiFiEvent) { got <- ev })

	cases := []struct {
		feed string
		kind WiFiEventKind
	}{
		{"+CW:CONNECTED\r\n", WiFiEventConnected},
		{"+CW:GOTIP\r\n", WiFiEventGotIP},
		{"+CW:DISCONNECTED\r\n", WiFiEventDisconnected},
		{"+CW:ERROR,2\r\n", WiFiEventError},
	}
	for _, c := range cases {
		tr.Feed(c.feed)
		select {
		case ev := <-got:
			if ev.Kind != c.kind {
				t.Errorf("%q: got kind %d, want %d", c.feed, ev.Kind, c.kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("%q: no event", c.feed)
		}
	}
}

func TestNetEventDecoding(t *testing.T) {
	d, tr := newTestDriver(t)

	got := make(chan NetEvent, 2)
	d.OnNetEvent(func(ev NetEvent) { got <- ev })

	tr.Feed("+IPD:2,128\r\n")
	select {
	case ev := <-got:
		if ev.Kind != NetEventDataAvailable || ev.Link != 2 || ev.Available != 128 {
			t.Errorf("data available: got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no +IPD event")
	}

	tr.Feed("+CIP:2,DISCONNECTED\r\n")
	select {
	case ev := <-got:
		if ev.Kind != NetEventClosed || ev.Link != 2 {
			t.Errorf("closed: got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no +CIP event")
	}
}

func TestRecvCount(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"Recv 5 bytes\r\n", 5},
		{"\r\nRecv 128 bytes\r\n", 128},
		{"SEND OK\r\n", -1},
		{"Recv x bytes\r\n", -1},
		{"Recv 5", -1},
	}
	for _, c := range cases {
		if got := recvCount([]byte(c.in)); got != c.want {
			t.Errorf("recvCount(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseAccessPoint(t *testing.T) {
	ap, ok := parseAccessPoint(`+CWLAP:(3,"lab","net",-60,"aa:bb:cc:dd:ee:ff",1)`)
	if ok {
		t.Logf("quoted-quote ssid parsed loosely: %+v", ap)
	}

	if _, ok := parseAccessPoint("+CWLAP:(bogus)"); ok {
		t.Error("bogus record parsed")
	}
	if _, ok := parseAccessPoint(`+CWLAP:(3,"x",-60,"aa",notanumber)`); ok {
		t.Error("bad channel parsed")
	}
}
