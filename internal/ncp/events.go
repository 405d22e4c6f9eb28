package ncp

import (
	"strconv"
	"strings"
)

// WiFiEventKind classifies asynchronous station events.
type WiFiEventKind int

const (
	WiFiEventUnknown WiFiEventKind = iota
	WiFiEventConnecting
	WiFiEventConnected
	WiFiEventDisconnected
	WiFiEventGotIP
	WiFiEventScanDone
	WiFiEventError
)

// WiFiEvent is a decoded +CW: station event. Raw keeps the record for
// consumers that need fields the decoder does not model.
type WiFiEvent struct {
	Kind WiFiEventKind
	Raw  string
}

// NetEventKind classifies asynchronous socket events.
type NetEventKind int

const (
	NetEventUnknown NetEventKind = iota
	NetEventDataAvailable
	NetEventConnected
	NetEventClosed
)

// NetEvent is a decoded +IPD:/+CIP: socket event.
type NetEvent struct {
	Kind      NetEventKind
	Link      int
	Available int // bytes pending on the device, data-available only
	Raw       string
}

// BLEDataEvent is one decoded GATT transfer (write, read response or
// notification).
type BLEDataEvent struct {
	Kind    string // "GATTWRITE", "GATTREAD" or "NOTIDATA"
	Conn    int
	Payload []byte
}

// OnWiFiEvent registers the WiFi station event callback. Callbacks run on the
// engine's event pump goroutine and must not issue commands.
func (d *Driver) OnWiFiEvent(h func(WiFiEvent)) { d.onWiFi = h }

// OnNetEvent registers the socket event callback.
func (d *Driver) OnNetEvent(h func(NetEvent)) { d.onNet = h }

// OnMQTTConnection registers the broker connection state callback.
func (d *Driver) OnMQTTConnection(h func(connected bool)) { d.onMQTTConn = h }

// OnBLEEvent registers a callback for BLE events that carry no bulk payload
// (connection state, scan results, pairing). The raw record is passed through.
func (d *Driver) OnBLEEvent(h func(raw string)) { d.onBLERaw = h }

func (d *Driver) handleWiFiEvent(payload []byte) {
	raw := strings.TrimRight(string(payload), "\r\n")
	if strings.HasPrefix(raw, "+CWLAP:") {
		if !d.collectScanResult(raw) {
			d.logger.Debug("scan result outside a scan", "record", raw)
		}
		return
	}
	if strings.HasPrefix(raw, "+CW:SCAN_DONE") {
		d.finishScan()
	}
	h := d.onWiFi
	if h == nil {
		return
	}
	ev := WiFiEvent{Kind: WiFiEventUnknown, Raw: raw}
	switch {
	case strings.HasPrefix(raw, "+CW:CONNECTING"):
		ev.Kind = WiFiEventConnecting
	case strings.HasPrefix(raw, "+CW:CONNECTED"):
		ev.Kind = WiFiEventConnected
	case strings.HasPrefix(raw, "+CW:DISCONNECTED"):
		ev.Kind = WiFiEventDisconnected
	case strings.HasPrefix(raw, "+CW:GOTIP"):
		ev.Kind = WiFiEventGotIP
	case strings.HasPrefix(raw, "+CW:SCAN_DONE"):
		ev.Kind = WiFiEventScanDone
	case strings.HasPrefix(raw, "+CW:ERROR,"):
		ev.Kind = WiFiEventError
	}
	h(ev)
}

func (d *Driver) handleNetEvent(payload []byte) {
	h := d.onNet
	if h == nil {
		return
	}
	raw := strings.TrimRight(string(payload), "\r\n")
	ev := NetEvent{Kind: NetEventUnknown, Link: -1, Raw: raw}
	switch {
	case strings.HasPrefix(raw, "+IPD:"):
		// +IPD:<link>,<len>
		fields := strings.Split(strings.TrimPrefix(raw, "+IPD:"), ",")
		if len(fields) >= 2 {
			link, err1 := strconv.Atoi(fields[0])
			avail, err2 := strconv.Atoi(fields[1])
			if err1 == nil && err2 == nil {
				ev.Kind = NetEventDataAvailable
				ev.Link = link
				ev.Available = avail
			}
		}
	case strings.HasPrefix(raw, "+CIP:"):
		// +CIP:<link>,CONNECTED | +CIP:<link>,DISCONNECTED
		fields := strings.Split(strings.TrimPrefix(raw, "+CIP:"), ",")
		if len(fields) >= 2 {
			if link, err := strconv.Atoi(fields[0]); err == nil {
				ev.Link = link
				switch fields[1] {
				case "CONNECTED":
					ev.Kind = NetEventConnected
				case "DISCONNECTED":
					ev.Kind = NetEventClosed
				}
			}
		}
	}
	h(ev)
}

func (d *Driver) handleMQTTEvent(payload []byte) {
	raw := strings.TrimRight(string(payload), "\r\n")
	switch {
	case strings.HasPrefix(raw, "+MQTT:SUBRECV:"):
		d.handleSubscriptionData(raw)
	case strings.HasPrefix(raw, "+MQTT:0,CONNECTED"):
		if h := d.onMQTTConn; h != nil {
			h(true)
		}
	case strings.HasPrefix(raw, "+MQTT:0,DISCONNECTED"):
		if h := d.onMQTTConn; h != nil {
			h(false)
		}
	default:
		d.logger.Debug("unhandled mqtt event", "record", raw)
	}
}

// handleSubscriptionData pairs a redelivered SUBRECV header with the payload
// the dispatcher already copied into the subscription sink. The sink holds
// "<topic>",<message>; the header carries the two lengths.
func (d *Driver) handleSubscriptionData(header string) {
	d.mqttMu.Lock()
	sink := d.mqttSink
	h := d.onMQTTMsg
	d.mqttMu.Unlock()
	if h == nil || sink == nil {
		return
	}

	// +MQTT:SUBRECV:<link>,<topic_len>,<msg_len>,
	fields := strings.Split(strings.TrimSuffix(strings.TrimPrefix(header, "+MQTT:SUBRECV:"), ","), ",")
	if len(fields) != 3 {
		d.logger.Warn("malformed subscription header", "record", header)
		return
	}
	_, err1 := strconv.Atoi(fields[0]) // link index, single client
	topicLen, err2 := strconv.Atoi(fields[1])
	msgLen, err3 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || err3 != nil {
		d.logger.Warn("malformed subscription header", "record", header)
		return
	}
	total := topicLen + msgLen + 3
	if total > len(sink) {
		d.logger.Warn("subscription payload exceeds sink", "need", total, "have", len(sink))
		return
	}

	topic := string(sink[1 : 1+topicLen])
	msg := make([]byte, msgLen)
	copy(msg, sink[topicLen+3:total])
	h(topic, msg)
}

func (d *Driver) handleBLEEvent(payload []byte) {
	raw := strings.TrimRight(string(payload), "\r\n")
	for _, kind := range []string{"GATTWRITE", "GATTREAD", "NOTIDATA"} {
		if strings.HasPrefix(raw, "+BLE:"+kind+":") {
			d.handleBLEData(kind, raw)
			return
		}
	}
	if h := d.onBLERaw; h != nil {
		h(raw)
		return
	}
	d.logger.Debug("ble event", "record", raw)
}

// handleBLEData pairs a redelivered GATT data header with the bytes already
// in the BLE sink. GATTWRITE/GATTREAD headers carry conn,srv,char indices
// before the length; NOTIDATA carries only the connection.
func (d *Driver) handleBLEData(kind, header string) {
	d.bleMu.Lock()
	sink := d.bleSink
	h := d.onBLEData
	d.bleMu.Unlock()
	if h == nil || sink == nil {
		return
	}

	fields := strings.Split(strings.TrimSuffix(strings.TrimPrefix(header, "+BLE:"+kind+":"), ","), ",")
	want := 4
	if kind == "NOTIDATA" {
		want = 2
	}
	if len(fields) != want {
		d.logger.Warn("malformed gatt header", "record", header)
		return
	}
	conn, err1 := strconv.Atoi(fields[0])
	length, err2 := strconv.Atoi(fields[len(fields)-1])
	if err1 != nil || err2 != nil || length > len(sink) {
		d.logger.Warn("malformed gatt header", "record", header)
		return
	}

	data := make([]byte, length)
	copy(data, sink[:length])
	h(BLEDataEvent{Kind: kind, Conn: conn, Payload: data})
}
