package atcore

// The NCP vocabulary is a fixed table, not discovered at parse time. Several
// event prefixes are substrings of data-header prefixes (+MQTT: vs
// +MQTT:SUBRECV:), so the dispatcher must always try the data-header table
// first.

// eventEntry maps a record prefix to the subsystem whose handler consumes it.
type eventEntry struct {
	prefix string
	sub    Subsystem
}

// dataEntry describes a data-header record announcing raw payload bytes.
// lenOffset is the byte offset of the first decimal length field, counted
// with single-character placeholder parameters the way the NCP emits them.
// hasTopicLen marks headers carrying a nested topic length before the
// message length (total payload = topic_len + 3 + msg_len, the 3 covering
// the two quotes and the separating comma).
type dataEntry struct {
	prefix      string
	lenOffset   int
	sub         Subsystem
	hasTopicLen bool
}

var eventTable = []eventEntry{
	{"+IPD:", SubNet},
	{"+CIP:", SubNet},
	{"+MQTT:", SubMQTT},
	{"+BLE:", SubBLE},
	{"+CW:", SubWiFi},
	{"+CWLAP:", SubWiFi},
}

var dataTable = []dataEntry{
	{"+CIPRECVDATA:", len("+CIPRECVDATA:"), SubNet, false},
	{"+MQTT:SUBRECV:", len("+MQTT:SUBRECV:y,"), SubMQTT, true},
	{"+BLE:GATTWRITE:", len("+BLE:GATTWRITE:y,y,y,"), SubBLE, false},
	{"+BLE:GATTREAD:", len("+BLE:GATTREAD:y,y,y,"), SubBLE, false},
	{"+BLE:NOTIDATA:", len("+BLE:NOTIDATA:y,"), SubBLE, false},
}

// maxDataHeaderSize bounds the retained header snapshot. Headers are short
// lines; 64 bytes covers every entry with its numeric parameters.
const maxDataHeaderSize = 64

const (
	crlf       = "\r\n"
	sendPrompt = "\r\n>"

	statusOK    = "OK"
	statusError = "ERROR"

	// Terminal markers of the raw-data send protocol; suppressed from the
	// response channel because upper layers track completion through the
	// "Recv N bytes" line instead.
	sendOKMarker   = "SEND OK"
	sendFailMarker = "SEND FAIL"
)
