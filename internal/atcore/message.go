// Package atcore implements the AT protocol engine for the wlink combo NCP:
// command/response rendezvous, receive-side framing and classification, the
// length-prefixed payload extraction protocol and the event fan-out.
package atcore

// Subsystem classifies a message by the NCP subsystem that produced it.
type Subsystem int

const (
	SubNone Subsystem = iota
	SubWiFi
	SubBLE
	SubNet
	SubMQTT
)

// String returns the subsystem name for logging.
func (s Subsystem) String() string {
	switch s {
	case SubWiFi:
		return "wifi"
	case SubBLE:
		return "ble"
	case SubNet:
		return "net"
	case SubMQTT:
		return "mqtt"
	default:
		return "none"
	}
}

// Message is one classified record produced by the RX dispatcher. The payload
// is an owned copy; ownership moves through a channel to exactly one consumer.
type Message struct {
	Sub     Subsystem
	Payload []byte
}

// EventHandler receives one event message payload. Handlers run on the event
// pump goroutine only, never on the reader goroutine.
type EventHandler func(payload []byte)
