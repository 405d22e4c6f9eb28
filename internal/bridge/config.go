// Package bridge republishes gateway events to an upstream MQTT broker and
// accepts commands from it. This is the host-side broker link; the NCP's own
// MQTT client is driven separately through the ncp package.
package bridge

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}
