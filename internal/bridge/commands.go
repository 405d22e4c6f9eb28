package bridge

import (
	"encoding/json"
	"fmt"
)

// Command payloads accepted on <prefix>/cmd/... topics.

type joinCommand struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

type publishCommand struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     int    `json:"qos"`
	Retain  bool   `json:"retain"`
}

type pingCommand struct {
	Host string `json:"host"`
}

func decodeJoinCommand(p []byte) (joinCommand, error) {
	var cmd joinCommand
	if err := json.Unmarshal(p, &cmd); err != nil {
		return cmd, err
	}
	if cmd.SSID == "" {
		return cmd, fmt.Errorf("ssid is required")
	}
	return cmd, nil
}

func decodePublishCommand(p []byte) (publishCommand, error) {
	var cmd publishCommand
	if err := json.Unmarshal(p, &cmd); err != nil {
		return cmd, err
	}
	if cmd.Topic == "" {
		return cmd, fmt.Errorf("topic is required")
	}
	if cmd.QoS < 0 || cmd.QoS > 2 {
		return cmd, fmt.Errorf("qos must be 0-2, got %d", cmd.QoS)
	}
	return cmd, nil
}

func decodePingCommand(p []byte) (pingCommand, error) {
	var cmd pingCommand
	if err := json.Unmarshal(p, &cmd); err != nil {
		return cmd, err
	}
	if cmd.Host == "" {
		return cmd, fmt.Errorf("host is required")
	}
	return cmd, nil
}

// eventTopic is where a bus event of the given type is republished.
func eventTopic(prefix, eventType string) string {
	return prefix + "/event/" + eventType
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
