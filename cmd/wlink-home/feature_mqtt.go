//go:build !no_mqtt

package main

import (
	"log/slog"

	"wlink-home/internal/bridge"
	"wlink-home/internal/gateway"
)

type mqttStopper struct {
	bridge *bridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(gw *gateway.Gateway, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	b, err := bridge.NewBridge(gw, bridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	b.Start()
	return &mqttStopper{bridge: b}
}
