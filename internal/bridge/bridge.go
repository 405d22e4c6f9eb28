//go:build !no_mqtt

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"wlink-home/internal/gateway"
)

// Bridge connects the gateway to an upstream MQTT broker: bus events go out
// under <prefix>/event/<type>, the status snapshot is retained under
// <prefix>/status, and <prefix>/cmd/... topics drive the NCP.
type Bridge struct {
	client pahomqtt.Client
	gw     *gateway.Gateway
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(gw *gateway.Gateway, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		gw:     gw,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "bridge"),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("wlink-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishStatus()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to gateway events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.gw.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event gateway.Event) {
	b.publish(eventTopic(b.prefix, event.Type), mustJSON(event.Data), false)
	if event.Type == gateway.EventGatewayState {
		b.publishStatus()
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishStatus() {
	b.publish(b.prefix+"/status", mustJSON(b.gw.Status()), true)
}

func (b *Bridge) subscribeCommands() {
	subs := map[string]pahomqtt.MessageHandler{
		b.prefix + "/cmd/wifi/scan": func(_ pahomqtt.Client, _ pahomqtt.Message) {
			go b.handleScan()
		},
		b.prefix + "/cmd/wifi/join": func(_ pahomqtt.Client, msg pahomqtt.Message) {
			go b.handleJoin(msg.Payload())
		},
		b.prefix + "/cmd/publish": func(_ pahomqtt.Client, msg pahomqtt.Message) {
			go b.handleNCPPublish(msg.Payload())
		},
		b.prefix + "/cmd/ping": func(_ pahomqtt.Client, msg pahomqtt.Message) {
			go b.handlePing(msg.Payload())
		},
	}
	for topic, handler := range subs {
		if token := b.client.Subscribe(topic, 1, handler); token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Error("subscribe", "topic", topic, "err", token.Error())
		}
	}
}

func (b *Bridge) handleScan() {
	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()
	aps, err := b.gw.ScanNetworks(ctx)
	if err != nil {
		b.logger.Warn("scan command failed", "err", err)
		return
	}
	b.publish(b.prefix+"/scan", mustJSON(aps), true)
}

func (b *Bridge) handleJoin(payload []byte) {
	cmd, err := decodeJoinCommand(payload)
	if err != nil {
		b.logger.Warn("invalid join command", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()
	if err := b.gw.ConnectNetwork(ctx, cmd.SSID, cmd.Password); err != nil {
		b.logger.Warn("join command failed", "ssid", cmd.SSID, "err", err)
	}
}

// handleNCPPublish forwards a publish request to the NCP's own MQTT client,
// letting the upstream broker drive the radio-side session.
func (b *Bridge) handleNCPPublish(payload []byte) {
	cmd, err := decodePublishCommand(payload)
	if err != nil {
		b.logger.Warn("invalid publish command", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()
	if err := b.gw.Driver().MQTTPublish(ctx, cmd.Topic, []byte(cmd.Payload), cmd.QoS, cmd.Retain); err != nil {
		b.logger.Warn("ncp publish failed", "topic", cmd.Topic, "err", err)
	}
}

func (b *Bridge) handlePing(payload []byte) {
	cmd, err := decodePingCommand(payload)
	if err != nil {
		b.logger.Warn("invalid ping command", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()
	ms, err := b.gw.Driver().Ping(ctx, cmd.Host)
	result := map[string]any{"host": cmd.Host, "rtt_ms": ms}
	if err != nil {
		result["error"] = err.Error()
	}
	b.publish(b.prefix+"/ping", mustJSON(result), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
