package ncp

import (
	"context"
	"fmt"

	"wlink-home/internal/atcore"
)

// MQTTConfig holds the broker session parameters for the NCP's built-in MQTT
// client (client 0; the firmware supports exactly one).
type MQTTConfig struct {
	Scheme   int // 1 = TCP, 2 = TLS
	ClientID string
	Username string
	Password string
}

// ConfigureMQTT programs the client session parameters. Must run before
// MQTTConnect.
func (d *Driver) ConfigureMQTT(ctx context.Context, cfg MQTTConfig) error {
	cmd := fmt.Sprintf("AT+MQTTUSERCFG=0,%d,%q,%q,%q,\"\",\"\",\"\"\r\n",
		cfg.Scheme, cfg.ClientID, cfg.Username, cfg.Password)
	return d.execute(ctx, cmd, d.eng.NCPTimeout())
}

// MQTTConnect connects the NCP client to the broker. The status record only
// returns after the CONNACK, so the patience is the network one.
func (d *Driver) MQTTConnect(ctx context.Context, host string, port int, reconnect bool) error {
	r := 0
	if reconnect {
		r = 1
	}
	cmd := fmt.Sprintf("AT+MQTTCONN=0,%q,%d,%d\r\n", host, port, r)
	return d.execute(ctx, cmd, netTimeout)
}

// MQTTDisconnect drops the broker session and releases the client.
func (d *Driver) MQTTDisconnect(ctx context.Context) error {
	return d.execute(ctx, "AT+MQTTCLEAN=0\r\n", netTimeout)
}

// MQTTSubscribe subscribes the NCP client to a topic filter. Deliveries
// arrive through the handler registered with OnMQTTMessage.
func (d *Driver) MQTTSubscribe(ctx context.Context, topic string, qos int) error {
	cmd := fmt.Sprintf("AT+MQTTSUB=0,%q,%d\r\n", topic, qos)
	return d.execute(ctx, cmd, netTimeout)
}

// MQTTUnsubscribe removes a topic filter.
func (d *Driver) MQTTUnsubscribe(ctx context.Context, topic string) error {
	cmd := fmt.Sprintf("AT+MQTTUNSUB=0,%q\r\n", topic)
	return d.execute(ctx, cmd, netTimeout)
}

// MQTTPublish publishes a raw payload: announce topic and length, wait for
// the prompt, push the bytes, verify the device's count.
func (d *Driver) MQTTPublish(ctx context.Context, topic string, payload []byte, qos int, retain bool) error {
	r := 0
	if retain {
		r = 1
	}
	if !d.eng.AcquireLock(ctxTimeout(ctx, lockTimeout)) {
		return atcore.ErrBusy
	}
	defer d.eng.ReleaseLock()

	cmd := fmt.Sprintf("AT+MQTTPUBRAW=0,%q,%d,%d,%d\r\n", topic, len(payload), qos, r)
	if err := d.executeLocked(ctx, cmd, netTimeout); err != nil {
		return err
	}
	return d.sendData(ctx, payload, netTimeout)
}

// OnMQTTMessage registers the subscription delivery handler and sizes the
// payload sink. Deliveries whose topic plus message exceed bufSize are
// dropped with a warning. A nil handler unregisters.
func (d *Driver) OnMQTTMessage(bufSize int, h func(topic string, payload []byte)) {
	d.mqttMu.Lock()
	defer d.mqttMu.Unlock()
	if h == nil {
		d.onMQTTMsg = nil
		d.mqttSink = nil
		d.eng.SetDataSink(atcore.SubMQTT, nil)
		return
	}
	d.onMQTTMsg = h
	d.mqttSink = make([]byte, bufSize)
	d.eng.SetDataSink(atcore.SubMQTT, d.mqttSink)
}
