package ncp

import (
	"context"
	"fmt"

	"wlink-home/internal/atcore"
)

// BLE roles for BLEInit.
const (
	BLERoleClient = 1
	BLERoleServer = 2
)

// BLEInit brings the BLE stack up in the given role.
func (d *Driver) BLEInit(ctx context.Context, role int) error {
	return d.execute(ctx, fmt.Sprintf("AT+BLEINIT=%d\r\n", role), netTimeout)
}

// BLEStop tears the BLE stack down.
func (d *Driver) BLEStop(ctx context.Context) error {
	return d.execute(ctx, "AT+BLEINIT=0\r\n", netTimeout)
}

// SetBLEName sets the advertised device name.
func (d *Driver) SetBLEName(ctx context.Context, name string) error {
	return d.execute(ctx, fmt.Sprintf("AT+BLENAME=%q\r\n", name), d.eng.NCPTimeout())
}

// BLEAdvertise starts or stops advertising (server role).
func (d *Driver) BLEAdvertise(ctx context.Context, on bool) error {
	cmd := "AT+BLEADVSTART\r\n"
	if !on {
		cmd = "AT+BLEADVSTOP\r\n"
	}
	return d.execute(ctx, cmd, d.eng.NCPTimeout())
}

// BLEScan starts or stops scanning (client role). Discovered peers arrive as
// +BLE:SCAN events.
func (d *Driver) BLEScan(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return d.execute(ctx, fmt.Sprintf("AT+BLESCAN=%d\r\n", v), netTimeout)
}

// BLEConnect initiates a connection to the peer address (client role).
func (d *Driver) BLEConnect(ctx context.Context, conn int, addr string) error {
	cmd := fmt.Sprintf("AT+BLECONN=%d,%q\r\n", conn, addr)
	return d.execute(ctx, cmd, netTimeout)
}

// BLEDisconnect drops the connection.
func (d *Driver) BLEDisconnect(ctx context.Context, conn int) error {
	return d.execute(ctx, fmt.Sprintf("AT+BLEDISCONN=%d\r\n", conn), netTimeout)
}

// OnBLEData registers the GATT transfer handler and sizes the payload sink.
// Transfers larger than bufSize are dropped with a warning. A nil handler
// unregisters.
func (d *Driver) OnBLEData(bufSize int, h func(BLEDataEvent)) {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()
	if h == nil {
		d.onBLEData = nil
		d.bleSink = nil
		d.eng.SetDataSink(atcore.SubBLE, nil)
		return
	}
	d.onBLEData = h
	d.bleSink = make([]byte, bufSize)
	d.eng.SetDataSink(atcore.SubBLE, d.bleSink)
}
