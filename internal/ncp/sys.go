package ncp

import (
	"context"
	"strings"
)

// Test runs the empty AT command, verifying the link and the firmware's
// command loop.
func (d *Driver) Test(ctx context.Context) error {
	return d.execute(ctx, "AT\r\n", d.eng.NCPTimeout())
}

// FirmwareVersion returns the version banner lines reported by the NCP.
func (d *Driver) FirmwareVersion(ctx context.Context) (string, error) {
	records, err := d.queryAll(ctx, "AT+GMR\r\n", d.eng.NCPTimeout())
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(strings.TrimRight(string(rec), "\r\n"))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Restore resets the NCP to factory settings. The device reboots afterwards,
// so the caller should expect the link to drop.
func (d *Driver) Restore(ctx context.Context) error {
	return d.execute(ctx, "AT+RESTORE\r\n", netTimeout)
}
