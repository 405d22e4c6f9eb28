// Package gateway orchestrates the NCP driver, the persistent store and the
// event bus into one home gateway: it brings the radio up, keeps WiFi
// credentials and BLE peers persisted, and republishes driver callbacks as
// bus events for the web, bridge and automation layers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"wlink-home/internal/ncp"
	"wlink-home/internal/store"
)

// Config holds gateway behavior knobs.
type Config struct {
	Hostname string
	SSID     string
	Password string

	EnableBLE bool
	// MQTTBufSize is the subscription payload sink size.
	MQTTBufSize int
}

// Status is the gateway's current view of the NCP, safe to serialize.
type Status struct {
	WiFiConnected bool      `json:"wifi_connected"`
	SSID          string    `json:"ssid,omitempty"`
	IP            string    `json:"ip,omitempty"`
	Firmware      string    `json:"firmware,omitempty"`
	MQTTConnected bool      `json:"mqtt_connected"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Gateway owns the driver lifecycle and fans driver callbacks out to the bus.
type Gateway struct {
	drv    *ncp.Driver
	db     store.Store
	events *EventBus
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	status Status

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a gateway. Start must be called before use.
func New(drv *ncp.Driver, db store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.MQTTBufSize <= 0 {
		cfg.MQTTBufSize = 2048
	}
	return &Gateway{
		drv:    drv,
		db:     db,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		done:   make(chan struct{}),
	}
}

// Events returns the gateway event bus.
func (g *Gateway) Events() *EventBus { return g.events }

// Driver exposes the NCP driver for layers that issue commands directly.
func (g *Gateway) Driver() *ncp.Driver { return g.drv }

// Store exposes the persistence layer.
func (g *Gateway) Store() store.Store { return g.db }

// Status returns a snapshot of the gateway state.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Start brings the NCP up: verifies the link, configures the station, joins
// the configured or last-known network, and initializes the socket layer.
// A failed join is logged but not fatal; the gateway stays up for the web
// API to reconfigure it.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.drv.Test(ctx); err != nil {
		return fmt.Errorf("ncp link check: %w", err)
	}

	fw, err := g.drv.FirmwareVersion(ctx)
	if err != nil {
		g.logger.Warn("firmware version", "err", err)
	} else {
		g.logger.Info("NCP ready", "firmware", firstLine(fw))
	}
	g.mu.Lock()
	g.status.Firmware = fw
	g.status.UpdatedAt = time.Now()
	g.mu.Unlock()

	g.installCallbacks()

	if err := g.drv.StationMode(ctx); err != nil {
		return fmt.Errorf("station mode: %w", err)
	}
	if g.cfg.Hostname != "" {
		if err := g.drv.SetHostname(ctx, g.cfg.Hostname); err != nil {
			g.logger.Warn("set hostname", "err", err)
		}
	}
	if err := g.drv.SetAutoConnect(ctx, true); err != nil {
		g.logger.Warn("set autoconnect", "err", err)
	}

	ssid, password := g.credentials()
	if ssid != "" {
		if err := g.ConnectNetwork(ctx, ssid, password); err != nil {
			g.logger.Warn("wifi join failed, gateway stays offline", "ssid", ssid, "err", err)
		}
	} else {
		g.logger.Info("no wifi credentials, waiting for configuration")
	}

	if err := g.drv.InitSockets(ctx); err != nil {
		g.logger.Warn("socket init", "err", err)
	}

	if g.cfg.EnableBLE {
		if err := g.drv.BLEInit(ctx, ncp.BLERoleClient); err != nil {
			g.logger.Warn("ble init", "err", err)
		}
	}

	return nil
}

// Stop tears the gateway down. The driver (and engine) are closed by the
// caller that created them.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}

// credentials picks the network to join: explicit config wins, then the last
// network the gateway was on.
func (g *Gateway) credentials() (string, string) {
	if g.cfg.SSID != "" {
		return g.cfg.SSID, g.cfg.Password
	}
	st, err := g.db.GetGatewayState()
	if err != nil || st.LastSSID == "" {
		return "", ""
	}
	n, err := g.db.GetNetwork(st.LastSSID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("load known network", "ssid", st.LastSSID, "err", err)
		}
		return "", ""
	}
	return n.SSID, n.Password
}

// ConnectNetwork joins a network, persists it as known, and records the
// lease. Also used by the web API for operator-driven joins.
func (g *Gateway) ConnectNetwork(ctx context.Context, ssid, password string) error {
	if err := g.drv.Connect(ctx, ssid, password); err != nil {
		return err
	}

	ip, err := g.drv.StationIP(ctx)
	if err != nil {
		g.logger.Warn("station ip", "err", err)
	}

	now := time.Now()
	if err := g.db.SaveNetwork(&store.KnownNetwork{
		SSID:     ssid,
		Password: password,
		LastIP:   ip,
		LastSeen: now,
	}); err != nil {
		g.logger.Error("persist network", "ssid", ssid, "err", err)
	}
	if err := g.db.SaveGatewayState(&store.GatewayState{
		LastSSID:  ssid,
		LastIP:    ip,
		Firmware:  g.Status().Firmware,
		UpdatedAt: now,
	}); err != nil {
		g.logger.Error("persist gateway state", "err", err)
	}

	g.mu.Lock()
	g.status.WiFiConnected = true
	g.status.SSID = ssid
	g.status.IP = ip
	g.status.UpdatedAt = now
	g.mu.Unlock()

	g.events.Emit(Event{Type: EventGatewayState, Data: g.Status()})
	g.logger.Info("wifi joined", "ssid", ssid, "ip", ip)
	return nil
}

// ScanNetworks runs a WiFi scan and reports the results on the bus as well.
func (g *Gateway) ScanNetworks(ctx context.Context) ([]ncp.AccessPoint, error) {
	aps, err := g.drv.Scan(ctx)
	if err != nil {
		return nil, err
	}
	g.events.Emit(Event{Type: EventScanDone, Data: map[string]any{"count": len(aps)}})
	return aps, nil
}

// installCallbacks routes driver callbacks onto the bus. Driver callbacks run
// on the engine's event pump, so anything that issues commands or blocks is
// pushed to a worker goroutine.
func (g *Gateway) installCallbacks() {
	g.drv.OnWiFiEvent(func(ev ncp.WiFiEvent) {
		switch ev.Kind {
		case ncp.WiFiEventConnected:
			g.setWiFiConnected(true)
		case ncp.WiFiEventDisconnected:
			g.setWiFiConnected(false)
		case ncp.WiFiEventGotIP:
			g.spawn(g.refreshIP)
		}
		g.events.Emit(Event{Type: EventWiFiState, Data: map[string]any{
			"kind": wifiKindName(ev.Kind),
			"raw":  ev.Raw,
		}})
	})

	g.drv.OnNetEvent(func(ev ncp.NetEvent) {
		g.events.Emit(Event{Type: EventNetSocket, Data: ev})
	})

	g.drv.OnMQTTConnection(func(connected bool) {
		g.mu.Lock()
		g.status.MQTTConnected = connected
		g.status.UpdatedAt = time.Now()
		g.mu.Unlock()
		g.events.Emit(Event{Type: EventMQTTState, Data: map[string]any{"connected": connected}})
	})

	g.drv.OnMQTTMessage(g.cfg.MQTTBufSize, func(topic string, payload []byte) {
		g.events.Emit(Event{Type: EventMQTTMessage, Data: map[string]any{
			"topic":   topic,
			"payload": string(payload),
		}})
	})

	g.drv.OnBLEEvent(func(raw string) {
		if peer, ok := parseBLEScanRecord(raw); ok {
			if err := g.db.SavePeer(peer); err != nil {
				g.logger.Error("persist ble peer", "address", peer.Address, "err", err)
			}
			g.events.Emit(Event{Type: EventBLEPeer, Data: peer})
			return
		}
		g.logger.Debug("ble event", "record", raw)
	})

	g.drv.OnBLEData(g.cfg.MQTTBufSize, func(ev ncp.BLEDataEvent) {
		g.events.Emit(Event{Type: EventBLEData, Data: map[string]any{
			"kind":    ev.Kind,
			"conn":    ev.Conn,
			"payload": ev.Payload,
		}})
	})
}

func (g *Gateway) setWiFiConnected(connected bool) {
	g.mu.Lock()
	g.status.WiFiConnected = connected
	if !connected {
		g.status.IP = ""
	}
	g.status.UpdatedAt = time.Now()
	g.mu.Unlock()
}

// refreshIP queries the station lease after a GOTIP event and persists it.
func (g *Gateway) refreshIP() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ip, err := g.drv.StationIP(ctx)
	if err != nil || ip == "" {
		return
	}

	g.mu.Lock()
	g.status.IP = ip
	ssid := g.status.SSID
	g.status.UpdatedAt = time.Now()
	g.mu.Unlock()

	if ssid != "" {
		err := g.db.UpdateNetwork(ssid, func(n *store.KnownNetwork) error {
			n.LastIP = ip
			n.LastSeen = time.Now()
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("update network lease", "ssid", ssid, "err", err)
		}
	}
	g.events.Emit(Event{Type: EventGatewayState, Data: g.Status()})
}

// spawn runs fn on a tracked goroutine unless the gateway is stopping.
func (g *Gateway) spawn(fn func()) {
	select {
	case <-g.done:
		return
	default:
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func wifiKindName(k ncp.WiFiEventKind) string {
	switch k {
	case ncp.WiFiEventConnecting:
		return "connecting"
	case ncp.WiFiEventConnected:
		return "connected"
	case ncp.WiFiEventDisconnected:
		return "disconnected"
	case ncp.WiFiEventGotIP:
		return "got_ip"
	case ncp.WiFiEventScanDone:
		return "scan_done"
	case ncp.WiFiEventError:
		return "error"
	default:
		return "unknown"
	}
}

// parseBLEScanRecord decodes +BLE:SCAN:"<addr>",<rssi>[,"<name>"].
func parseBLEScanRecord(raw string) (*store.BLEPeer, bool) {
	s, ok := strings.CutPrefix(raw, "+BLE:SCAN:")
	if !ok {
		return nil, false
	}
	if !strings.HasPrefix(s, `"`) {
		return nil, false
	}
	end := strings.IndexByte(s[1:], '"')
	if end < 0 {
		return nil, false
	}
	addr := s[1 : 1+end]
	s = strings.TrimPrefix(s[end+2:], ",")

	rssiField := s
	var name string
	if comma := strings.IndexByte(s, ','); comma >= 0 {
		rssiField = s[:comma]
		name = strings.Trim(s[comma+1:], `"`)
	}
	rssi, err := strconv.Atoi(rssiField)
	if err != nil {
		return nil, false
	}
	return &store.BLEPeer{Address: addr, Name: name, RSSI: rssi, LastSeen: time.Now()}, true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
