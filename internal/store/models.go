package store

import "time"

// KnownNetwork is a WiFi network the gateway has joined before. The stored
// password lets the gateway rejoin after a restart without operator input.
// The password is hidden from API/JSON serialization via json:"-".
type KnownNetwork struct {
	SSID     string    `json:"ssid"`
	Password string    `json:"-"`
	BSSID    string    `json:"bssid,omitempty"`
	LastIP   string    `json:"last_ip,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// knownNetworkStorage is the internal struct used for DB serialization,
// preserving the password on disk.
type knownNetworkStorage struct {
	SSID     string    `json:"ssid"`
	Password string    `json:"password,omitempty"`
	BSSID    string    `json:"bssid,omitempty"`
	LastIP   string    `json:"last_ip,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// BLEPeer is a BLE device seen during scans or connected to at some point.
type BLEPeer struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// GatewayState is the single persisted snapshot of the gateway itself.
type GatewayState struct {
	LastSSID  string    `json:"last_ssid,omitempty"`
	LastIP    string    `json:"last_ip,omitempty"`
	Firmware  string    `json:"firmware,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
