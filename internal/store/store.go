// Package store persists gateway state: known WiFi networks, BLE peers and
// the gateway snapshot. Backend: BoltDB.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Known WiFi networks
	SaveNetwork(n *KnownNetwork) error
	GetNetwork(ssid string) (*KnownNetwork, error)
	DeleteNetwork(ssid string) error
	ListNetworks() ([]*KnownNetwork, error)

	// UpdateNetwork atomically reads, modifies, and saves a network in a
	// single transaction. Returns ErrNotFound if the network does not exist.
	UpdateNetwork(ssid string, fn func(n *KnownNetwork) error) error

	// BLE peers
	SavePeer(p *BLEPeer) error
	GetPeer(address string) (*BLEPeer, error)
	ListPeers() ([]*BLEPeer, error)

	// Gateway snapshot
	SaveGatewayState(st *GatewayState) error
	GetGatewayState() (*GatewayState, error)

	// Close the store
	Close() error
}
