package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNetworks = []byte("networks")
	bucketPeers    = []byte("peers")
	bucketGateway  = []byte("gateway")
	keyGwState     = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNetworks, bucketPeers, bucketGateway} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveNetwork(n *KnownNetwork) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetworks)
		}
		data, err := json.Marshal(toNetworkStorage(n))
		if err != nil {
			return err
		}
		return b.Put([]byte(n.SSID), data)
	})
}

func (s *BoltStore) GetNetwork(ssid string) (*KnownNetwork, error) {
	var n *KnownNetwork
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetworks)
		}
		data := b.Get([]byte(ssid))
		if data == nil {
			return fmt.Errorf("network %s: %w", ssid, ErrNotFound)
		}
		var err error
		n, err = fromNetworkStorage(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *BoltStore) DeleteNetwork(ssid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetworks)
		}
		return b.Delete([]byte(ssid))
	})
}

func (s *BoltStore) ListNetworks() ([]*KnownNetwork, error) {
	var networks []*KnownNetwork
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b == nil {
			return nil // no bucket = no networks
		}
		networks = make([]*KnownNetwork, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			n, err := fromNetworkStorage(v)
			if err != nil {
				return err
			}
			networks = append(networks, n)
			return nil
		})
	})
	return networks, err
}

func (s *BoltStore) UpdateNetwork(ssid string, fn func(n *KnownNetwork) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetworks)
		}
		data := b.Get([]byte(ssid))
		if data == nil {
			return fmt.Errorf("network %s: %w", ssid, ErrNotFound)
		}
		n, err := fromNetworkStorage(data)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
		out, err := json.Marshal(toNetworkStorage(n))
		if err != nil {
			return err
		}
		return b.Put([]byte(n.SSID), out)
	})
}

func (s *BoltStore) SavePeer(p *BLEPeer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPeers)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Address), data)
	})
}

func (s *BoltStore) GetPeer(address string) (*BLEPeer, error) {
	var p BLEPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPeers)
		}
		data := b.Get([]byte(address))
		if data == nil {
			return fmt.Errorf("peer %s: %w", address, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPeers() ([]*BLEPeer, error) {
	var peers []*BLEPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return nil
		}
		peers = make([]*BLEPeer, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var p BLEPeer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			peers = append(peers, &p)
			return nil
		})
	})
	return peers, err
}

func (s *BoltStore) SaveGatewayState(st *GatewayState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyGwState, data)
	})
}

func (s *BoltStore) GetGatewayState() (*GatewayState, error) {
	var st GatewayState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data := b.Get(keyGwState)
		if data == nil {
			return fmt.Errorf("gateway state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// toNetworkStorage converts to the on-disk form, which keeps the password.
func toNetworkStorage(n *KnownNetwork) *knownNetworkStorage {
	return &knownNetworkStorage{
		SSID:     n.SSID,
		Password: n.Password,
		BSSID:    n.BSSID,
		LastIP:   n.LastIP,
		LastSeen: n.LastSeen,
	}
}

func fromNetworkStorage(data []byte) (*KnownNetwork, error) {
	var st knownNetworkStorage
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &KnownNetwork{
		SSID:     st.SSID,
		Password: st.Password,
		BSSID:    st.BSSID,
		LastIP:   st.LastIP,
		LastSeen: st.LastSeen,
	}, nil
}
