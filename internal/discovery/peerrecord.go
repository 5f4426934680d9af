package discovery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkmesh/node/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	peerKeyPrefix  = "peer/"
	staleThreshold = 24 * time.Hour
)

// Connection states a PeerRecord can be in. Only the event loop transitions
// a record between them.
const (
	StateDisconnected = "disconnected"
	StateDialing      = "dialing"
	StateConnected    = "connected"
)

// PeerRecord is the address book's entry for one peer: every multiaddress
// it has ever been observed at, its optional human alias, its cached
// signing key, and enough timing state to drive accelerated reconnects.
type PeerRecord struct {
	ID              string   `json:"id"`
	Addrs           []string `json:"addrs"`
	Alias           string   `json:"alias,omitempty"`
	State           string   `json:"state"`
	LastSeen        int64    `json:"last_seen"`
	LastConnectedAt int64    `json:"last_connected_at,omitempty"`
	PublicKey       []byte   `json:"public_key,omitempty"`
}

// PeerStore persists PeerRecords under the "peer/" prefix of a storage.DB.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore wraps db as a PeerStore.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerKeyFromString(id string) []byte {
	return []byte(peerKeyPrefix + id)
}

func peerKey(id peer.ID) []byte {
	return peerKeyFromString(id.String())
}

// Save persists (or overwrites) a peer record.
func (ps *PeerStore) Save(rec PeerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("discovery: marshal peer record: %w", err)
	}
	return ps.db.Put(peerKeyFromString(rec.ID), data)
}

// Load retrieves a single peer record by ID.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get(peerKey(id))
	if err != nil {
		return nil, fmt.Errorf("discovery: get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("discovery: unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every persisted peer record.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: iterate peer records: %w", err)
	}
	return records, nil
}

// Delete removes a peer record.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete(peerKey(id))
}

// PruneStale removes records not seen within threshold, returning the count removed.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	var stale [][]byte
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			k := make([]byte, len(key))
			copy(k, key)
			stale = append(stale, k)
			return nil
		}
		if rec.LastSeen < cutoff {
			k := make([]byte, len(key))
			copy(k, key)
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("discovery: iterate for prune: %w", err)
	}
	for _, k := range stale {
		if err := ps.db.Delete(k); err != nil {
			return 0, fmt.Errorf("discovery: delete stale peer: %w", err)
		}
	}
	return len(stale), nil
}
