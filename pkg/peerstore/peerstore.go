// Package peerstore implements the small, non-durable "persisted peers
// table" collaborator (spec.md §6): address -> (host UUID, tokens, DC,
// rack, preferred address). The core only reads it at startup and writes
// to it via subscriber notifications; it claims no durability guarantee
// (spec.md §1 Non-goals).
package peerstore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quorumdb/corering/pkg/endpoint"
)

// PeerRecord is one row of the peers table.
type PeerRecord struct {
	HostID           string
	Tokens           []string
	DC               string
	Rack             string
	PreferredAddress endpoint.Addr
}

// DefaultCapacity bounds the in-memory peer cache; a production cluster
// with more live members than this would be unusual for a single node's
// local peer cache, and an LRU eviction is an acceptable approximation
// (the cache reseeds itself from gossip on the next observation).
const DefaultCapacity = 8192

// Store is the in-memory peers table. Every method, reads included, holds
// s.mu around the underlying LRU; Save notifies nothing on its own —
// callers (subscribers) decide when to persist.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, PeerRecord]
}

// New constructs a Store with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, PeerRecord](capacity)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

// Save upserts the peer record for id's broadcast address.
func (s *Store) Save(id endpoint.ID, rec PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(id.Broadcast.String(), rec)
}

// Load returns the saved record for addr, if any.
func (s *Store) Load(addr endpoint.Addr) (PeerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(addr.String())
}

// LocalHostID mirrors the real system's SystemKeyspace.getLocalHostId()
// accessor (spec.md §6): the local node's own persisted identity, read
// once at startup. An empty string means no identity has been persisted
// yet and a fresh UUID should be minted and saved.
func (s *Store) LocalHostID() (string, bool) {
	rec, ok := s.Load(endpoint.Addr{})
	return rec.HostID, ok
}

// SaveLocalHostID persists the local node's own identity under the zero
// address sentinel, mirroring the single-row nature of the real system's
// local table.
func (s *Store) SaveLocalHostID(hostID string) {
	s.Save(endpoint.ID{Broadcast: endpoint.Addr{}}, PeerRecord{HostID: hostID})
}

// All returns every known peer record, keyed by broadcast address string.
func (s *Store) All() map[string]PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PeerRecord, s.cache.Len())
	for _, key := range s.cache.Keys() {
		if rec, ok := s.cache.Peek(key); ok {
			out[key] = rec
		}
	}
	return out
}

// Remove discards addr's record, e.g. after decommission or assassination.
func (s *Store) Remove(addr endpoint.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(addr.String())
}
