package tokenring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/quorumdb/corering/pkg/corerr"
	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/partition"
)

// ReplicationStrategy is the minimal capability the pending-range calculator
// needs from a replication strategy (spec.md §4.5). Defined here, rather
// than in pkg/strategy, so pkg/strategy can depend on pkg/tokenring without
// a cycle; pkg/strategy's concrete strategies implement this interface.
type ReplicationStrategy interface {
	// CalculateNaturalEndpoints returns the ordered natural-replica list for
	// token (first = primary).
	CalculateNaturalEndpoints(token partition.Token, tm *Metadata) ([]endpoint.ID, error)
	// AddressRanges returns, for every endpoint currently in tm, the set of
	// ranges it's a natural replica for.
	AddressRanges(tm *Metadata) (map[string][]Range, error)
}

type tokenEntry struct {
	token partition.Token
	id    endpoint.ID
}

type movingEntry struct {
	newToken partition.Token
	id       endpoint.ID
}

// PendingRange names a range and the endpoints that will become (additional)
// natural replicas for it once in-flight topology changes settle.
type PendingRange struct {
	Range     Range
	Endpoints []endpoint.ID
}

// Metadata is the authoritative local token→endpoint map, plus the derived
// bootstrap/leaving/moving/replacement views, topology, and per-keyspace
// pending-ranges cache (spec.md §3).
//
// Mutators take the write lock; observers take the read lock, matching the
// single fair reader/writer lock described in spec.md §5. Pending-range
// calculation uses the separate pendingMu monitor so long calculations don't
// block readers of the token→endpoint view (spec.md §4.4/§5).
type Metadata struct {
	mu          sync.RWMutex
	partitioner partition.Partitioner
	logger      log.Logger

	tokenToEndpoint map[string]tokenEntry // token.String() -> entry
	sortedTokens    []partition.Token      // cached ascending; kept in sync with tokenToEndpoint

	allEndpoints map[string]endpoint.ID

	bootstrapTokens map[string]tokenEntry // token.String() -> entry

	leavingEndpoints map[string]endpoint.ID

	movingEndpoints map[string]movingEntry // newToken.String() -> entry

	replacementToOriginal map[string]endpoint.ID // new endpoint key -> original id

	topology *Topology

	pendingMu     sync.Mutex
	pendingRanges map[string][]PendingRange // keyspace -> pending ranges

	ringVersion atomic.Int64
}

// NewMetadata constructs empty ring metadata for the given partitioner.
func NewMetadata(p partition.Partitioner, logger log.Logger) *Metadata {
	return &Metadata{
		partitioner:           p,
		logger:                logger,
		tokenToEndpoint:       map[string]tokenEntry{},
		allEndpoints:          map[string]endpoint.ID{},
		bootstrapTokens:       map[string]tokenEntry{},
		leavingEndpoints:      map[string]endpoint.ID{},
		movingEndpoints:       map[string]movingEntry{},
		replacementToOriginal: map[string]endpoint.ID{},
		topology:              NewTopology(),
		pendingRanges:         map[string][]PendingRange{},
	}
}

// Partitioner returns the configured partitioner.
func (m *Metadata) Partitioner() partition.Partitioner { return m.partitioner }

// RingVersion returns the monotonic counter incremented on every mutation
// (spec.md §3); it provides a happens-before fence for derived caches.
func (m *Metadata) RingVersion() int64 { return m.ringVersion.Load() }

func (m *Metadata) bumpVersion() { m.ringVersion.Inc() }

func (m *Metadata) resortTokens() {
	tokens := make([]partition.Token, 0, len(m.tokenToEndpoint))
	for _, e := range m.tokenToEndpoint {
		tokens = append(tokens, e.token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Compare(tokens[j]) < 0 })
	m.sortedTokens = tokens
}

func tkey(t partition.Token) string { return t.String() }

// UpdateNormalTokens transfers endpoint out of the bootstrap/leaving/moving/
// replacement sets (if present) and places tokens in tokenToEndpoint,
// re-sorting sortedTokens if the map changed. Warns on ownership transfer.
// Increments ringVersion (spec.md §4.4).
func (m *Metadata) UpdateNormalTokens(id endpoint.ID, tokens []partition.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, t := range tokens {
		k := tkey(t)
		if existing, ok := m.tokenToEndpoint[k]; ok && !existing.id.Equals(id) {
			level.Warn(m.logger).Log("msg", "token ownership transferred", "token", k, "from", existing.id.String(), "to", id.String())
		}
		m.tokenToEndpoint[k] = tokenEntry{token: t, id: id}
		changed = true
	}

	for k, e := range m.bootstrapTokens {
		if e.id.Equals(id) {
			delete(m.bootstrapTokens, k)
		}
	}
	delete(m.leavingEndpoints, id.Key())
	for k, e := range m.movingEndpoints {
		if e.id.Equals(id) {
			delete(m.movingEndpoints, k)
		}
	}
	delete(m.replacementToOriginal, id.Key())

	m.allEndpoints[id.Key()] = id

	if changed {
		m.resortTokens()
	}
	m.bumpVersion()
}

// AddBootstrapTokens rejects token collisions with another bootstrapper or
// with a normal endpoint that is not the replacement original (spec.md
// §4.4, §7 StateConflict).
func (m *Metadata) AddBootstrapTokens(tokens []partition.Token, id endpoint.ID, original *endpoint.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tokens {
		k := tkey(t)
		if e, ok := m.bootstrapTokens[k]; ok && !e.id.Equals(id) {
			return errors.Wrapf(corerr.ErrStateConflict, "tokenring: bootstrap token %s already claimed by %s", k, e.id)
		}
		if e, ok := m.tokenToEndpoint[k]; ok && !e.id.Equals(id) {
			if original == nil || !e.id.Equals(*original) {
				return errors.Wrapf(corerr.ErrStateConflict, "tokenring: bootstrap token %s collides with normal endpoint %s", k, e.id)
			}
		}
	}

	for _, t := range tokens {
		m.bootstrapTokens[tkey(t)] = tokenEntry{token: t, id: id}
	}
	if original != nil {
		m.replacementToOriginal[id.Key()] = *original
	}
	m.allEndpoints[id.Key()] = id
	m.bumpVersion()
	return nil
}

// AddLeavingEndpoint marks id as decommissioning.
func (m *Metadata) AddLeavingEndpoint(id endpoint.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leavingEndpoints[id.Key()] = id
	m.allEndpoints[id.Key()] = id
	m.bumpVersion()
}

// AddMovingEndpoint records that id is relocating to newToken.
func (m *Metadata) AddMovingEndpoint(newToken partition.Token, id endpoint.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movingEndpoints[tkey(newToken)] = movingEntry{newToken: newToken, id: id}
	m.bumpVersion()
}

// RemoveEndpoint removes id from every set and its topology entry.
func (m *Metadata) RemoveEndpoint(id endpoint.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for k, e := range m.tokenToEndpoint {
		if e.id.Equals(id) {
			delete(m.tokenToEndpoint, k)
			changed = true
		}
	}
	for k, e := range m.bootstrapTokens {
		if e.id.Equals(id) {
			delete(m.bootstrapTokens, k)
		}
	}
	delete(m.leavingEndpoints, id.Key())
	for k, e := range m.movingEndpoints {
		if e.id.Equals(id) {
			delete(m.movingEndpoints, k)
		}
	}
	delete(m.replacementToOriginal, id.Key())
	delete(m.allEndpoints, id.Key())
	m.topology.RemoveEndpoint(id)

	if changed {
		m.resortTokens()
	}
	m.bumpVersion()
}

// Topology returns the live topology (DC/rack bookkeeping). Callers that
// want a stable view should use CloneOnlyTokenMap instead.
func (m *Metadata) Topology() *Topology { return m.topology }

// SortedTokens returns the cached ascending token list. Per invariant, it is
// always strictly ascending and equal to the sorted key set of
// tokenToEndpoint (spec.md §3, §8).
func (m *Metadata) SortedTokens() []partition.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]partition.Token, len(m.sortedTokens))
	copy(out, m.sortedTokens)
	return out
}

// EndpointForToken returns the endpoint currently owning t, if any.
func (m *Metadata) EndpointForToken(t partition.Token) (endpoint.ID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tokenToEndpoint[tkey(t)]
	return e.id, ok
}

// TokensOf returns the tokens currently owned by id in tokenToEndpoint.
func (m *Metadata) TokensOf(id endpoint.ID) []partition.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []partition.Token
	for _, e := range m.tokenToEndpoint {
		if e.id.Equals(id) {
			out = append(out, e.token)
		}
	}
	return out
}

// AllEndpoints returns every known endpoint identity.
func (m *Metadata) AllEndpoints() []endpoint.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]endpoint.ID, 0, len(m.allEndpoints))
	for _, id := range m.allEndpoints {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// LeavingEndpoints returns endpoints currently decommissioning.
func (m *Metadata) LeavingEndpoints() []endpoint.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]endpoint.ID, 0, len(m.leavingEndpoints))
	for _, id := range m.leavingEndpoints {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// BootstrapTokens returns the current bootstrap token -> endpoint entries.
func (m *Metadata) BootstrapTokens() map[partition.Token]endpoint.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[partition.Token]endpoint.ID, len(m.bootstrapTokens))
	for _, e := range m.bootstrapTokens {
		out[e.token] = e.id
	}
	return out
}

// MovingEndpoints returns the current (newToken, endpoint) moving pairs.
func (m *Metadata) MovingEndpoints() map[partition.Token]endpoint.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[partition.Token]endpoint.ID, len(m.movingEndpoints))
	for _, e := range m.movingEndpoints {
		out[e.newToken] = e.id
	}
	return out
}

// PrimaryRange returns (predecessor(t), t] using binary search over
// sortedTokens, O(log n). When the endpoint owns the smallest token, the
// primary range wraps: (largestToken, smallestToken] (spec.md §4.4, §8).
func (m *Metadata) PrimaryRange(t partition.Token) (Range, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.sortedTokens)
	if n == 0 {
		return Range{}, fmt.Errorf("tokenring: primary range requested on empty ring")
	}
	idx := sort.Search(n, func(i int) bool { return m.sortedTokens[i].Compare(t) >= 0 })
	if idx == n || m.sortedTokens[idx].Compare(t) != 0 {
		// Programmer invariant: t must be a token currently in the ring.
		panic(fmt.Sprintf("tokenring: token %s not present in sortedTokens", t))
	}
	predIdx := (idx - 1 + n) % n
	return Range{Left: m.sortedTokens[predIdx], Right: t}, nil
}

// CloneOnlyTokenMap returns a read-only deep snapshot of the token→endpoint
// view and topology (spec.md §4.4).
func (m *Metadata) CloneOnlyTokenMap() *Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := NewMetadata(m.partitioner, m.logger)
	for k, e := range m.tokenToEndpoint {
		out.tokenToEndpoint[k] = e
		out.allEndpoints[e.id.Key()] = e.id
	}
	out.resortTokens()
	out.topology = m.topology.Clone()
	out.ringVersion.Store(m.ringVersion.Load())
	return out
}

// CloneAfterAllLeft simulates the ring after every leaving endpoint's tokens
// have been removed (spec.md §4.4).
func (m *Metadata) CloneAfterAllLeft() *Metadata {
	out := m.CloneOnlyTokenMap()
	m.mu.RLock()
	leaving := make([]endpoint.ID, 0, len(m.leavingEndpoints))
	for _, id := range m.leavingEndpoints {
		leaving = append(leaving, id)
	}
	m.mu.RUnlock()

	for _, id := range leaving {
		out.RemoveEndpoint(id)
	}
	return out
}

// CloneAfterAllSettled simulates the ring after all leaves and moves have
// completed (spec.md §4.4).
func (m *Metadata) CloneAfterAllSettled() *Metadata {
	out := m.CloneAfterAllLeft()

	m.mu.RLock()
	moving := make([]movingEntry, 0, len(m.movingEndpoints))
	for _, e := range m.movingEndpoints {
		moving = append(moving, e)
	}
	m.mu.RUnlock()

	for _, e := range moving {
		out.UpdateNormalTokens(e.id, []partition.Token{e.newToken})
	}
	return out
}
