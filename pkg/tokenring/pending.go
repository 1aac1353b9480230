package tokenring

import (
	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/partition"
)

// CalculatePendingRanges recomputes pendingRanges[keyspace] from a snapshot
// of (tokenToEndpoint, bootstrapTokens, leavingEndpoints, movingEndpoints)
// taken under the read lock, then runs lock-free (spec.md §4.4, §5).
//
// The algorithm deliberately over-approximates: every endpoint that could
// conceivably end up a natural replica of a range, under any order the
// concurrent topology changes might settle in, is recorded as a pending
// destination. Over-pending is safe (extra writes get compacted away);
// under-pending loses writes (spec.md §4.4 Rationale, §8 Pending-range
// over-approximation invariant).
func (m *Metadata) CalculatePendingRanges(keyspace string, strategy ReplicationStrategy) error {
	base := m.CloneOnlyTokenMap()

	m.mu.RLock()
	leaving := make([]endpoint.ID, 0, len(m.leavingEndpoints))
	for _, id := range m.leavingEndpoints {
		leaving = append(leaving, id)
	}
	bootstraps := map[string][]tokenEntry{}
	for _, e := range m.bootstrapTokens {
		bootstraps[e.id.Key()] = append(bootstraps[e.id.Key()], e)
	}
	movers := make([]movingEntry, 0, len(m.movingEndpoints))
	for _, e := range m.movingEndpoints {
		movers = append(movers, e)
	}
	m.mu.RUnlock()

	baseRanges, err := strategy.AddressRanges(base)
	if err != nil {
		return err
	}

	pending := map[string]*PendingRange{} // range.String() -> pending entry

	addPending := func(r Range, dest endpoint.ID) {
		key := r.String()
		pr, ok := pending[key]
		if !ok {
			pr = &PendingRange{Range: r}
			pending[key] = pr
		}
		for _, existing := range pr.Endpoints {
			if existing.Equals(dest) {
				return
			}
		}
		pr.Endpoints = append(pr.Endpoints, dest)
	}

	// Step 3: ranges owned by leaving endpoints move to their post-leave
	// natural replicas.
	allLeft := base.CloneOnlyTokenMap()
	for _, id := range leaving {
		allLeft.RemoveEndpoint(id)
	}
	if len(leaving) > 0 {
		for _, id := range leaving {
			for _, r := range baseRanges[id.Key()] {
				naturalBefore, err := strategy.CalculateNaturalEndpoints(r.Right, base)
				if err != nil {
					return err
				}
				naturalAfter, err := strategy.CalculateNaturalEndpoints(r.Right, allLeft)
				if err != nil {
					return err
				}
				for _, dest := range setDifference(naturalAfter, naturalBefore) {
					addPending(r, dest)
				}
			}
		}
	}

	// Step 4: each bootstrapping endpoint is evaluated in isolation against
	// the post-leave ring, then discarded, so bootstrappers don't shadow
	// each other's pending destinations (spec.md §8 scenario 5).
	for _, entries := range bootstraps {
		working := allLeft.CloneOnlyTokenMap()
		id := entries[0].id
		working.UpdateNormalTokens(id, tokensFrom(entries))
		afterRanges, err := strategy.AddressRanges(working)
		if err != nil {
			return err
		}
		for _, r := range afterRanges[id.Key()] {
			addPending(r, id)
		}
	}

	// Step 5: for each moving endpoint, find the ranges whose natural
	// replica set changes between the endpoint's old and new token, and
	// record the destinations newly gaining replica status.
	for _, mv := range movers {
		working := allLeft.CloneOnlyTokenMap()
		beforeRanges, err := strategy.AddressRanges(working)
		if err != nil {
			return err
		}
		oldOwned := append([]Range(nil), beforeRanges[mv.id.Key()]...)

		working.RemoveEndpoint(mv.id)
		working.UpdateNormalTokens(mv.id, []partition.Token{mv.newToken})
		afterRanges, err := strategy.AddressRanges(working)
		if err != nil {
			return err
		}
		newOwned := afterRanges[mv.id.Key()]

		affected := append(append([]Range(nil), oldOwned...), newOwned...)
		for _, r := range affected {
			naturalBefore, err := strategy.CalculateNaturalEndpoints(r.Right, allLeft)
			if err != nil {
				return err
			}
			naturalAfter, err := strategy.CalculateNaturalEndpoints(r.Right, working)
			if err != nil {
				return err
			}
			for _, dest := range setDifference(naturalAfter, naturalBefore) {
				addPending(r, dest)
			}
		}
	}

	out := make([]PendingRange, 0, len(pending))
	for _, pr := range pending {
		out = append(out, *pr)
	}

	m.pendingMu.Lock()
	m.pendingRanges[keyspace] = out
	m.pendingMu.Unlock()
	return nil
}

// GetPendingRanges returns the cached pending ranges for keyspace.
func (m *Metadata) GetPendingRanges(keyspace string) []PendingRange {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	out := make([]PendingRange, len(m.pendingRanges[keyspace]))
	copy(out, m.pendingRanges[keyspace])
	return out
}

func setDifference(a, b []endpoint.ID) []endpoint.ID {
	var out []endpoint.ID
	for _, x := range a {
		found := false
		for _, y := range b {
			if x.Equals(y) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}

func tokensFrom(entries []tokenEntry) []partition.Token {
	out := make([]partition.Token, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.token)
	}
	return out
}
