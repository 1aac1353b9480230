// Package strategy implements the replication-strategy collaborator
// (spec.md §4.5): mapping tokens to natural-replica sets. Two canonical
// strategies are provided so tests can exercise the planner, as spec.md
// directs.
package strategy

import (
	"fmt"

	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/partition"
	"github.com/quorumdb/corering/pkg/tokenring"
)

// Simple is the RF endpoints whose tokens follow token on the ring
// (spec.md §4.5).
type Simple struct {
	RF int
}

var _ tokenring.ReplicationStrategy = Simple{}

// CalculateNaturalEndpoints walks sortedTokens starting at the first token
// >= the given token, collecting distinct endpoints until RF are found.
func (s Simple) CalculateNaturalEndpoints(token partition.Token, tm *tokenring.Metadata) ([]endpoint.ID, error) {
	tokens := tm.SortedTokens()
	if len(tokens) == 0 {
		return nil, fmt.Errorf("strategy: empty ring")
	}

	start := searchToken(tokens, token)
	var replicas []endpoint.ID
	seen := map[string]struct{}{}

	for i, n := start, 0; n < len(tokens) && len(replicas) < s.RF; i, n = (i+1)%len(tokens), n+1 {
		id, ok := tm.EndpointForToken(tokens[i])
		if !ok {
			continue
		}
		if _, dup := seen[id.Key()]; dup {
			continue
		}
		seen[id.Key()] = struct{}{}
		replicas = append(replicas, id)
	}
	return replicas, nil
}

// AddressRanges returns, for each endpoint currently in tm, the ranges it's
// a natural replica for: for every token on the ring, the primary range of
// that token's owner is assigned to the RF endpoints starting there.
func (s Simple) AddressRanges(tm *tokenring.Metadata) (map[string][]tokenring.Range, error) {
	tokens := tm.SortedTokens()
	out := map[string][]tokenring.Range{}
	if len(tokens) == 0 {
		return out, nil
	}

	for i, t := range tokens {
		predIdx := (i - 1 + len(tokens)) % len(tokens)
		r := tokenring.Range{Left: tokens[predIdx], Right: t}

		replicas, err := s.CalculateNaturalEndpoints(t, tm)
		if err != nil {
			return nil, err
		}
		for _, id := range replicas {
			out[id.Key()] = append(out[id.Key()], r)
		}
	}
	return out, nil
}

// searchToken returns the index of the first token >= target, wrapping to 0
// if none is found (matches the teacher's searchToken/binary-search idiom in
// ring.go, generalized from uint32 to partition.Token).
func searchToken(tokens []partition.Token, target partition.Token) int {
	lo, hi := 0, len(tokens)
	for lo < hi {
		mid := (lo + hi) / 2
		if tokens[mid].Compare(target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(tokens) {
		return 0
	}
	return lo
}
