// Package gossip implements the anti-entropy membership protocol: a
// three-phase SYN/ACK/ACK2 reconciliation run on a fixed tick, the shadow
// round used by a joining node to learn cluster state, and the quarantine
// and assassination mechanics that keep removed endpoints from reappearing
// (spec.md §4.3).
package gossip

import (
	"math/rand"
	"sort"

	"github.com/quorumdb/corering/pkg/endpoint"
)

// Digest is one endpoint's (generation, maxVersion) pair as carried in a
// Syn message.
type Digest struct {
	ID         endpoint.ID
	Generation int64
	MaxVersion int32
}

// buildDigests shuffles the known endpoint set and pairs each with its
// current (generation, maxVersion), per spec.md §4.3 step 2.
func buildDigests(states map[string]*endpointRecord, rng *rand.Rand) []Digest {
	out := make([]Digest, 0, len(states))
	for _, rec := range states {
		hb := rec.state.Heartbeat()
		out = append(out, Digest{ID: rec.id, Generation: hb.Generation, MaxVersion: rec.state.GetMaxVersion()})
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// sortDigestsForTest sorts digests into endpoint-ID order, undoing the
// shuffle; no test calls it at present.
func sortDigestsForTest(d []Digest) {
	sort.Slice(d, func(i, j int) bool { return d[i].ID.Compare(d[j].ID) < 0 })
}
