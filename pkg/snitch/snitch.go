// Package snitch implements the proximity/DC/rack lookup collaborator
// consumed by the planner and replication strategy (spec.md §4.5, §6).
package snitch

import (
	"sort"

	"github.com/quorumdb/corering/pkg/endpoint"
)

// Snitch is the capability the core requires (spec.md §6).
type Snitch interface {
	GetDatacenter(id endpoint.ID) string
	GetRack(id endpoint.ID) string
	// GetSortedListByProximity returns endpoints sorted by proximity to
	// self (closest first).
	GetSortedListByProximity(self endpoint.ID, endpoints []endpoint.ID) []endpoint.ID
	SortByProximity(self endpoint.ID, endpoints []endpoint.ID)
	// CompareEndpoints orders a and b by proximity to target: negative if a
	// is closer, positive if b is closer, zero if equally close.
	CompareEndpoints(target, a, b endpoint.ID) int
	GossiperStarting()
}

// Locator resolves an endpoint's (DC, rack); implemented by whatever keeps
// the authoritative topology (pkg/tokenring.Topology satisfies this shape).
type Locator interface {
	GetDatacenter(id endpoint.ID) string
	GetRack(id endpoint.ID) string
}

// Simple is a no-op snitch: every endpoint is in the same (unnamed) DC and
// rack, and proximity ordering is the identity (input order unchanged).
// This is the snitch the planner's determinism tests pin (spec.md §9 Open
// Question: "the planner's determinism tests pin a specific fake").
type Simple struct{}

func (Simple) GetDatacenter(endpoint.ID) string { return "" }
func (Simple) GetRack(endpoint.ID) string       { return "" }

func (Simple) GetSortedListByProximity(_ endpoint.ID, endpoints []endpoint.ID) []endpoint.ID {
	out := make([]endpoint.ID, len(endpoints))
	copy(out, endpoints)
	return out
}

func (Simple) SortByProximity(endpoint.ID, []endpoint.ID) {}

func (Simple) CompareEndpoints(_, _, _ endpoint.ID) int { return 0 }

func (Simple) GossiperStarting() {}

// RackInferring takes each endpoint's DC/rack from its Locator (it does not
// parse the broadcast address) and sorts by: self first, then same DC and
// rack, then same DC, then the rest — each group stable by endpoint
// ordering.
type RackInferring struct {
	locate Locator
}

// NewRackInferring wraps a Locator (typically *tokenring.Topology) that
// already knows each endpoint's DC/rack from gossip-projected state.
func NewRackInferring(locate Locator) *RackInferring {
	return &RackInferring{locate: locate}
}

func (s *RackInferring) GetDatacenter(id endpoint.ID) string { return s.locate.GetDatacenter(id) }
func (s *RackInferring) GetRack(id endpoint.ID) string       { return s.locate.GetRack(id) }

func (s *RackInferring) proximityRank(self, id endpoint.ID) int {
	if id.Equals(self) {
		return 0
	}
	sameDC := s.GetDatacenter(id) == s.GetDatacenter(self)
	sameRack := sameDC && s.GetRack(id) == s.GetRack(self)
	switch {
	case sameRack:
		return 1
	case sameDC:
		return 2
	default:
		return 3
	}
}

func (s *RackInferring) GetSortedListByProximity(self endpoint.ID, endpoints []endpoint.ID) []endpoint.ID {
	out := make([]endpoint.ID, len(endpoints))
	copy(out, endpoints)
	s.SortByProximity(self, out)
	return out
}

func (s *RackInferring) SortByProximity(self endpoint.ID, endpoints []endpoint.ID) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		ri, rj := s.proximityRank(self, endpoints[i]), s.proximityRank(self, endpoints[j])
		if ri != rj {
			return ri < rj
		}
		return endpoints[i].Compare(endpoints[j]) < 0
	})
}

func (s *RackInferring) CompareEndpoints(target, a, b endpoint.ID) int {
	ra, rb := s.proximityRank(target, a), s.proximityRank(target, b)
	return ra - rb
}

func (s *RackInferring) GossiperStarting() {}
