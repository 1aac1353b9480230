package strategy

import (
	"fmt"

	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/partition"
	"github.com/quorumdb/corering/pkg/tokenring"
)

// NetworkTopology replicates per-DC replica counts, walking the ring
// accumulating replicas while preferring distinct racks within a DC and
// falling back to same-rack only once every rack in that DC holds one
// replica (spec.md §4.5).
type NetworkTopology struct {
	// ReplicationFactors maps datacenter name to the number of replicas
	// that datacenter should hold.
	ReplicationFactors map[string]int
}

var _ tokenring.ReplicationStrategy = NetworkTopology{}

func (n NetworkTopology) totalRF() int {
	total := 0
	for _, rf := range n.ReplicationFactors {
		total += rf
	}
	return total
}

// CalculateNaturalEndpoints walks the ring starting at token, assigning
// replicas per-DC until every DC's replication factor is satisfied or the
// whole ring has been walked.
func (n NetworkTopology) CalculateNaturalEndpoints(token partition.Token, tm *tokenring.Metadata) ([]endpoint.ID, error) {
	tokens := tm.SortedTokens()
	if len(tokens) == 0 {
		return nil, fmt.Errorf("strategy: empty ring")
	}
	topo := tm.Topology()

	type dcProgress struct {
		replicas     int
		racksUsed    map[string]struct{}
		rackFallback bool
		skipped      []endpoint.ID // same-rack endpoints passed over, in ring order
	}
	progress := map[string]*dcProgress{}
	for dc := range n.ReplicationFactors {
		progress[dc] = &dcProgress{racksUsed: map[string]struct{}{}}
	}

	var replicas []endpoint.ID
	seen := map[string]struct{}{}
	total := n.totalRF()

	start := searchToken(tokens, token)
	for i, steps := start, 0; steps < len(tokens) && len(replicas) < total; i, steps = (i+1)%len(tokens), steps+1 {
		id, ok := tm.EndpointForToken(tokens[i])
		if !ok {
			continue
		}
		if _, dup := seen[id.Key()]; dup {
			continue
		}
		loc, ok := topo.Location(id)
		dc := ""
		rack := ""
		if ok {
			dc, rack = loc.DC, loc.Rack
		}
		rf, wanted := n.ReplicationFactors[dc]
		if !wanted {
			continue
		}
		p := progress[dc]
		if p.replicas >= rf {
			continue
		}

		rackCount := len(topo.RacksInDatacenter(dc))
		_, usedRack := p.racksUsed[rack]
		if usedRack && !p.rackFallback && len(p.racksUsed) < rackCount {
			// Prefer a distinct rack first; hold repeats back until every
			// rack in this DC has at least one replica.
			p.skipped = append(p.skipped, id)
			continue
		}

		seen[id.Key()] = struct{}{}
		p.racksUsed[rack] = struct{}{}
		p.replicas++
		replicas = append(replicas, id)
		if len(p.racksUsed) >= rackCount && !p.rackFallback {
			p.rackFallback = true
			// Every rack now holds a replica: take the held-back same-rack
			// endpoints first, in the order the walk met them.
			for _, s := range p.skipped {
				if _, dup := seen[s.Key()]; dup || p.replicas >= rf {
					continue
				}
				seen[s.Key()] = struct{}{}
				p.replicas++
				replicas = append(replicas, s)
			}
			p.skipped = nil
		}
	}
	return replicas, nil
}

// AddressRanges returns, for each endpoint currently in tm, the ranges it's
// a natural replica for.
func (n NetworkTopology) AddressRanges(tm *tokenring.Metadata) (map[string][]tokenring.Range, error) {
	tokens := tm.SortedTokens()
	out := map[string][]tokenring.Range{}
	if len(tokens) == 0 {
		return out, nil
	}

	for i, t := range tokens {
		predIdx := (i - 1 + len(tokens)) % len(tokens)
		r := tokenring.Range{Left: tokens[predIdx], Right: t}

		replicas, err := n.CalculateNaturalEndpoints(t, tm)
		if err != nil {
			return nil, err
		}
		for _, id := range replicas {
			out[id.Key()] = append(out[id.Key()], r)
		}
	}
	return out, nil
}
