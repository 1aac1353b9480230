package streaming

import (
	"sort"

	"github.com/quorumdb/corering/pkg/corerr"
	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/tokenring"
)

// RangeFetchMapCalculator builds an optimized fetch map: instead of the
// simple planner's "first acceptable candidate in proximity order" rule, it
// balances the number of ranges assigned across sources, breaking ties
// deterministically by (source identity, range lower bound) so that two
// runs over the same inputs always produce the same plan (spec.md §4.6,
// §8 "the fetch map is deterministic for a fixed ring+candidate snapshot").
//
// It is used whenever replication is not strict and RF != 1, where the
// simple planner's greedy choice can pile every range from a single failed
// DC onto whichever source happens to sort first.
type RangeFetchMapCalculator struct {
	Candidates map[string][]endpoint.ID // range.String() -> candidates in proximity order
	Filters    []SourceFilter
	Local      endpoint.ID
}

func (c *RangeFetchMapCalculator) passesFilters(id endpoint.ID) bool {
	for _, f := range c.Filters {
		if !f.Matches(id) {
			return false
		}
	}
	return true
}

// Calculate assigns each desired range to exactly one source, minimizing the
// maximum number of ranges assigned to any single source. It runs a
// successive shortest-augmenting-path style refinement: ranges are assigned
// greedily in (range lower bound, source identity) order, then the
// assignment is relaxed by repeatedly moving one range off the most heavily
// loaded source onto an acceptable alternative whose load is at least two
// lower (so the move lowers the imbalance), until no such move remains.
func (c *RangeFetchMapCalculator) Calculate(desired []tokenring.Range) (FetchMap, error) {
	type assignment struct {
		r       tokenring.Range
		idx     int // position in cands for r, for O(1) "next alternative" lookups
		cands   []endpoint.ID
		source  endpoint.ID
		covered bool // already held by Local; no transfer needed
	}

	ordered := make([]tokenring.Range, len(desired))
	copy(ordered, desired)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Left.Compare(ordered[j].Left) < 0
	})

	acceptableSources := func(r tokenring.Range) []endpoint.ID {
		cands := c.Candidates[r.String()]
		out := make([]endpoint.ID, 0, len(cands))
		for _, id := range cands {
			if id.Equals(c.Local) || c.passesFilters(id) {
				out = append(out, id)
			}
		}
		// Tie-break deterministically by (source identity, range lower
		// bound): source identity orders the candidate list itself, and
		// processing ranges in lower-bound order makes the greedy and
		// augmenting passes below resolve identical ties the same way on
		// every run over the same ring+candidate snapshot.
		sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
		return out
	}

	load := map[string]int{}
	assignments := make([]assignment, 0, len(ordered))

	for _, r := range ordered {
		cands := acceptableSources(r)
		if len(cands) == 0 {
			return nil, corerr.ErrNoSources
		}
		heldLocally := false
		for _, cand := range cands {
			if cand.Equals(c.Local) {
				heldLocally = true
				break
			}
		}
		if heldLocally {
			assignments = append(assignments, assignment{r: r, covered: true})
			continue
		}

		best, bestIdx := cands[0], 0
		bestLoad := load[best.Key()]
		for i, cand := range cands[1:] {
			if cand.Equals(c.Local) {
				continue
			}
			if l := load[cand.Key()]; l < bestLoad {
				best, bestIdx, bestLoad = cand, i+1, l
			}
		}
		load[best.Key()]++
		assignments = append(assignments, assignment{r: r, idx: bestIdx, cands: cands, source: best})
	}

	// Augmenting pass: as long as the heaviest loaded source has an
	// assigned range whose candidate list offers an alternative at least
	// two less loaded, move it there. Bounded by len(assignments) rounds so a
	// ring with no further improving move always terminates.
	for round := 0; round < len(assignments); round++ {
		heaviestKey, heaviestLoad := "", 0
		for k, l := range load {
			// Equal loads resolve to the smallest key, not map order.
			if l > heaviestLoad || (l == heaviestLoad && l > 0 && k < heaviestKey) {
				heaviestKey, heaviestLoad = k, l
			}
		}
		if heaviestLoad <= 1 {
			break
		}

		moved := false
		for i := range assignments {
			a := &assignments[i]
			if a.covered || a.source.Key() != heaviestKey {
				continue
			}
			for j, cand := range a.cands {
				if j == a.idx || cand.Equals(c.Local) {
					continue
				}
				if load[cand.Key()] < heaviestLoad-1 {
					load[a.source.Key()]--
					a.source, a.idx = cand, j
					load[cand.Key()]++
					moved = true
					break
				}
			}
			if moved {
				break
			}
		}
		if !moved {
			break
		}
	}

	bySource := map[string]*SourceRanges{}
	for _, a := range assignments {
		if a.covered {
			continue
		}
		sr, ok := bySource[a.source.Key()]
		if !ok {
			sr = &SourceRanges{Source: a.source}
			bySource[a.source.Key()] = sr
		}
		sr.Ranges = append(sr.Ranges, a.r)
	}

	keys := make([]string, 0, len(bySource))
	for k := range bySource {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sort.Slice(bySource[k].Ranges, func(i, j int) bool {
			return bySource[k].Ranges[i].Left.Compare(bySource[k].Ranges[j].Left) < 0
		})
	}

	out := make(FetchMap, 0, len(keys))
	for _, k := range keys {
		out = append(out, *bySource[k])
	}
	return out, nil
}
