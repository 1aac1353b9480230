package streaming

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/quorumdb/corering/pkg/corerr"
	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/partition"
	"github.com/quorumdb/corering/pkg/snitch"
	"github.com/quorumdb/corering/pkg/tokenring"
)

// StateStore records which ranges have already been durably received, so
// the planner can skip re-streaming them (spec.md §4.6 "Skip-already-
// streamed", §6).
type StateStore interface {
	GetAvailableRanges(keyspace string) map[string]struct{} // set of range.String()
}

// SourceRanges is one fetch-plan entry: a source endpoint and the ranges to
// pull from it.
type SourceRanges struct {
	Source endpoint.ID
	Ranges []tokenring.Range
}

// FetchMap is the planner's output: one entry per distinct source.
type FetchMap []SourceRanges

// Planner builds fetch plans from a ring snapshot, a replication strategy, a
// snitch, and source filters (spec.md §4.6).
type Planner struct {
	Local             endpoint.ID
	Keyspace          string
	Strategy          tokenring.ReplicationStrategy
	Snitch            snitch.Snitch
	Ring              *tokenring.Metadata
	Filters           []SourceFilter
	StrictConsistency bool
	LocalTokens       []partition.Token
	// ReplicationFactor, when != 1 and StrictConsistency is false, routes GetRangeFetchMap through the
	// load-balancing RangeFetchMapCalculator instead of the simple greedy
	// rule (spec.md §4.6).
	ReplicationFactor int

	StateStore StateStore
	Logger     log.Logger
}

func (p *Planner) passesFilters(id endpoint.ID) bool {
	for _, f := range p.Filters {
		if !f.Matches(id) {
			return false
		}
	}
	return true
}

// GetAllRangesWithSourcesFor is the non-strict candidate computation
// (spec.md §4.6): for each desired range, finds the ring range that
// contains it, takes the current replicas, sorts them by proximity to
// Local, and records all as candidates.
func (p *Planner) GetAllRangesWithSourcesFor(desired []tokenring.Range) (map[string][]endpoint.ID, error) {
	ringRanges, err := p.Strategy.AddressRanges(p.Ring)
	if err != nil {
		return nil, err
	}
	// Build a flat index of all natural ranges -> replica set, so we can
	// find which ring range contains each desired range.
	type rr struct {
		r        tokenring.Range
		replicas []endpoint.ID
	}
	var allRanges []rr
	seenRange := map[string]bool{}
	for epKey, ranges := range ringRanges {
		for _, r := range ranges {
			key := r.String()
			if seenRange[key] {
				continue
			}
			seenRange[key] = true
			replicas, err := p.Strategy.CalculateNaturalEndpoints(r.Right, p.Ring)
			if err != nil {
				return nil, err
			}
			allRanges = append(allRanges, rr{r: r, replicas: replicas})
			_ = epKey
		}
	}

	out := map[string][]endpoint.ID{}
	for _, d := range desired {
		var covering *rr
		for i := range allRanges {
			if rangeCovers(allRanges[i].r, d) {
				covering = &allRanges[i]
				break
			}
		}
		if covering == nil {
			return nil, errors.Wrapf(corerr.ErrNoSources, "streaming: no ring range covers desired range %s", d)
		}
		out[d.String()] = p.Snitch.GetSortedListByProximity(p.Local, covering.replicas)
	}
	return out, nil
}

// rangeCovers reports whether ring range r fully covers desired range d
// (d is a sub-range of r, both left-exclusive/right-inclusive arcs sharing
// orientation).
func rangeCovers(r, d tokenring.Range) bool {
	return r.Contains(d.Right) && (r.Left.Compare(d.Left) == 0 || r.Contains(d.Left) || d.Left.Compare(r.Left) == 0)
}

// GetAllRangesWithStrictSourcesFor is the strict-consistency candidate
// computation (spec.md §4.6): compute replicas before and after inserting
// the local node's tokens; the unique source is old \ new.
func (p *Planner) GetAllRangesWithStrictSourcesFor(desired []tokenring.Range, after *tokenring.Metadata) (map[string]endpoint.ID, error) {
	before, err := p.GetAllRangesWithSourcesFor(desired)
	if err != nil {
		return nil, err
	}

	afterRanges, err := p.Strategy.AddressRanges(after)
	if err != nil {
		return nil, err
	}
	out := map[string]endpoint.ID{}
	for _, d := range desired {
		beforeReplicas := before[d.String()]
		afterReplicas, err := p.Strategy.CalculateNaturalEndpoints(d.Right, after)
		if err != nil {
			return nil, err
		}
		afterSet := map[string]struct{}{}
		for _, id := range afterReplicas {
			afterSet[id.Key()] = struct{}{}
		}
		var handoff []endpoint.ID
		for _, id := range beforeReplicas {
			if _, stillReplica := afterSet[id.Key()]; !stillReplica {
				handoff = append(handoff, id)
			}
		}
		if len(handoff) != 1 {
			return nil, errors.Wrapf(corerr.ErrStrictConsistency, "streaming: range %s has %d strict hand-off candidates, want exactly 1", d, len(handoff))
		}
		source := handoff[0]
		if alive, ok := p.aliveFilter(); ok && !alive.Alive.IsAlive(source) {
			return nil, errors.Wrapf(corerr.ErrStrictConsistency, "streaming: strict source %s for range %s is down; override strict consistency to proceed", source, d)
		}
		out[d.String()] = source
	}
	_ = afterRanges
	return out, nil
}

func (p *Planner) aliveFilter() (FailureDetectorSourceFilter, bool) {
	for _, f := range p.Filters {
		if fd, ok := f.(FailureDetectorSourceFilter); ok {
			return fd, true
		}
	}
	return FailureDetectorSourceFilter{}, false
}

// GetRangeFetchMap is the simple fetch-map construction (spec.md §4.6): per
// range, walk candidates in proximity order, skip filtered ones; a
// candidate equal to Local marks the range "found" without recording a
// transfer; otherwise record source -> range and stop.
func (p *Planner) GetRangeFetchMap(desired []tokenring.Range) (FetchMap, error) {
	desired = p.skipAlreadyStreamed(desired)
	if len(desired) == 0 {
		level.Info(p.Logger).Log("msg", "no ranges left to stream, residual empty", "keyspace", p.Keyspace)
		return nil, nil
	}

	candidates, err := p.GetAllRangesWithSourcesFor(desired)
	if err != nil {
		return nil, err
	}

	if !p.StrictConsistency && p.ReplicationFactor != 1 {
		calc := &RangeFetchMapCalculator{Candidates: candidates, Filters: p.Filters, Local: p.Local}
		return calc.Calculate(desired)
	}

	bySource := map[string]*SourceRanges{}
	for _, d := range desired {
		cands := candidates[d.String()]
		found := false
		var chosen *endpoint.ID
		for i := range cands {
			c := cands[i]
			if c.Equals(p.Local) {
				found = true
				break
			}
			if !p.passesFilters(c) {
				continue
			}
			chosen = &cands[i]
			found = true
			break
		}
		if !found || (chosen == nil && len(cands) == 0) {
			if len(cands) == 1 {
				level.Warn(p.Logger).Log("msg", "RF=1 range has no acceptable source", "range", d.String())
				if !p.StrictConsistency {
					continue
				}
			}
			return nil, errors.Wrapf(corerr.ErrNoSources, "streaming: no acceptable source for range %s", d)
		}
		if chosen == nil {
			continue // local node already covers this range
		}
		sr, ok := bySource[chosen.Key()]
		if !ok {
			sr = &SourceRanges{Source: *chosen}
			bySource[chosen.Key()] = sr
		}
		sr.Ranges = append(sr.Ranges, d)
	}

	out := make(FetchMap, 0, len(bySource))
	for _, sr := range bySource {
		out = append(out, *sr)
	}
	return out, nil
}

func (p *Planner) skipAlreadyStreamed(desired []tokenring.Range) []tokenring.Range {
	if p.StateStore == nil {
		return desired
	}
	have := p.StateStore.GetAvailableRanges(p.Keyspace)
	var residual []tokenring.Range
	for _, d := range desired {
		if _, done := have[d.String()]; !done {
			residual = append(residual, d)
		}
	}
	return residual
}
