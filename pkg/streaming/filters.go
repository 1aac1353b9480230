// Package streaming implements the range streaming planner (spec.md §4.6):
// given desired token ranges, builds a fetch plan (one source per range,
// constrained by replica-consistency rules) for an external streaming
// transport to execute.
package streaming

import (
	"github.com/quorumdb/corering/pkg/endpoint"
)

// SourceFilter is a predicate a candidate source must satisfy; filters
// compose by AND (spec.md §4.6).
type SourceFilter interface {
	Matches(id endpoint.ID) bool
	Name() string
}

// AliveChecker reports whether an endpoint is currently alive; satisfied by
// the gossip engine's liveness view.
type AliveChecker interface {
	IsAlive(id endpoint.ID) bool
}

// FailureDetectorSourceFilter requires the endpoint to currently be alive.
type FailureDetectorSourceFilter struct {
	Alive AliveChecker
}

func (f FailureDetectorSourceFilter) Matches(id endpoint.ID) bool { return f.Alive.IsAlive(id) }
func (FailureDetectorSourceFilter) Name() string                 { return "FailureDetectorSourceFilter" }

// Locator resolves an endpoint's datacenter; satisfied by
// pkg/tokenring.Topology.
type Locator interface {
	GetDatacenter(id endpoint.ID) string
}

// SingleDatacenterFilter requires the endpoint to live in DC.
type SingleDatacenterFilter struct {
	DC     string
	Locate Locator
}

func (f SingleDatacenterFilter) Matches(id endpoint.ID) bool {
	return f.Locate.GetDatacenter(id) == f.DC
}
func (SingleDatacenterFilter) Name() string { return "SingleDatacenterFilter" }

// ExcludeLocalNodeFilter requires the endpoint not be the local node.
type ExcludeLocalNodeFilter struct {
	Local endpoint.ID
}

func (f ExcludeLocalNodeFilter) Matches(id endpoint.ID) bool { return !id.Equals(f.Local) }
func (ExcludeLocalNodeFilter) Name() string                  { return "ExcludeLocalNodeFilter" }

// WhitelistedSourcesFilter requires the endpoint to be in the allowed set.
type WhitelistedSourcesFilter struct {
	Allowed map[string]struct{}
}

func (f WhitelistedSourcesFilter) Matches(id endpoint.ID) bool {
	_, ok := f.Allowed[id.Key()]
	return ok
}
func (WhitelistedSourcesFilter) Name() string { return "WhitelistedSourcesFilter" }

// And composes filters with logical AND.
func And(filters ...SourceFilter) SourceFilter { return andFilter(filters) }

type andFilter []SourceFilter

func (a andFilter) Matches(id endpoint.ID) bool {
	for _, f := range a {
		if !f.Matches(id) {
			return false
		}
	}
	return true
}

func (andFilter) Name() string { return "And" }
