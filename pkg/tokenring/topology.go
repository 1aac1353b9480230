package tokenring

import (
	"sort"
	"sync"

	"github.com/quorumdb/corering/pkg/endpoint"
)

// Location is an endpoint's datacenter and rack, as projected from gossip
// application state (DC, RACK keys; spec.md §3).
type Location struct {
	DC   string
	Rack string
}

// Topology holds DC→endpoints, DC→(rack→endpoints), and endpoint→(DC, rack)
// (spec.md §3). locations[e] exists iff e has ever been added;
// removing an endpoint removes its topology entry (invariant, spec.md §3).
type Topology struct {
	mu          sync.RWMutex
	dcEndpoints map[string]map[string]endpoint.ID            // dc -> endpoint key -> id
	dcRacks     map[string]map[string]map[string]endpoint.ID // dc -> rack -> endpoint key -> id
	locations   map[string]Location                          // endpoint key -> location
	ids         map[string]endpoint.ID                        // endpoint key -> id, for iteration
}

// NewTopology constructs an empty Topology.
func NewTopology() *Topology {
	return &Topology{
		dcEndpoints: map[string]map[string]endpoint.ID{},
		dcRacks:     map[string]map[string]map[string]endpoint.ID{},
		locations:   map[string]Location{},
		ids:         map[string]endpoint.ID{},
	}
}

// AddEndpoint records id's current location, replacing any prior location
// for the same endpoint.
func (t *Topology) AddEndpoint(id endpoint.ID, loc Location) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := id.Key()
	t.removeLocked(key)

	if t.dcEndpoints[loc.DC] == nil {
		t.dcEndpoints[loc.DC] = map[string]endpoint.ID{}
	}
	t.dcEndpoints[loc.DC][key] = id

	if t.dcRacks[loc.DC] == nil {
		t.dcRacks[loc.DC] = map[string]map[string]endpoint.ID{}
	}
	if t.dcRacks[loc.DC][loc.Rack] == nil {
		t.dcRacks[loc.DC][loc.Rack] = map[string]endpoint.ID{}
	}
	t.dcRacks[loc.DC][loc.Rack][key] = id

	t.locations[key] = loc
	t.ids[key] = id
}

// RemoveEndpoint deletes id's topology entry entirely.
func (t *Topology) RemoveEndpoint(id endpoint.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id.Key())
}

func (t *Topology) removeLocked(key string) {
	loc, ok := t.locations[key]
	if !ok {
		return
	}
	delete(t.dcEndpoints[loc.DC], key)
	if len(t.dcEndpoints[loc.DC]) == 0 {
		delete(t.dcEndpoints, loc.DC)
	}
	if t.dcRacks[loc.DC] != nil {
		delete(t.dcRacks[loc.DC][loc.Rack], key)
		if len(t.dcRacks[loc.DC][loc.Rack]) == 0 {
			delete(t.dcRacks[loc.DC], loc.Rack)
		}
		if len(t.dcRacks[loc.DC]) == 0 {
			delete(t.dcRacks, loc.DC)
		}
	}
	delete(t.locations, key)
	delete(t.ids, key)
}

// Location returns the recorded (DC, rack) for id.
func (t *Topology) Location(id endpoint.ID) (Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	loc, ok := t.locations[id.Key()]
	return loc, ok
}

// GetDatacenter and GetRack satisfy pkg/snitch.Locator so a Topology can
// back a snitch directly from gossip-projected state.
func (t *Topology) GetDatacenter(id endpoint.ID) string {
	loc, _ := t.Location(id)
	return loc.DC
}

func (t *Topology) GetRack(id endpoint.ID) string {
	loc, _ := t.Location(id)
	return loc.Rack
}

// DatacenterEndpoints returns all endpoints currently located in dc.
func (t *Topology) DatacenterEndpoints(dc string) []endpoint.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]endpoint.ID, 0, len(t.dcEndpoints[dc]))
	for _, id := range t.dcEndpoints[dc] {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// RacksInDatacenter returns the set of rack names with at least one endpoint
// in dc.
func (t *Topology) RacksInDatacenter(dc string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.dcRacks[dc]))
	for rack := range t.dcRacks[dc] {
		out = append(out, rack)
	}
	sort.Strings(out)
	return out
}

// RackEndpoints returns all endpoints in (dc, rack).
func (t *Topology) RackEndpoints(dc, rack string) []endpoint.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.dcRacks[dc][rack]
	out := make([]endpoint.ID, 0, len(m))
	for _, id := range m {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// Datacenters returns all known datacenter names, sorted.
func (t *Topology) Datacenters() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.dcEndpoints))
	for dc := range t.dcEndpoints {
		out = append(out, dc)
	}
	sort.Strings(out)
	return out
}

func sortIDs(ids []endpoint.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}

// Clone returns a deep copy of the topology.
func (t *Topology) Clone() *Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := NewTopology()
	for key, id := range t.ids {
		out.AddEndpoint(id, t.locations[key])
	}
	return out
}
