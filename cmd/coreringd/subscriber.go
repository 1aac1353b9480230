package main

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/gossip"
	"github.com/quorumdb/corering/pkg/partition"
	"github.com/quorumdb/corering/pkg/peerstore"
	"github.com/quorumdb/corering/pkg/tokenring"
)

// ringProjection is the subscriber that projects gossip application-state
// values (tokens, DC, rack, host id) into token-ring metadata (spec.md §2
// "Data flow": "the ring-aware subscriber projects relevant application-
// state values ... into token-ring metadata").
type ringProjection struct {
	ring   *tokenring.Metadata
	peers  *peerstore.Store
	gossip *gossip.Gossiper
	rng    *rand.Rand
}

func (p *ringProjection) BeforeChange(endpoint.ID, *endpoint.State, endpoint.AppStateKey, endpoint.VersionedValue) {
}

func (p *ringProjection) OnJoin(id endpoint.ID, state *endpoint.State) {
	p.projectTokens(id, state)
	p.projectTopology(id, state)
	p.savePeer(id, state)
}

func (p *ringProjection) OnRestart(id endpoint.ID, state *endpoint.State) {
	p.projectTokens(id, state)
	p.projectTopology(id, state)
}

func (p *ringProjection) OnAlive(endpoint.ID, *endpoint.State) {}

func (p *ringProjection) OnDead(endpoint.ID, *endpoint.State) {
	// Liveness is a gossip/detector concern, not a ring-metadata one; the
	// endpoint keeps its tokens until it leaves or is assassinated.
}

func (p *ringProjection) OnChange(id endpoint.ID, key endpoint.AppStateKey, value endpoint.VersionedValue) {
	switch key {
	case endpoint.Tokens:
		if toks, ok := parseTokens(p.ring.Partitioner(), value.Value); ok {
			p.ring.UpdateNormalTokens(id, toks)
		}
	case endpoint.DC, endpoint.Rack:
		p.updateLocation(id)
	case endpoint.StatusWithPort, endpoint.StatusLegacy:
		if value.Value == "LEFT" || value.Value == "REMOVED_TOKEN" {
			p.ring.RemoveEndpoint(id)
		}
	}
}

func (p *ringProjection) OnRemove(id endpoint.ID) {
	p.ring.RemoveEndpoint(id)
	p.peers.Remove(id.Broadcast)
}

func (p *ringProjection) projectTokens(id endpoint.ID, state *endpoint.State) {
	v, ok := state.GetApplicationState(endpoint.Tokens)
	if !ok {
		return
	}
	if toks, ok := parseTokens(p.ring.Partitioner(), v.Value); ok {
		p.ring.UpdateNormalTokens(id, toks)
	}
}

func (p *ringProjection) projectTopology(id endpoint.ID, state *endpoint.State) {
	p.applyLocation(id, state)
}

// updateLocation re-reads id's full application state from the gossip
// engine, since OnChange only carries the single key/value that just
// changed, not the sibling DC/Rack values needed to build a Location.
func (p *ringProjection) updateLocation(id endpoint.ID) {
	state, ok := p.gossip.State(id)
	if !ok {
		return
	}
	p.applyLocation(id, state)
}

func (p *ringProjection) applyLocation(id endpoint.ID, state *endpoint.State) {
	dc, _ := state.GetApplicationState(endpoint.DC)
	rack, _ := state.GetApplicationState(endpoint.Rack)
	if dc.Value == "" && rack.Value == "" {
		return
	}
	p.ring.Topology().AddEndpoint(id, tokenring.Location{DC: dc.Value, Rack: rack.Value})
}

func (p *ringProjection) savePeer(id endpoint.ID, state *endpoint.State) {
	hostID, _ := state.GetApplicationState(endpoint.HostID)
	dc, _ := state.GetApplicationState(endpoint.DC)
	rack, _ := state.GetApplicationState(endpoint.Rack)
	tokens, _ := state.GetApplicationState(endpoint.Tokens)
	p.peers.Save(id, peerstore.PeerRecord{
		HostID:           hostID.Value,
		Tokens:           strings.Split(tokens.Value, ","),
		DC:               dc.Value,
		Rack:             rack.Value,
		PreferredAddress: id.Broadcast,
	})
}

// parseTokens parses a comma-separated token list produced by this
// partitioner's token String() format.
func parseTokens(p partition.Partitioner, raw string) ([]partition.Token, bool) {
	if raw == "" {
		return nil, false
	}
	parts := strings.Split(raw, ",")
	out := make([]partition.Token, 0, len(parts))
	switch p.(type) {
	case partition.Murmur3Partitioner:
		for _, s := range parts {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, false
			}
			out = append(out, partition.Murmur3Token(n))
		}
	default:
		return nil, false
	}
	return out, true
}
