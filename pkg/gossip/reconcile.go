package gossip

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/quorumdb/corering/pkg/endpoint"
)

// HandleSyn answers an incoming Syn (spec.md §4.3 "Three-phase
// reconciliation"). An empty-digest Syn is a shadow-round request and is
// answered with every known endpoint's full state (spec.md §8 "An empty
// SYN is treated as a shadow request").
func (g *Gossiper) HandleSyn(syn Syn) Ack {
	g.mu.Lock()
	defer g.mu.Unlock()

	if syn.ClusterName != g.cfg.ClusterName {
		return Ack{}
	}
	if syn.IsShadow() {
		return Ack{Deltas: g.fullStateSnapshotLocked()}
	}

	var requestList []Digest
	var deltas []StateEntry

	localDigests := g.buildDigestsLocked()
	localByKey := map[string]Digest{}
	for _, d := range localDigests {
		localByKey[d.ID.Key()] = d
	}

	for _, remote := range syn.Digests {
		key := remote.ID.Key()
		local, haveLocal := localByKey[key]

		switch {
		case !haveLocal || remote.Generation > local.Generation:
			requestList = append(requestList, Digest{ID: remote.ID, Generation: remote.Generation, MaxVersion: 0})

		case remote.Generation < local.Generation ||
			(remote.Generation == local.Generation && remote.MaxVersion < local.MaxVersion):
			if rec, ok := g.recordLocked(key); ok {
				deltas = append(deltas, StateEntry{ID: rec.id, State: cloneStateAbove(rec.state, remote.MaxVersion)})
			}

		case remote.Generation == local.Generation && remote.MaxVersion > local.MaxVersion:
			requestList = append(requestList, Digest{ID: remote.ID, Generation: local.Generation, MaxVersion: local.MaxVersion})

		default:
			// Equal generation and version: nothing to do.
		}
	}

	return Ack{RequestList: requestList, Deltas: deltas}
}

// handleAck applies an incoming Ack's deltas locally (the A-side of the
// round, spec.md §4.3).
func (g *Gossiper) handleAck(ack Ack) {
	g.applyStateLocally(ack.Deltas)
}

// buildAck2 answers an Ack's request list with the states the requester is
// missing, above the version it already has (spec.md §4.3: "B ... replies
// GossipDigestAck2(deltaMap') where deltaMap' contains states above the
// versions requested").
func (g *Gossiper) buildAck2(requestList []Digest) Ack2 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var deltas []StateEntry
	for _, req := range requestList {
		if rec, ok := g.recordLocked(req.ID.Key()); ok {
			deltas = append(deltas, StateEntry{ID: rec.id, State: cloneStateAbove(rec.state, req.MaxVersion)})
		}
	}
	return Ack2{Deltas: deltas}
}

// HandleAck2 applies an incoming Ack2's deltas locally, closing the round.
func (g *Gossiper) HandleAck2(ack2 Ack2) {
	g.applyStateLocally(ack2.Deltas)
}

func (g *Gossiper) recordLocked(key string) (*endpointRecord, bool) {
	if rec, ok := g.liveEndpoints[key]; ok {
		return rec, true
	}
	if rec, ok := g.unreachableEndpoints[key]; ok {
		return rec, true
	}
	return nil, false
}

func (g *Gossiper) fullStateSnapshotLocked() []StateEntry {
	out := make([]StateEntry, 0, len(g.liveEndpoints)+len(g.unreachableEndpoints))
	for _, rec := range g.liveEndpoints {
		out = append(out, StateEntry{ID: rec.id, State: cloneStateAbove(rec.state, -1)})
	}
	for _, rec := range g.unreachableEndpoints {
		out = append(out, StateEntry{ID: rec.id, State: cloneStateAbove(rec.state, -1)})
	}
	return out
}

// cloneStateAbove builds a detached State carrying only application-state
// entries with version > floor (floor -1 means "everything"), for
// transmission over Transport.
func cloneStateAbove(s *endpoint.State, floor int32) *endpoint.State {
	hb, all := s.Snapshot()
	out := endpoint.NewState(hb, time.Unix(0, 0))
	updates := map[endpoint.AppStateKey]endpoint.VersionedValue{}
	for k, v := range all {
		if v.Version > floor {
			updates[k] = v
		}
	}
	out.AddApplicationStates(updates)
	return out
}

// applyStateLocally is the authoritative merge rule (spec.md §4.3). For
// each incoming (endpoint, remoteState):
//   - unknown locally: insert as a major state change, report to the
//     detector.
//   - known: compare generations; reject clock-skewed generations; replace
//     wholesale on a strictly newer generation; merge versions above local
//     on an equal generation; ignore an older generation.
func (g *Gossiper) applyStateLocally(deltas []StateEntry) {
	now := time.Now()
	for _, entry := range deltas {
		id, remote := entry.ID, entry.State
		key := id.Key()

		g.mu.Lock()
		if g.isQuarantinedLocked(key, now) {
			g.mu.Unlock()
			continue
		}
		rec, known := g.recordLocked(key)

		if !known {
			rec = &endpointRecord{id: id, state: remote}
			g.liveEndpoints[key] = rec
			g.mu.Unlock()

			if g.detector != nil {
				g.detector.Report(id, now)
			}
			g.fireOnJoin(rec)
			continue
		}

		localHB := rec.state.Heartbeat()
		remoteHB := remote.Heartbeat()

		if remoteHB.IsGenerationCorrupt(now) {
			level.Warn(g.logger).Log("msg", "discarding endpoint state with corrupt generation", "endpoint", rec.id.String(), "generation", remoteHB.Generation)
			g.mu.Unlock()
			continue
		}

		switch {
		case remoteHB.Generation > localHB.Generation:
			wasUnreachable := !rec.state.IsAlive()
			rec.state = remote
			g.mu.Unlock()
			g.fireOnRestart(rec)
			if wasUnreachable {
				g.beginMarkAlive(rec)
			}

		case remoteHB.Generation < localHB.Generation:
			g.mu.Unlock()

		default:
			_, remoteApp := remote.Snapshot()
			applied := map[endpoint.AppStateKey]endpoint.VersionedValue{}
			for k, v := range remoteApp {
				local, haveLocal := rec.state.GetApplicationState(k)
				if !haveLocal || v.Version > local.Version {
					applied[k] = v
				}
			}
			wasUnreachable := !rec.state.IsAlive() && !isDeadStatus(rec.state)
			rec.state.AddApplicationStates(applied)
			g.mu.Unlock()

			for k, v := range applied {
				g.fireOnChange(rec, k, v)
			}
			if wasUnreachable && len(applied) > 0 {
				g.beginMarkAlive(rec)
			}
		}
	}
}

func isDeadStatus(s *endpoint.State) bool {
	v, ok := s.PreferredStatus()
	if !ok {
		return false
	}
	_, dead := endpoint.DeadStates[v.Value]
	return dead
}
