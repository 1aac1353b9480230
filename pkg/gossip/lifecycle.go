package gossip

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/quorumdb/corering/pkg/corerr"
	"github.com/quorumdb/corering/pkg/endpoint"
)

// fatClientTimeout is the window after which an endpoint whose state is
// known but is not a ring member is evicted as a "fat client" (spec.md
// §4.3: "QUARANTINE_DELAY / 2").
func (g *Gossiper) fatClientTimeout() time.Duration { return g.QuarantineDelay() / 2 }

// defaultRingMembership reports whether id is a current ring member; the status
// check (below) uses it to distinguish fat clients from real peers. The
// default always answers true (no ring-awareness); callers that do have a
// ring wire in a real predicate via SetRingMembership.
var defaultRingMembership = func(endpoint.ID) bool { return true }

// SetRingMembership installs the ring-membership predicate the status
// check uses to evict fat clients.
func (g *Gossiper) SetRingMembership(isMember func(endpoint.ID) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.isRingMember = isMember
}

// doStatusCheck runs the per-tick sweep (spec.md §4.3 "Status check"):
// interpret φ for every known non-local endpoint, evict long-silent fat
// clients, evict dead non-ring endpoints past expiry, and drain expired
// quarantine entries.
func (g *Gossiper) doStatusCheck(now time.Time) {
	g.mu.Lock()
	isMember := g.isRingMember
	if isMember == nil {
		isMember = defaultRingMembership
	}
	candidates := make([]*endpointRecord, 0, len(g.liveEndpoints)+len(g.unreachableEndpoints))
	for _, rec := range g.liveEndpoints {
		if !rec.id.Equals(g.cfg.Local) {
			candidates = append(candidates, rec)
		}
	}
	for _, rec := range g.unreachableEndpoints {
		candidates = append(candidates, rec)
	}
	g.mu.Unlock()

	for _, rec := range candidates {
		if g.detector != nil {
			g.detector.Interpret(rec.id, now)
		}
	}

	var evicted []endpoint.ID
	g.mu.Lock()
	for key, since := range g.unreachableSince {
		rec, ok := g.unreachableEndpoints[key]
		if !ok {
			continue
		}
		if !isMember(rec.id) && now.Sub(since) > g.fatClientTimeout() {
			g.evictLocked(rec)
			evicted = append(evicted, rec.id)
			continue
		}
		if !isMember(rec.id) && now.Sub(since) > g.QuarantineDelay() {
			g.evictLocked(rec)
			g.justRemoved[key] = now
			evicted = append(evicted, rec.id)
		}
	}
	for key, removedAt := range g.justRemoved {
		if now.Sub(removedAt) > g.QuarantineDelay() {
			delete(g.justRemoved, key)
		}
	}
	g.mu.Unlock()

	for _, id := range evicted {
		level.Info(g.logger).Log("msg", "evicted endpoint", "endpoint", id.String())
		g.fireOnRemove(id)
	}
}

func (g *Gossiper) evictLocked(rec *endpointRecord) {
	key := rec.id.Key()
	delete(g.liveEndpoints, key)
	delete(g.unreachableEndpoints, key)
	delete(g.unreachableSince, key)
	if g.detector != nil {
		// Remove only touches the detector's own map; safe under our lock.
		g.detector.Remove(rec.id)
	}
}

func (g *Gossiper) isQuarantinedLocked(key string, now time.Time) bool {
	removedAt, ok := g.justRemoved[key]
	if !ok {
		return false
	}
	return now.Sub(removedAt) <= g.QuarantineDelay()
}

// convict is the detector.Listener callback (spec.md §4.3 "Convict"): if
// the endpoint advertises shutdown, mark-shutdown; otherwise mark dead and
// notify subscribers.
func (g *Gossiper) convict(id endpoint.ID, phi float64) {
	g.mu.Lock()
	rec, ok := g.liveEndpoints[id.Key()]
	if !ok {
		g.mu.Unlock()
		return
	}

	if v, has := rec.state.PreferredStatus(); has && v.Value == "SHUTDOWN" {
		rec.state.SetHeartbeat(endpoint.HeartBeatState{Generation: rec.state.Heartbeat().Generation, Version: 1 << 30})
		g.markDeadLocked(rec)
		g.mu.Unlock()
		g.fireOnDead(rec)
		return
	}

	g.markDeadLocked(rec)
	g.mu.Unlock()

	g.convictions.Inc()
	level.Warn(g.logger).Log("msg", "marking endpoint dead", "endpoint", id.String(), "phi", phi)
	g.fireOnDead(rec)
}

func (g *Gossiper) markDeadLocked(rec *endpointRecord) {
	rec.state.SetAlive(false)
	delete(g.liveEndpoints, rec.id.Key())
	g.unreachableEndpoints[rec.id.Key()] = rec
	g.unreachableSince[rec.id.Key()] = time.Now()
}

// beginMarkAlive starts the mark-alive echo protocol (spec.md §4.3): the
// endpoint is only promoted to alive once its echo reply arrives, preventing
// a replayed heartbeat alone from reviving it. The reply is handled on the
// goroutine that sent the echo, under g.mu; it is not handed back to the
// scheduler goroutine.
func (g *Gossiper) beginMarkAlive(rec *endpointRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Interval*4)
		defer cancel()
		if err := g.transport.SendEcho(ctx, rec.id); err != nil {
			level.Debug(g.logger).Log("msg", "echo failed, endpoint stays unreachable", "endpoint", rec.id.String(), "err", err)
			return
		}
		g.completeMarkAlive(rec)
	}()
}

// completeMarkAlive runs on receipt of an EchoResponse, on the echo
// goroutine started by beginMarkAlive; g.mu serializes it with the gossip
// round (spec.md §4.3).
func (g *Gossiper) completeMarkAlive(rec *endpointRecord) {
	g.mu.Lock()
	key := rec.id.Key()
	if _, stillUnreachable := g.unreachableEndpoints[key]; !stillUnreachable {
		g.mu.Unlock()
		return
	}
	delete(g.unreachableEndpoints, key)
	delete(g.unreachableSince, key)
	g.liveEndpoints[key] = rec
	rec.state.SetAlive(true)
	if g.detector != nil {
		g.detector.Report(rec.id, time.Now())
	}
	g.mu.Unlock()

	g.fireOnAlive(rec)
}

// QuarantineEndpoint records id in justRemovedEndpoints, ignoring gossip
// about it until QuarantineDelay elapses (spec.md §4.3 "Quarantine").
func (g *Gossiper) QuarantineEndpoint(id endpoint.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := id.Key()
	g.justRemoved[key] = time.Now()
	delete(g.liveEndpoints, key)
	delete(g.unreachableEndpoints, key)
	delete(g.unreachableSince, key)
}

// AssassinateEndpoint forcibly advertises STATUS=LEFT for id, bumping its
// generation past the last observed value, then broadcasts the change
// (spec.md §4.3 "Assassination"). Callers must sleep RING_DELAY first to
// confirm the generation did not change, then at least 4×interval to allow
// propagation, per spec.md §5; this method performs neither sleep itself.
func (g *Gossiper) AssassinateEndpoint(ctx context.Context, id endpoint.ID, tokenHint string) error {
	g.mu.Lock()
	rec, known := g.recordLocked(id.Key())
	var generation int64
	if known {
		generation = rec.state.Heartbeat().Generation
	}
	g.mu.Unlock()

	newGen := generation + 1
	if now := time.Now().Unix(); now > newGen {
		newGen = now
	}

	assassinated := endpoint.NewState(endpoint.HeartBeatState{Generation: newGen, Version: 9999}, time.Now())
	assassinated.AddApplicationStates(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.StatusWithPort: {Value: "LEFT", Version: 9999},
		endpoint.StatusLegacy:   {Value: "LEFT", Version: 9999},
		endpoint.Tokens:         {Value: tokenHint, Version: 9999},
	})

	g.applyStateLocally([]StateEntry{{ID: id, State: assassinated}})

	g.mu.Lock()
	targets := make([]endpoint.ID, 0, len(g.liveEndpoints))
	for _, rec := range g.liveEndpoints {
		if !rec.id.Equals(g.cfg.Local) {
			targets = append(targets, rec.id)
		}
	}
	g.mu.Unlock()

	for _, t := range targets {
		if _, err := g.transport.SendSyn(ctx, t, Syn{
			ClusterName:     g.cfg.ClusterName,
			PartitionerName: g.cfg.PartitionerName,
			Digests:         []Digest{{ID: id, Generation: newGen, MaxVersion: 9999}},
		}); err != nil {
			level.Debug(g.logger).Log("msg", "assassination broadcast failed", "peer", t.String(), "err", err)
		}
	}
	return nil
}

// shadowRound sends an empty (shadow) SYN to seeds, collecting Acks until
// any seed returns full state, bounded by 2×RING_DELAY (spec.md §4.3,
// §4.3 "Shadow round", §8 scenario 6).
func (g *Gossiper) shadowRound(ctx context.Context) error {
	deadline := 2 * g.cfg.RingDelay
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	syn := Syn{ClusterName: g.cfg.ClusterName, PartitionerName: g.cfg.PartitionerName}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = deadline

	operation := func() error {
		for _, seed := range g.cfg.Seeds {
			if seed.Equals(g.cfg.Local) {
				continue
			}
			ack, err := g.transport.SendSyn(ctx, seed, syn)
			if err != nil {
				continue
			}
			if len(ack.Deltas) > 0 {
				g.applyStateLocally(ack.Deltas)
				return nil
			}
		}
		return fmt.Errorf("gossip: shadow round: no seed replied yet")
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if err != nil {
		// Retry gives up as soon as the next wait would overrun the window;
		// wait out the rest of it so the round only fails after 2×RING_DELAY.
		<-ctx.Done()
		return errors.Wrapf(corerr.ErrShadowRoundFailed, "gossip: shadow round exhausted %s without a seed reply", deadline)
	}
	return nil
}
