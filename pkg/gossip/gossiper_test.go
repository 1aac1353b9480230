package gossip

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/corering/pkg/endpoint"
)

func newTestID(t *testing.T, ip string, port int) endpoint.ID {
	t.Helper()
	addr, err := endpoint.NewAddr(net.ParseIP(ip), port)
	require.NoError(t, err)
	return endpoint.New(uuid.New(), addr)
}

func newTestGossiper(t *testing.T, id endpoint.ID, seeds []endpoint.ID, transport Transport) *Gossiper {
	t.Helper()
	st := endpoint.NewState(endpoint.NewHeartBeatState(time.Now()), time.Now())
	st.SetAlive(true)
	cfg := Config{
		ClusterName:     "test",
		PartitionerName: "Murmur3Partitioner",
		Local:           id,
		Seeds:           seeds,
		Interval:        time.Second,
		RingDelay:       50 * time.Millisecond,
	}
	return New(cfg, st, transport, nil, log.NewNopLogger(), prometheus.NewRegistry())
}

// tickOnce drives one manual gossip round from g to target without the
// scheduler, so tests run instantly instead of waiting on a real ticker.
func tickOnce(t *testing.T, g *Gossiper, target endpoint.ID) {
	t.Helper()
	g.mu.Lock()
	g.localRec.state.SetHeartbeat(g.localRec.state.Heartbeat().Bump())
	digests := g.buildDigestsLocked()
	g.mu.Unlock()
	require.NoError(t, g.gossipTo(context.Background(), target, digests))
}

func hasToken(t *testing.T, g *Gossiper, id endpoint.ID, want string) bool {
	t.Helper()
	st, ok := g.State(id)
	if !ok {
		return false
	}
	v, ok := st.GetApplicationState(endpoint.Tokens)
	return ok && v.Value == want
}

// TestThreeNodeConvergence reproduces spec.md §8 scenario 1: A and B
// gossip first, then C joins and gossips to seed A; after a few more
// rounds C's view of A and B matches reality, and A/B learn about C.
func TestThreeNodeConvergence(t *testing.T) {
	transport := NewLoopbackTransport()

	a := newTestID(t, "10.0.0.1", 7000)
	b := newTestID(t, "10.0.0.2", 7000)
	c := newTestID(t, "10.0.0.3", 7000)

	ga := newTestGossiper(t, a, []endpoint.ID{a}, transport)
	gb := newTestGossiper(t, b, []endpoint.ID{a}, transport)
	gc := newTestGossiper(t, c, []endpoint.ID{a}, transport)

	ga.AddLocalApplicationState(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.Tokens: {Value: "10", Version: 1},
	})
	gb.AddLocalApplicationState(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.Tokens: {Value: "20", Version: 1},
	})
	gc.AddLocalApplicationState(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.Tokens: {Value: "30", Version: 1},
	})

	transport.Register(a, ga)
	transport.Register(b, gb)
	transport.Register(c, gc)

	// A and B gossip with each other twice before C appears.
	tickOnce(t, ga, b)
	tickOnce(t, gb, a)

	// C introduces itself to seed A.
	tickOnce(t, gc, a)

	// A few more rounds propagate C's token to B and B's (and C's own
	// view of A/B) everywhere.
	for i := 0; i < 3; i++ {
		tickOnce(t, ga, b)
		tickOnce(t, gb, a)
		tickOnce(t, gc, a)
		tickOnce(t, ga, c)
	}

	assert.True(t, hasToken(t, gc, a, "10"), "C must learn A's token")
	assert.True(t, hasToken(t, gc, b, "20"), "C must learn B's token")
	assert.True(t, hasToken(t, ga, c, "30"), "A must learn C's token")
	assert.True(t, hasToken(t, gb, c, "30"), "B must learn C's token")
}

// TestApplyStateLocallyIsMonotoneAcrossGenerations checks the "monotone
// versions" invariant (spec.md §8): a strictly older generation never
// overwrites a newer one, and a strictly newer generation always replaces
// wholesale.
func TestApplyStateLocallyIsMonotoneAcrossGenerations(t *testing.T) {
	transport := NewLoopbackTransport()
	local := newTestID(t, "10.0.0.1", 7000)
	g := newTestGossiper(t, local, nil, transport)

	peer := newTestID(t, "10.0.0.9", 7000)
	oldGen := endpoint.NewState(endpoint.HeartBeatState{Generation: 100, Version: 5}, time.Now())
	oldGen.AddApplicationStates(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.Tokens: {Value: "1", Version: 5},
	})
	g.applyStateLocally([]StateEntry{{ID: peer, State: oldGen}})
	require.True(t, hasToken(t, g, peer, "1"))

	// Older generation must be ignored.
	staleGen := endpoint.NewState(endpoint.HeartBeatState{Generation: 50, Version: 99}, time.Now())
	staleGen.AddApplicationStates(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.Tokens: {Value: "stale", Version: 99},
	})
	g.applyStateLocally([]StateEntry{{ID: peer, State: staleGen}})
	assert.True(t, hasToken(t, g, peer, "1"), "an older generation must never overwrite a newer one")

	// Newer generation replaces wholesale.
	newGen := endpoint.NewState(endpoint.HeartBeatState{Generation: 200, Version: 1}, time.Now())
	newGen.AddApplicationStates(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.Tokens: {Value: "2", Version: 1},
	})
	g.applyStateLocally([]StateEntry{{ID: peer, State: newGen}})
	assert.True(t, hasToken(t, g, peer, "2"), "a strictly newer generation must replace wholesale")
}

// TestQuarantineRespected reproduces the "quarantine respect" invariant
// (spec.md §8): gossip about a quarantined endpoint is ignored until
// QuarantineDelay elapses.
func TestQuarantineRespected(t *testing.T) {
	transport := NewLoopbackTransport()
	local := newTestID(t, "10.0.0.1", 7000)
	g := newTestGossiper(t, local, nil, transport)

	peer := newTestID(t, "10.0.0.9", 7000)
	g.QuarantineEndpoint(peer)

	remote := endpoint.NewState(endpoint.HeartBeatState{Generation: 500, Version: 1}, time.Now())
	remote.AddApplicationStates(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.Tokens: {Value: "reincarnated", Version: 1},
	})
	g.applyStateLocally([]StateEntry{{ID: peer, State: remote}})

	_, known := g.State(peer)
	assert.False(t, known, "gossip about a quarantined endpoint must be ignored before QuarantineDelay elapses")
}

// TestShadowRoundFailsWithoutSeedReply reproduces spec.md §8 scenario 6:
// a non-seed whose only seed never replies must fail its shadow round
// after 2×RING_DELAY.
func TestShadowRoundFailsWithoutSeedReply(t *testing.T) {
	transport := NewLoopbackTransport()
	seed := newTestID(t, "10.0.0.1", 7000)
	nonSeed := newTestID(t, "10.0.0.2", 7000)

	// The seed is never registered with the transport, so it is
	// permanently unreachable.
	g := newTestGossiper(t, nonSeed, []endpoint.ID{seed}, transport)

	start := time.Now()
	err := g.Start(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 2*g.cfg.RingDelay)
}

// TestShadowRoundSucceedsWhenSeedReplies confirms the companion happy path:
// a responsive seed lets the shadow round complete and seed the joiner's
// view of the cluster without the joiner advertising itself.
func TestShadowRoundSucceedsWhenSeedReplies(t *testing.T) {
	transport := NewLoopbackTransport()
	seed := newTestID(t, "10.0.0.1", 7000)
	nonSeed := newTestID(t, "10.0.0.2", 7000)

	gs := newTestGossiper(t, seed, []endpoint.ID{seed}, transport)
	gs.AddLocalApplicationState(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.Tokens: {Value: "10", Version: 1},
	})
	transport.Register(seed, gs)

	g := newTestGossiper(t, nonSeed, []endpoint.ID{seed}, transport)

	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	assert.True(t, hasToken(t, g, seed, "10"), "shadow round must import the seed's known state")
}
