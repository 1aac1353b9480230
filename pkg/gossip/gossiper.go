package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quorumdb/corering/pkg/detector"
	"github.com/quorumdb/corering/pkg/endpoint"
)

// DefaultInterval is the gossip tick period (spec.md §4.3: "1000 ms").
const DefaultInterval = time.Second

// DefaultRingDelay is the basic settling time for ring transitions
// (spec.md glossary: "≈30 s"); QuarantineDelay is twice this.
const DefaultRingDelay = 30 * time.Second

type endpointRecord struct {
	id    endpoint.ID
	state *endpoint.State
}

// Config configures a Gossiper (spec.md §4.3, §6).
type Config struct {
	ClusterName     string
	PartitionerName string
	Local           endpoint.ID
	Seeds           []endpoint.ID
	Interval        time.Duration
	RingDelay       time.Duration
	ShutdownGrace   time.Duration
}

// Gossiper runs the anti-entropy membership protocol: the scheduler tick,
// the three-phase SYN/ACK/ACK2 reconciliation, quarantine, and
// assassination (spec.md §4.3).
type Gossiper struct {
	mu sync.Mutex // taskLock: held for each tick and each AddLocalApplicationState

	cfg       Config
	localRec  *endpointRecord
	transport Transport
	detector  *detector.Detector
	logger    log.Logger
	rng       *rand.Rand

	liveEndpoints        map[string]*endpointRecord
	unreachableEndpoints map[string]*endpointRecord
	unreachableSince     map[string]time.Time
	justRemoved          map[string]time.Time // quarantine: key -> removal time
	seeds                map[string]endpoint.ID
	isRingMember         func(endpoint.ID) bool

	subscribers []Subscriber

	stopCh chan struct{}
	doneCh chan struct{}

	ticks       prometheus.Counter
	convictions prometheus.Counter
	liveGauge   prometheus.Gauge
}

// New constructs a Gossiper. The local endpoint's own record is created and
// inserted into liveEndpoints immediately.
func New(cfg Config, localState *endpoint.State, transport Transport, det *detector.Detector, logger log.Logger, reg prometheus.Registerer) *Gossiper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RingDelay <= 0 {
		cfg.RingDelay = DefaultRingDelay
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}

	g := &Gossiper{
		cfg:                  cfg,
		localRec:              &endpointRecord{id: cfg.Local, state: localState},
		transport:             transport,
		detector:              det,
		logger:                logger,
		rng:                   rand.New(rand.NewSource(time.Now().UnixNano())),
		liveEndpoints:         map[string]*endpointRecord{},
		unreachableEndpoints:  map[string]*endpointRecord{},
		unreachableSince:      map[string]time.Time{},
		justRemoved:           map[string]time.Time{},
		seeds:                 map[string]endpoint.ID{},
		ticks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gossip_ticks_total",
			Help: "Number of gossip scheduler rounds run.",
		}),
		convictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gossip_convictions_total",
			Help: "Number of endpoints marked dead by the gossip engine.",
		}),
		liveGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gossip_live_endpoints",
			Help: "Number of endpoints currently considered live.",
		}),
	}
	g.liveEndpoints[cfg.Local.Key()] = g.localRec
	for _, s := range cfg.Seeds {
		g.seeds[s.Key()] = s
	}
	if det != nil {
		det.AddListener(listenerFunc(g.convict))
	}
	return g
}

// listenerFunc adapts a plain function to detector.Listener.
type listenerFunc func(id endpoint.ID, phi float64)

func (f listenerFunc) Convict(id endpoint.ID, phi float64) { f(id, phi) }

// QuarantineDelay is 2×RING_DELAY (spec.md §4.3).
func (g *Gossiper) QuarantineDelay() time.Duration { return 2 * g.cfg.RingDelay }

// Subscribe registers a membership/state-change subscriber.
func (g *Gossiper) Subscribe(s Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, s)
}

// AddLocalApplicationState merges updates into the local endpoint's state
// under taskLock (spec.md §5).
func (g *Gossiper) AddLocalApplicationState(updates map[endpoint.AppStateKey]endpoint.VersionedValue) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.localRec.state.AddApplicationStates(updates)
}

// Start runs the shadow round (if seeds are configured and this node is not
// itself a seed) and then launches the scheduler tick loop.
func (g *Gossiper) Start(ctx context.Context) error {
	if !g.isSeed(g.cfg.Local) && len(g.cfg.Seeds) > 0 {
		if err := g.shadowRound(ctx); err != nil {
			return err
		}
	}

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	go g.run(ctx)
	return nil
}

func (g *Gossiper) run(ctx context.Context) {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case now := <-ticker.C:
			g.tick(ctx, now)
		}
	}
}

// tick runs one gossip round (spec.md §4.3). Errors from individual peer
// sends are logged and swallowed so one bad peer cannot wedge the tick
// (spec.md §7 "Propagation policy").
func (g *Gossiper) tick(ctx context.Context, now time.Time) {
	g.mu.Lock()
	g.localRec.state.SetHeartbeat(g.localRec.state.Heartbeat().Bump())
	digests := g.buildDigestsLocked()
	targets := g.selectGossipTargetsLocked()
	g.liveGauge.Set(float64(len(g.liveEndpoints)))
	g.mu.Unlock()

	for _, target := range targets {
		if err := g.gossipTo(ctx, target, digests); err != nil {
			level.Debug(g.logger).Log("msg", "gossip round to peer failed", "peer", target.String(), "err", err)
		}
	}

	g.doStatusCheck(now)
	g.ticks.Inc()
}

func (g *Gossiper) buildDigestsLocked() []Digest {
	all := make(map[string]*endpointRecord, len(g.liveEndpoints)+len(g.unreachableEndpoints))
	for k, v := range g.liveEndpoints {
		all[k] = v
	}
	for k, v := range g.unreachableEndpoints {
		all[k] = v
	}
	return buildDigests(all, g.rng)
}

// selectGossipTargetsLocked implements spec.md §4.3 step 4's peer-selection
// rule: always one live peer; maybe one unreachable peer; maybe one seed.
func (g *Gossiper) selectGossipTargetsLocked() []endpoint.ID {
	var targets []endpoint.ID

	liveKeys := otherKeys(g.liveEndpoints, g.cfg.Local)
	unreachableKeys := keysOf(g.unreachableEndpoints)

	sentToSeed := false
	if len(liveKeys) > 0 {
		pick := liveKeys[g.rng.Intn(len(liveKeys))]
		targets = append(targets, g.liveEndpoints[pick].id)
		_, sentToSeed = g.seeds[pick]
	}

	liveCount := len(liveKeys)
	unreachableCount := len(unreachableKeys)
	if unreachableCount > 0 {
		prob := float64(unreachableCount) / float64(liveCount+1)
		if g.rng.Float64() < prob {
			pick := unreachableKeys[g.rng.Intn(unreachableCount)]
			targets = append(targets, g.unreachableEndpoints[pick].id)
		}
	}

	seedCount := len(g.seeds)
	_, localIsOnlySeed := g.seeds[g.cfg.Local.Key()]
	onlySeed := localIsOnlySeed && seedCount == 1
	if seedCount > 0 && !onlySeed && (!sentToSeed || liveCount < seedCount) {
		denom := liveCount + unreachableCount
		sendToSeed := liveCount == 0
		if !sendToSeed && denom > 0 {
			sendToSeed = g.rng.Float64() < float64(seedCount)/float64(denom)
		}
		if sendToSeed {
			candidates := make([]endpoint.ID, 0, seedCount)
			for _, s := range g.seeds {
				if !s.Equals(g.cfg.Local) {
					candidates = append(candidates, s)
				}
			}
			if len(candidates) > 0 {
				targets = append(targets, candidates[g.rng.Intn(len(candidates))])
			}
		}
	}

	return targets
}

func (g *Gossiper) isSeed(id endpoint.ID) bool {
	_, ok := g.seeds[id.Key()]
	return ok
}

func otherKeys(m map[string]*endpointRecord, local endpoint.ID) []string {
	out := make([]string, 0, len(m))
	for k, rec := range m {
		if rec.id.Equals(local) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func keysOf(m map[string]*endpointRecord) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// gossipTo performs the SYN/ACK/ACK2 round trip with one peer.
func (g *Gossiper) gossipTo(ctx context.Context, target endpoint.ID, digests []Digest) error {
	syn := Syn{ClusterName: g.cfg.ClusterName, PartitionerName: g.cfg.PartitionerName, Digests: digests}
	ack, err := g.transport.SendSyn(ctx, target, syn)
	if err != nil {
		return err
	}

	g.handleAck(ack)

	ack2 := g.buildAck2(ack.RequestList)
	return g.transport.SendAck2(ctx, target, ack2)
}

// Stop cancels the scheduler tick. In-flight echoes may be dropped
// (spec.md §5).
func (g *Gossiper) Stop() {
	if g.stopCh == nil {
		return
	}
	select {
	case <-g.stopCh:
	default:
		close(g.stopCh)
	}
	<-g.doneCh
}

// Shutdown announces SHUTDOWN, notifies all live peers, sleeps the
// configured grace period, then stops the scheduler (spec.md §5). The
// per-peer notifications fan out concurrently; a peer that cannot be
// reached does not stop the others from being notified, and every failure
// is returned aggregated in one error.
func (g *Gossiper) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.localRec.state.AddApplicationStates(map[endpoint.AppStateKey]endpoint.VersionedValue{
		endpoint.StatusWithPort: {Value: "SHUTDOWN", Version: g.localRec.state.GetMaxVersion() + 1},
		endpoint.StatusLegacy:   {Value: "SHUTDOWN", Version: g.localRec.state.GetMaxVersion() + 1},
	})
	targets := make([]endpoint.ID, 0, len(g.liveEndpoints))
	for _, rec := range g.liveEndpoints {
		if !rec.id.Equals(g.cfg.Local) {
			targets = append(targets, rec.id)
		}
	}
	g.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  *multierror.Error
	)
	for _, t := range targets {
		wg.Add(1)
		go func(target endpoint.ID) {
			defer wg.Done()
			if err := g.transport.SendShutdown(ctx, target); err != nil {
				errMu.Lock()
				errs = multierror.Append(errs, errors.Wrapf(err, "gossip: shutdown notice to %s", target))
				errMu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	select {
	case <-time.After(g.cfg.ShutdownGrace):
	case <-ctx.Done():
	}
	g.Stop()

	if errs != nil {
		return errs.ErrorOrNil()
	}
	return nil
}

// LiveEndpoints returns a snapshot of currently live, non-local endpoint IDs.
func (g *Gossiper) LiveEndpoints() []endpoint.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]endpoint.ID, 0, len(g.liveEndpoints))
	for _, rec := range g.liveEndpoints {
		if rec.id.Equals(g.cfg.Local) {
			continue
		}
		out = append(out, rec.id)
	}
	return out
}

// IsAlive satisfies streaming.AliveChecker.
func (g *Gossiper) IsAlive(id endpoint.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.liveEndpoints[id.Key()]
	return ok && rec.state.IsAlive()
}

// State returns the current application state tracked for id, if known;
// subscribers use it to read sibling application-state values (e.g. DC
// alongside a RACK change) that their own callback parameter doesn't carry.
func (g *Gossiper) State(id endpoint.ID) (*endpoint.State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recordLocked(id.Key())
	if !ok {
		return nil, false
	}
	return rec.state, true
}
