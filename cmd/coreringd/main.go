// Command coreringd is a composition root demonstrating how the gossip
// engine, token-ring metadata, replication strategy, snitch, and range
// streaming planner wire together as explicit dependencies (spec.md §9
// "Global singleton state": re-architected as a top-level composition root).
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumdb/corering/pkg/detector"
	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/gossip"
	"github.com/quorumdb/corering/pkg/partition"
	"github.com/quorumdb/corering/pkg/peerstore"
	"github.com/quorumdb/corering/pkg/snitch"
	"github.com/quorumdb/corering/pkg/strategy"
	"github.com/quorumdb/corering/pkg/streaming"
	"github.com/quorumdb/corering/pkg/tokenring"
)

func main() {
	var cfg Config
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	reg := prometheus.NewRegistry()

	node, err := newNode(cfg, logger, reg)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build node", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.gossiper.Start(ctx); err != nil {
		level.Error(logger).Log("msg", "failed to start gossip engine", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "coreringd started", "local", node.local.String(), "cluster", cfg.ClusterName)

	<-ctx.Done()
	level.Info(logger).Log("msg", "shutting down")
	if err := node.gossiper.Shutdown(context.Background()); err != nil {
		level.Warn(logger).Log("msg", "shutdown notices incomplete", "err", err)
	}
}

// node is the composition root's bag of wired dependencies.
type node struct {
	local     endpoint.ID
	gossiper  *gossip.Gossiper
	detector  *detector.Detector
	ring      *tokenring.Metadata
	strategy  tokenring.ReplicationStrategy
	snitch    snitch.Snitch
	planner   *streaming.Planner
	peers     *peerstore.Store
	streamed  *peerstore.StreamState
	transport *gossip.LoopbackTransport
}

func newNode(cfg Config, logger log.Logger, reg prometheus.Registerer) (*node, error) {
	host, portStr, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "coreringd: invalid listen-address %q", cfg.ListenAddress)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, errors.Wrapf(err, "coreringd: invalid port in %q", cfg.ListenAddress)
	}
	broadcast, err := endpoint.NewAddr(net.ParseIP(host), port)
	if err != nil {
		return nil, err
	}

	peers, err := peerstore.New(cfg.PeerCacheCapacity)
	if err != nil {
		return nil, err
	}

	hostID := uuid.New()
	if saved, ok := peers.LocalHostID(); ok {
		if parsed, err := uuid.Parse(saved); err == nil {
			hostID = parsed
		}
	} else {
		peers.SaveLocalHostID(hostID.String())
	}

	local := endpoint.New(hostID, broadcast)

	det := detector.New(detector.DefaultWindowSize, cfg.PhiThreshold, log.With(logger, "component", "detector"), reg)

	localState := endpoint.NewState(endpoint.NewHeartBeatState(time.Now()), time.Now())
	localState.SetAlive(true)

	seeds := make([]endpoint.ID, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		sHost, sPortStr, err := net.SplitHostPort(s)
		if err != nil {
			return nil, errors.Wrapf(err, "coreringd: invalid seed %q", s)
		}
		var sPort int
		if _, err := fmt.Sscanf(sPortStr, "%d", &sPort); err != nil {
			return nil, errors.Wrapf(err, "coreringd: invalid seed port in %q", s)
		}
		addr, err := endpoint.NewAddr(net.ParseIP(sHost), sPort)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, endpoint.New(uuid.Nil, addr))
	}

	gcfg := gossip.Config{
		ClusterName:     cfg.ClusterName,
		PartitionerName: "Murmur3Partitioner",
		Local:           local,
		Seeds:           seeds,
		Interval:        cfg.GossipInterval,
		RingDelay:       cfg.RingDelay,
	}

	transport := gossip.NewLoopbackTransport()
	g := gossip.New(gcfg, localState, transport, det, log.With(logger, "component", "gossip"), reg)
	transport.Register(local, g)

	ring := tokenring.NewMetadata(partition.Murmur3Partitioner{}, log.With(logger, "component", "tokenring"))

	strat := strategy.Simple{RF: cfg.ReplicationFactor}
	sn := snitch.NewRackInferring(ring.Topology())

	g.SetRingMembership(func(id endpoint.ID) bool {
		for _, e := range ring.AllEndpoints() {
			if e.Equals(id) {
				return true
			}
		}
		return false
	})

	streamed := peerstore.NewStreamState()
	planner := &streaming.Planner{
		Local:             local,
		Keyspace:          "default",
		Strategy:          strat,
		Snitch:            sn,
		Ring:              ring,
		StrictConsistency: false,
		ReplicationFactor: cfg.ReplicationFactor,
		StateStore:        streamed,
		Logger:            log.With(logger, "component", "planner"),
		Filters: []streaming.SourceFilter{
			streaming.FailureDetectorSourceFilter{Alive: g},
			streaming.ExcludeLocalNodeFilter{Local: local},
		},
	}

	g.Subscribe(&ringProjection{ring: ring, peers: peers, gossip: g, rng: rand.New(rand.NewSource(time.Now().UnixNano()))})

	return &node{
		local:     local,
		gossiper:  g,
		detector:  det,
		ring:      ring,
		strategy:  strat,
		snitch:    sn,
		planner:   planner,
		peers:     peers,
		streamed:  streamed,
		transport: transport,
	}, nil
}
