package main

import (
	"flag"
	"time"

	"gopkg.in/yaml.v2"
)

// Config configures a coreringd node, following the teacher's
// RegisterFlags/RegisterFlagsWithPrefix convention for composing flag
// registration across subsystems.
type Config struct {
	ClusterName       string        `yaml:"cluster_name"`
	ListenAddress     string        `yaml:"listen_address"`
	Seeds             []string      `yaml:"seeds"`
	GossipInterval    time.Duration `yaml:"gossip_interval"`
	RingDelay         time.Duration `yaml:"ring_delay"`
	ReplicationFactor int           `yaml:"replication_factor"`
	PhiThreshold      float64       `yaml:"phi_threshold"`
	PeerCacheCapacity int           `yaml:"peer_cache_capacity"`
}

// RegisterFlags adds this config's flags to f with no prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix adds this config's flags to f, each name prefixed
// by prefix (empty string for none).
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ClusterName, prefix+"cluster-name", "corering", "Name of the cluster this node joins; peers with a different name are rejected during the shadow round.")
	f.StringVar(&cfg.ListenAddress, prefix+"listen-address", "127.0.0.1:7000", "Address this node advertises as its broadcast address.")
	f.DurationVar(&cfg.GossipInterval, prefix+"gossip.interval", time.Second, "Gossip scheduler tick period.")
	f.DurationVar(&cfg.RingDelay, prefix+"ring.delay", 30*time.Second, "Basic settling time for ring transitions; quarantine delay is twice this.")
	f.IntVar(&cfg.ReplicationFactor, prefix+"replication-factor", 3, "Replication factor used by the default SimpleStrategy keyspace.")
	f.Float64Var(&cfg.PhiThreshold, prefix+"failure-detector.phi-threshold", 8.0, "Suspicion level above which the failure detector convicts an endpoint.")
	f.IntVar(&cfg.PeerCacheCapacity, prefix+"peerstore.capacity", 8192, "Maximum number of peer records cached in memory.")
}

// LoadYAML unmarshals a YAML config document on top of cfg's current
// (flag-default) values.
func LoadYAML(cfg *Config, data []byte) error {
	return yaml.Unmarshal(data, cfg)
}
