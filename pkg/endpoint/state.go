package endpoint

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
)

// AppStateKey enumerates the fixed set of application-state slots gossip
// carries (spec.md §3). Unknown ordinals observed on the wire are a fatal
// version mismatch (spec.md §6) — see gossip/wire.go.
type AppStateKey int

const (
	StatusLegacy AppStateKey = iota
	StatusWithPort
	HostID
	Tokens
	DC
	Rack
	Schema
	ReleaseVersion
	InternalAddress
	RPCAddress
	NativeAddress
	RPCReady
	Severity
	RemovalCoordinator

	numAppStateKeys
)

func (k AppStateKey) String() string {
	names := [...]string{
		"STATUS", "STATUS_WITH_PORT", "HOST_ID", "TOKENS", "DC", "RACK",
		"SCHEMA", "RELEASE_VERSION", "INTERNAL_ADDRESS", "RPC_ADDRESS",
		"NATIVE_ADDRESS", "RPC_READY", "SEVERITY", "REMOVAL_COORDINATOR",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return "UNKNOWN"
	}
	return names[k]
}

// IsKnownAppStateOrdinal reports whether ordinal names a key in the fixed
// enumeration; used by the wire decoder (spec.md §6).
func IsKnownAppStateOrdinal(ordinal int) bool {
	return ordinal >= 0 && ordinal < int(numAppStateKeys)
}

// VersionedValue is a string payload tagged with a monotonically increasing
// version, unique only within one (endpoint, generation) pair (spec.md §3).
type VersionedValue struct {
	Value   string
	Version int32
}

// MaxGenerationSkew bounds how far a remote generation may exceed local wall
// time before it is rejected as corrupt (spec.md §3: "≈ 1 year").
const MaxGenerationSkew = 365 * 24 * time.Hour

// HeartBeatState is (generation, version). The generation is wall-clock
// seconds at process start; version increments each gossip tick (spec.md §3).
type HeartBeatState struct {
	Generation int64
	Version    int32
}

// NewHeartBeatState initializes a generation from the current wall clock.
func NewHeartBeatState(now time.Time) HeartBeatState {
	return HeartBeatState{Generation: now.Unix(), Version: 0}
}

// IsGenerationCorrupt reports whether this generation exceeds localNow by
// more than MaxGenerationSkew (spec.md §3, §7 GenerationRejected).
func (h HeartBeatState) IsGenerationCorrupt(localNow time.Time) bool {
	bound := localNow.Add(MaxGenerationSkew).Unix()
	return h.Generation > bound
}

// Bump returns a copy with the heartbeat version incremented by one, used
// once per gossip tick (spec.md §4.3 step 1).
func (h HeartBeatState) Bump() HeartBeatState {
	h.Version++
	return h
}

// snapshot is the immutable value swapped by compare-and-swap on every
// addApplicationStates call (spec.md §4.1).
type snapshot struct {
	heartbeat HeartBeatState
	appState  map[AppStateKey]VersionedValue
}

func emptySnapshot(hb HeartBeatState) *snapshot {
	return &snapshot{heartbeat: hb, appState: map[AppStateKey]VersionedValue{}}
}

// State is (heartbeat, map<AppStateKey, VersionedValue>, updateTimestamp,
// isAlive) per spec.md §3. Readers capture a *snapshot pointer and never
// block; writers retry compare-and-swap on conflict.
type State struct {
	snap            atomic.Pointer[snapshot]
	isAlive         atomic.Bool
	updateTimestamp atomic.Int64 // local monotonic nanos, never serialized
}

// NewState constructs State with the given initial heartbeat, not yet alive.
func NewState(hb HeartBeatState, now time.Time) *State {
	s := &State{}
	s.snap.Store(emptySnapshot(hb))
	s.updateTimestamp.Store(now.UnixNano())
	return s
}

// Heartbeat returns the current heartbeat.
func (s *State) Heartbeat() HeartBeatState {
	return s.snap.Load().heartbeat
}

// GetApplicationState returns the current versioned value for key, or false
// if absent (spec.md §4.1).
func (s *State) GetApplicationState(key AppStateKey) (VersionedValue, bool) {
	v, ok := s.snap.Load().appState[key]
	return v, ok
}

// PreferredStatus resolves the STATUS vs STATUS_WITH_PORT Open Question
// (spec.md §9): readers prefer STATUS_WITH_PORT, falling back to STATUS.
func (s *State) PreferredStatus() (VersionedValue, bool) {
	if v, ok := s.GetApplicationState(StatusWithPort); ok {
		return v, true
	}
	return s.GetApplicationState(StatusLegacy)
}

// SetHeartbeat atomically replaces the heartbeat, preserving the current
// application-state map. Used by the gossip tick (bump version) and by
// assassination (force a generation past the observed one).
func (s *State) SetHeartbeat(hb HeartBeatState) {
	backoffRetryCAS(func() bool {
		old := s.snap.Load()
		next := &snapshot{heartbeat: hb, appState: old.appState}
		return s.snap.CompareAndSwap(old, next)
	})
}

// AddApplicationStates atomically merges updates into the snapshot,
// replacing entries named in updates and leaving the rest untouched,
// yielding a new immutable snapshot (spec.md §4.1). Readers that captured
// the previous snapshot continue to observe it.
func (s *State) AddApplicationStates(updates map[AppStateKey]VersionedValue) {
	backoffRetryCAS(func() bool {
		old := s.snap.Load()
		merged := make(map[AppStateKey]VersionedValue, len(old.appState)+len(updates))
		for k, v := range old.appState {
			merged[k] = v
		}
		for k, v := range updates {
			merged[k] = v
		}
		next := &snapshot{heartbeat: old.heartbeat, appState: merged}
		return s.snap.CompareAndSwap(old, next)
	})
}

// backoffRetryCAS retries a compare-and-swap attempt until it succeeds,
// using a small bounded backoff instead of a bare spin loop so contended
// writers (concurrent gossip-stage workers applying the same endpoint's
// deltas) yield the scheduler between attempts (spec.md §4.1 "on conflict
// they retry with the latest snapshot").
func backoffRetryCAS(attempt func() bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Microsecond
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = 0
	_ = backoff.Retry(func() error {
		if attempt() {
			return nil
		}
		return errRetry
	}, b)
}

var errRetry = &retryError{}

type retryError struct{}

func (*retryError) Error() string { return "endpoint: snapshot CAS conflict, retrying" }

// GetMaxVersion returns the maximum of the heartbeat version and all
// application-state versions (spec.md §4.1).
func (s *State) GetMaxVersion() int32 {
	snap := s.snap.Load()
	max := snap.heartbeat.Version
	for _, v := range snap.appState {
		if v.Version > max {
			max = v.Version
		}
	}
	return max
}

// GetStatesWithVersionGreaterThan returns the subset of application states
// whose version exceeds v, to transmit during gossip reconciliation
// (spec.md §4.1).
func (s *State) GetStatesWithVersionGreaterThan(v int32) map[AppStateKey]VersionedValue {
	snap := s.snap.Load()
	out := map[AppStateKey]VersionedValue{}
	for k, vv := range snap.appState {
		if vv.Version > v {
			out[k] = vv
		}
	}
	return out
}

// Snapshot returns the full application-state map as of this call.
func (s *State) Snapshot() (HeartBeatState, map[AppStateKey]VersionedValue) {
	snap := s.snap.Load()
	out := make(map[AppStateKey]VersionedValue, len(snap.appState))
	for k, v := range snap.appState {
		out[k] = v
	}
	return snap.heartbeat, out
}

// IsAlive reports the locally derived liveness flag (spec.md §3); set by the
// gossip engine's mark-alive/mark-dead transitions, never by the state
// itself.
func (s *State) IsAlive() bool { return s.isAlive.Load() }

// SetAlive updates the derived liveness flag.
func (s *State) SetAlive(alive bool) { s.isAlive.Store(alive) }

// UpdateTimestamp returns the local monotonic update timestamp (never
// serialized, spec.md §3).
func (s *State) UpdateTimestamp() time.Time {
	return time.Unix(0, s.updateTimestamp.Load())
}

// Touch records now as the update timestamp.
func (s *State) Touch(now time.Time) {
	s.updateTimestamp.Store(now.UnixNano())
}

// DeadStates are the application-level statuses treated as not-a-live-
// participant for merge purposes (spec.md §4.7).
var DeadStates = map[string]struct{}{
	"REMOVING_TOKEN": {},
	"REMOVED_TOKEN":  {},
	"LEFT":           {},
	"HIBERNATE":      {},
}
