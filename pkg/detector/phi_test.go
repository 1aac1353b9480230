package detector

import (
	"math"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/corering/pkg/endpoint"
)

func testID(t *testing.T) endpoint.ID {
	t.Helper()
	addr, err := endpoint.NewAddr(net.ParseIP("10.0.0.1"), 7000)
	require.NoError(t, err)
	return endpoint.New(endpoint.NilUUID, addr)
}

// recordingListener captures every conviction, counting calls per endpoint
// so tests can assert "exactly once per crossing" (spec.md §4.2, §8
// scenario 4).
type recordingListener struct {
	convictions map[string]int
	lastPhi     map[string]float64
}

func newRecordingListener() *recordingListener {
	return &recordingListener{convictions: map[string]int{}, lastPhi: map[string]float64{}}
}

func (l *recordingListener) Convict(id endpoint.ID, phi float64) {
	l.convictions[id.Key()]++
	l.lastPhi[id.Key()] = phi
}

func TestDetectorStaysQuietUnderSteadyHeartbeats(t *testing.T) {
	d := New(DefaultWindowSize, DefaultPhiThreshold, log.NewNopLogger(), prometheus.NewRegistry())
	l := newRecordingListener()
	d.AddListener(l)

	id := testID(t)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 60; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		d.Report(id, now)
		d.Interpret(id, now)
	}

	assert.Zero(t, l.convictions[id.Key()], "regular 1s heartbeats must never cross phi=8")
}

// TestDetectorConvictsExactlyOnceAfterSilence reproduces spec.md §8 scenario
// 4: 60 heartbeats at 1s, then silence; phi rises past the threshold and
// Convict fires exactly once per crossing, not once per subsequent tick.
func TestDetectorConvictsExactlyOnceAfterSilence(t *testing.T) {
	d := New(DefaultWindowSize, DefaultPhiThreshold, log.NewNopLogger(), prometheus.NewRegistry())
	l := newRecordingListener()
	d.AddListener(l)

	id := testID(t)
	base := time.Unix(1_700_000_000, 0)
	var now time.Time
	for i := 0; i < 60; i++ {
		now = base.Add(time.Duration(i) * time.Second)
		d.Report(id, now)
		d.Interpret(id, now)
	}
	require.Zero(t, l.convictions[id.Key()])

	// Silence: push the clock far enough past the last heartbeat that phi
	// must cross the threshold, checking at every tick like the real
	// scheduler would.
	for i := 1; i <= 120; i++ {
		tick := now.Add(time.Duration(i) * time.Second)
		d.Interpret(id, tick)
	}

	assert.Equal(t, 1, l.convictions[id.Key()], "convict must fire exactly once per threshold crossing")
	assert.Greater(t, l.lastPhi[id.Key()], DefaultPhiThreshold)
}

func TestDetectorReportResetsConvictedFlag(t *testing.T) {
	d := New(DefaultWindowSize, DefaultPhiThreshold, log.NewNopLogger(), prometheus.NewRegistry())
	l := newRecordingListener()
	d.AddListener(l)

	id := testID(t)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 30; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		d.Report(id, now)
	}
	silent := base.Add(200 * time.Second)
	d.Interpret(id, silent)
	require.Equal(t, 1, l.convictions[id.Key()])

	// A fresh heartbeat arrives; the detector should be willing to convict
	// again after another silence, rather than staying latched forever.
	d.Report(id, silent.Add(time.Second))
	d.Interpret(id, silent.Add(2*time.Second))
	assert.Equal(t, 1, l.convictions[id.Key()], "a single fresh heartbeat must not itself trigger a second conviction")

	d.Interpret(id, silent.Add(300*time.Second))
	assert.Equal(t, 2, l.convictions[id.Key()], "a new silence after a fresh heartbeat must convict again")
}

func TestDetectorRemoveDiscardsHistory(t *testing.T) {
	d := New(DefaultWindowSize, DefaultPhiThreshold, log.NewNopLogger(), prometheus.NewRegistry())
	id := testID(t)
	now := time.Unix(1_700_000_000, 0)
	d.Report(id, now)
	d.Report(id, now.Add(time.Second))

	d.Remove(id)
	assert.Zero(t, d.Interpret(id, now.Add(time.Hour)), "Interpret on unknown endpoint returns zero phi")
}

func TestForceConvictionIgnoresPhi(t *testing.T) {
	d := New(DefaultWindowSize, DefaultPhiThreshold, log.NewNopLogger(), prometheus.NewRegistry())
	l := newRecordingListener()
	d.AddListener(l)

	id := testID(t)
	d.ForceConviction(id)

	assert.Equal(t, 1, l.convictions[id.Key()])
	assert.True(t, math.IsInf(l.lastPhi[id.Key()], 1))
}
