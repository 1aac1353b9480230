package tokenring

import (
	"net"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/partition"
)

func newEndpoint(t *testing.T, ip string, port int) endpoint.ID {
	t.Helper()
	addr, err := endpoint.NewAddr(net.ParseIP(ip), port)
	require.NoError(t, err)
	return endpoint.New(uuid.New(), addr)
}

func newTestMetadata() *Metadata {
	return NewMetadata(partition.Murmur3Partitioner{}, log.NewNopLogger())
}

func TestUpdateNormalTokensPlacesAndSorts(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)

	m.UpdateNormalTokens(a, []partition.Token{tok(30), tok(10), tok(20)})

	got := m.SortedTokens()
	require.Len(t, got, 3)
	assert.Equal(t, []partition.Token{tok(10), tok(20), tok(30)}, got)

	owner, ok := m.EndpointForToken(tok(20))
	assert.True(t, ok)
	assert.True(t, owner.Equals(a))
}

func TestUpdateNormalTokensClearsBootstrapLeavingMoving(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)

	require.NoError(t, m.AddBootstrapTokens([]partition.Token{tok(5)}, a, nil))
	m.AddLeavingEndpoint(a)
	m.AddMovingEndpoint(tok(15), a)

	m.UpdateNormalTokens(a, []partition.Token{tok(5)})

	assert.Empty(t, m.BootstrapTokens())
	assert.Empty(t, m.LeavingEndpoints())
	assert.Empty(t, m.MovingEndpoints())
}

func TestAddBootstrapTokensRejectsCollisionWithAnotherEndpoint(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)
	b := newEndpoint(t, "10.0.0.2", 7000)

	m.UpdateNormalTokens(a, []partition.Token{tok(10)})

	err := m.AddBootstrapTokens([]partition.Token{tok(10)}, b, nil)
	require.Error(t, err)
}

func TestAddBootstrapTokensAllowsReplacementOriginal(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)
	replacement := newEndpoint(t, "10.0.0.2", 7000)

	m.UpdateNormalTokens(a, []partition.Token{tok(10)})

	err := m.AddBootstrapTokens([]partition.Token{tok(10)}, replacement, &a)
	require.NoError(t, err)
}

func TestRemoveEndpointClearsEverything(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)
	m.UpdateNormalTokens(a, []partition.Token{tok(10), tok(20)})
	m.Topology().AddEndpoint(a, Location{DC: "dc1", Rack: "r1"})

	m.RemoveEndpoint(a)

	assert.Empty(t, m.SortedTokens())
	assert.Empty(t, m.AllEndpoints())
	_, ok := m.Topology().Location(a)
	assert.False(t, ok)
}

func TestPrimaryRangeWrapsAtSmallestToken(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)
	b := newEndpoint(t, "10.0.0.2", 7000)
	c := newEndpoint(t, "10.0.0.3", 7000)

	m.UpdateNormalTokens(a, []partition.Token{tok(10)})
	m.UpdateNormalTokens(b, []partition.Token{tok(50)})
	m.UpdateNormalTokens(c, []partition.Token{tok(90)})

	// a owns the smallest token: its primary range must wrap from the
	// largest token around to its own.
	r, err := m.PrimaryRange(tok(10))
	require.NoError(t, err)
	assert.Equal(t, Range{Left: tok(90), Right: tok(10)}, r)

	r, err = m.PrimaryRange(tok(50))
	require.NoError(t, err)
	assert.Equal(t, Range{Left: tok(10), Right: tok(50)}, r)
}

func TestPrimaryRangeOnEmptyRingErrors(t *testing.T) {
	m := newTestMetadata()
	_, err := m.PrimaryRange(tok(10))
	require.Error(t, err)
}

func TestCloneOnlyTokenMapIsIndependent(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)
	m.UpdateNormalTokens(a, []partition.Token{tok(10)})

	clone := m.CloneOnlyTokenMap()
	b := newEndpoint(t, "10.0.0.2", 7000)
	m.UpdateNormalTokens(b, []partition.Token{tok(20)})

	assert.Len(t, clone.SortedTokens(), 1, "clone must not observe mutations made after it was taken")
	assert.Len(t, m.SortedTokens(), 2)
}

func TestCloneAfterAllLeftRemovesLeavingEndpoints(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)
	b := newEndpoint(t, "10.0.0.2", 7000)
	m.UpdateNormalTokens(a, []partition.Token{tok(10)})
	m.UpdateNormalTokens(b, []partition.Token{tok(20)})
	m.AddLeavingEndpoint(a)

	after := m.CloneAfterAllLeft()
	_, ok := after.EndpointForToken(tok(10))
	assert.False(t, ok)
	_, ok = after.EndpointForToken(tok(20))
	assert.True(t, ok)
}

func TestCloneAfterAllSettledAppliesMoves(t *testing.T) {
	m := newTestMetadata()
	a := newEndpoint(t, "10.0.0.1", 7000)
	m.UpdateNormalTokens(a, []partition.Token{tok(10)})
	m.AddMovingEndpoint(tok(99), a)

	after := m.CloneAfterAllSettled()
	owner, ok := after.EndpointForToken(tok(99))
	assert.True(t, ok)
	assert.True(t, owner.Equals(a))
}
