package strategy

import (
	"net"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/partition"
	"github.com/quorumdb/corering/pkg/tokenring"
)

func newEndpoint(t *testing.T, ip string, port int) endpoint.ID {
	t.Helper()
	addr, err := endpoint.NewAddr(net.ParseIP(ip), port)
	require.NoError(t, err)
	return endpoint.New(uuid.New(), addr)
}

func tok(v int64) partition.Token { return partition.Murmur3Token(v) }

func ringOfThree(t *testing.T) (*tokenring.Metadata, endpoint.ID, endpoint.ID, endpoint.ID) {
	m := tokenring.NewMetadata(partition.Murmur3Partitioner{}, log.NewNopLogger())
	a := newEndpoint(t, "10.0.0.1", 7000)
	b := newEndpoint(t, "10.0.0.2", 7000)
	c := newEndpoint(t, "10.0.0.3", 7000)
	m.UpdateNormalTokens(a, []partition.Token{tok(10)})
	m.UpdateNormalTokens(b, []partition.Token{tok(50)})
	m.UpdateNormalTokens(c, []partition.Token{tok(90)})
	return m, a, b, c
}

func TestSimpleCalculateNaturalEndpointsWrapsAroundRing(t *testing.T) {
	m, a, b, c := ringOfThree(t)
	s := Simple{RF: 3}

	replicas, err := s.CalculateNaturalEndpoints(tok(95), m)
	require.NoError(t, err)
	require.Len(t, replicas, 3)
	assert.True(t, replicas[0].Equals(a), "token 95 should start at the first owner past it, wrapping to a")
	assert.True(t, replicas[1].Equals(b))
	assert.True(t, replicas[2].Equals(c))
}

func TestSimpleAddressRangesCoverEveryRangeRFTimes(t *testing.T) {
	m, a, b, c := ringOfThree(t)
	s := Simple{RF: 2}

	ranges, err := s.AddressRanges(m)
	require.NoError(t, err)

	total := 0
	for _, id := range []endpoint.ID{a, b, c} {
		total += len(ranges[id.Key()])
	}
	assert.Equal(t, 3*2, total, "3 ranges each replicated to RF=2 endpoints")
}

func TestNetworkTopologyPrefersDistinctRacksBeforeFallback(t *testing.T) {
	m := tokenring.NewMetadata(partition.Murmur3Partitioner{}, log.NewNopLogger())
	a := newEndpoint(t, "10.0.0.1", 7000)
	b := newEndpoint(t, "10.0.0.2", 7000)
	c := newEndpoint(t, "10.0.0.3", 7000)

	m.UpdateNormalTokens(a, []partition.Token{tok(10)})
	m.UpdateNormalTokens(b, []partition.Token{tok(50)})
	m.UpdateNormalTokens(c, []partition.Token{tok(90)})

	m.Topology().AddEndpoint(a, tokenring.Location{DC: "dc1", Rack: "r1"})
	m.Topology().AddEndpoint(b, tokenring.Location{DC: "dc1", Rack: "r1"})
	m.Topology().AddEndpoint(c, tokenring.Location{DC: "dc1", Rack: "r2"})

	n := NetworkTopology{ReplicationFactors: map[string]int{"dc1": 2}}
	replicas, err := n.CalculateNaturalEndpoints(tok(5), m)
	require.NoError(t, err)

	require.Len(t, replicas, 2)
	assert.True(t, replicas[0].Equals(a))
	// b shares a's rack; c is in a distinct rack and must be preferred over b.
	assert.True(t, replicas[1].Equals(c))
}

func TestNetworkTopologyFallsBackToSameRackWhenRacksExhausted(t *testing.T) {
	m := tokenring.NewMetadata(partition.Murmur3Partitioner{}, log.NewNopLogger())
	a := newEndpoint(t, "10.0.0.1", 7000)
	b := newEndpoint(t, "10.0.0.2", 7000)

	m.UpdateNormalTokens(a, []partition.Token{tok(10)})
	m.UpdateNormalTokens(b, []partition.Token{tok(50)})

	m.Topology().AddEndpoint(a, tokenring.Location{DC: "dc1", Rack: "r1"})
	m.Topology().AddEndpoint(b, tokenring.Location{DC: "dc1", Rack: "r1"})

	n := NetworkTopology{ReplicationFactors: map[string]int{"dc1": 2}}
	replicas, err := n.CalculateNaturalEndpoints(tok(5), m)
	require.NoError(t, err)

	// Only one rack exists in dc1, so the second replica must fall back to
	// the same rack rather than being dropped.
	require.Len(t, replicas, 2)
}

func TestCalculateNaturalEndpointsOnEmptyRingErrors(t *testing.T) {
	m := tokenring.NewMetadata(partition.Murmur3Partitioner{}, log.NewNopLogger())
	_, err := Simple{RF: 1}.CalculateNaturalEndpoints(tok(1), m)
	require.Error(t, err)
}
