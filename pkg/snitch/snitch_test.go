package snitch

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/corering/pkg/endpoint"
)

type fakeLocator map[string][2]string // key -> [dc, rack]

func (f fakeLocator) GetDatacenter(id endpoint.ID) string { return f[id.Key()][0] }
func (f fakeLocator) GetRack(id endpoint.ID) string       { return f[id.Key()][1] }

func newEndpoint(t *testing.T, ip string, port int) endpoint.ID {
	t.Helper()
	addr, err := endpoint.NewAddr(net.ParseIP(ip), port)
	require.NoError(t, err)
	return endpoint.New(uuid.New(), addr)
}

func TestSimpleSnitchIsIdentityOrder(t *testing.T) {
	a := newEndpoint(t, "10.0.0.1", 7000)
	b := newEndpoint(t, "10.0.0.2", 7000)
	in := []endpoint.ID{b, a}

	got := Simple{}.GetSortedListByProximity(a, in)
	assert.Equal(t, in, got)
}

func TestRackInferringSortsSameRackThenSameDCThenRest(t *testing.T) {
	self := newEndpoint(t, "10.0.0.1", 7000)
	sameRack := newEndpoint(t, "10.0.0.2", 7000)
	sameDC := newEndpoint(t, "10.0.0.3", 7000)
	remote := newEndpoint(t, "10.0.0.4", 7000)

	loc := fakeLocator{
		self.Key():     {"dc1", "r1"},
		sameRack.Key(): {"dc1", "r1"},
		sameDC.Key():   {"dc1", "r2"},
		remote.Key():   {"dc2", "r9"},
	}
	s := NewRackInferring(loc)

	in := []endpoint.ID{remote, sameDC, sameRack}
	got := s.GetSortedListByProximity(self, in)

	require.Len(t, got, 3)
	assert.True(t, got[0].Equals(sameRack))
	assert.True(t, got[1].Equals(sameDC))
	assert.True(t, got[2].Equals(remote))
}

func TestRackInferringCompareEndpoints(t *testing.T) {
	self := newEndpoint(t, "10.0.0.1", 7000)
	sameRack := newEndpoint(t, "10.0.0.2", 7000)
	remote := newEndpoint(t, "10.0.0.3", 7000)

	loc := fakeLocator{
		self.Key():     {"dc1", "r1"},
		sameRack.Key(): {"dc1", "r1"},
		remote.Key():   {"dc2", "r9"},
	}
	s := NewRackInferring(loc)

	assert.Less(t, s.CompareEndpoints(self, sameRack, remote), 0)
}
