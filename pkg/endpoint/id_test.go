package endpoint

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddrRejectsOutOfRangePort(t *testing.T) {
	_, err := NewAddr(net.ParseIP("127.0.0.1"), 70000)
	require.Error(t, err)

	_, err = NewAddr(net.ParseIP("127.0.0.1"), -1)
	require.Error(t, err)

	a, err := NewAddr(net.ParseIP("127.0.0.1"), 7000)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", a.String())
}

func TestIDEqualsIncludesHostUUID(t *testing.T) {
	addr, err := NewAddr(net.ParseIP("10.0.0.1"), 7000)
	require.NoError(t, err)

	a := New(uuid.New(), addr)
	b := New(uuid.New(), addr)

	assert.False(t, a.Equals(b), "two distinct host UUIDs at the same address must not be equal")
	assert.NotEqual(t, a.Key(), b.Key())

	c := New(a.HostID, addr)
	assert.True(t, a.Equals(c))
	assert.Equal(t, a.Key(), c.Key())
}

func TestIDCompareOrdersByBroadcastThenHostThenPort(t *testing.T) {
	lowAddr, err := NewAddr(net.ParseIP("10.0.0.1"), 7000)
	require.NoError(t, err)
	highAddr, err := NewAddr(net.ParseIP("10.0.0.2"), 7000)
	require.NoError(t, err)

	low := New(uuid.New(), lowAddr)
	high := New(uuid.New(), highAddr)

	assert.Equal(t, -1, low.Compare(high))
	assert.Equal(t, 1, high.Compare(low))
	assert.Equal(t, 0, low.Compare(low))
}

func TestHasHostID(t *testing.T) {
	addr, _ := NewAddr(net.ParseIP("10.0.0.1"), 7000)
	nilID := New(NilUUID, addr)
	assert.False(t, nilID.HasHostID())

	realID := New(uuid.New(), addr)
	assert.True(t, realID.HasHostID())
}
