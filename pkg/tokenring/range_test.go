package tokenring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quorumdb/corering/pkg/partition"
)

func tok(v int64) partition.Token { return partition.Murmur3Token(v) }

func TestRangeContainsNonWrapping(t *testing.T) {
	r := Range{Left: tok(10), Right: tok(20)}

	assert.False(t, r.Contains(tok(10)), "left bound is exclusive")
	assert.True(t, r.Contains(tok(11)))
	assert.True(t, r.Contains(tok(20)), "right bound is inclusive")
	assert.False(t, r.Contains(tok(21)))
}

func TestRangeContainsWrapAround(t *testing.T) {
	r := Range{Left: tok(90), Right: tok(10)}

	assert.True(t, r.Contains(tok(95)))
	assert.True(t, r.Contains(tok(10)))
	assert.False(t, r.Contains(tok(50)))
	assert.False(t, r.Contains(tok(90)))
}

func TestRangeContainsFullRing(t *testing.T) {
	r := Range{Left: tok(5), Right: tok(5)}
	assert.True(t, r.Contains(tok(0)))
	assert.True(t, r.Contains(tok(999)))
}

func TestRangeIntersection(t *testing.T) {
	a := Range{Left: tok(0), Right: tok(50)}
	b := Range{Left: tok(25), Right: tok(75)}

	got := a.Intersection(b, tok(-1<<63))
	assert.Equal(t, []Range{{Left: tok(25), Right: tok(50)}}, got)
}

func TestRangeIntersectionWrapAround(t *testing.T) {
	a := Range{Left: tok(90), Right: tok(10)} // wraps
	b := Range{Left: tok(0), Right: tok(5)}

	got := a.Intersection(b, tok(-1<<63))
	assert.Equal(t, []Range{{Left: tok(0), Right: tok(5)}}, got)
}

func TestRangeSubtract(t *testing.T) {
	a := Range{Left: tok(0), Right: tok(100)}
	b := Range{Left: tok(20), Right: tok(40)}

	got := a.Subtract([]Range{b}, tok(-1<<63))
	assert.Equal(t, []Range{
		{Left: tok(0), Right: tok(20)},
		{Left: tok(40), Right: tok(100)},
	}, got)
}

func TestRangeSubtractFullyCovered(t *testing.T) {
	a := Range{Left: tok(0), Right: tok(100)}
	b := Range{Left: tok(0), Right: tok(100)}

	got := a.Subtract([]Range{b}, tok(-1<<63))
	assert.Empty(t, got)
}
