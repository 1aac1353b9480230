package partition

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMurmur3TokenCompare(t *testing.T) {
	a := Murmur3Token(10)
	b := Murmur3Token(20)

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestMurmur3PartitionerMinimumTokenIsBelowRandomTokens(t *testing.T) {
	p := Murmur3Partitioner{}
	r := rand.New(rand.NewSource(1))
	min := p.MinimumToken()

	for i := 0; i < 1000; i++ {
		tok := p.RandomToken(r)
		assert.Equal(t, -1, min.Compare(tok))
	}
}

func TestRandomPartitionerMinimumTokenIsBelowRandomTokens(t *testing.T) {
	p := RandomPartitioner{}
	r := rand.New(rand.NewSource(1))
	min := p.MinimumToken()

	for i := 0; i < 1000; i++ {
		tok := p.RandomToken(r)
		assert.True(t, min.Compare(tok) <= 0)
	}
}

func TestTokenStringRoundTrips(t *testing.T) {
	assert.Equal(t, "42", Murmur3Token(42).String())
	assert.Equal(t, "-1", Murmur3Token(-1).String())
}
