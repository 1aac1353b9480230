// Package partition defines the pluggable partitioner capability (spec.md
// §3): a total order over an opaque token type, a minimum token, and a
// uniform random generator.
package partition

import (
	"fmt"
	"math/big"
	"math/rand"
)

// Token is an opaque, totally-ordered value produced by a Partitioner.
type Token interface {
	Compare(other Token) int
	String() string
}

// Partitioner is the minimal contract the core requires of a partitioner
// (spec.md §3).
type Partitioner interface {
	MinimumToken() Token
	RandomToken(r *rand.Rand) Token
}

// Murmur3Token is a signed 64-bit token space, matching the real-world
// Murmur3Partitioner token shape used throughout the corpus (token values
// are hashes, but the core only needs their order).
type Murmur3Token int64

func (t Murmur3Token) Compare(other Token) int {
	o := other.(Murmur3Token)
	switch {
	case t < o:
		return -1
	case t > o:
		return 1
	default:
		return 0
	}
}

func (t Murmur3Token) String() string { return fmt.Sprintf("%d", int64(t)) }

// Murmur3Partitioner's minimum token is math.MinInt64, one below every real
// token, matching the real partitioner's convention.
type Murmur3Partitioner struct{}

func (Murmur3Partitioner) MinimumToken() Token { return Murmur3Token(-1 << 63) }

func (Murmur3Partitioner) RandomToken(r *rand.Rand) Token {
	return Murmur3Token(r.Int63() - (1 << 62))
}

// RandomPTok is a token in [0, 2^127), matching Cassandra's
// RandomPartitioner token space.
type RandomPTok struct{ v *big.Int }

func (t RandomPTok) Compare(other Token) int {
	o := other.(RandomPTok)
	return t.v.Cmp(o.v)
}

func (t RandomPTok) String() string { return t.v.String() }

// RandomPartitioner produces tokens uniformly in [0, 2^127).
type RandomPartitioner struct{}

var randomPartitionerModulus = new(big.Int).Lsh(big.NewInt(1), 127)

func (RandomPartitioner) MinimumToken() Token { return RandomPTok{v: big.NewInt(0)} }

func (RandomPartitioner) RandomToken(r *rand.Rand) Token {
	v := new(big.Int).Rand(r, randomPartitionerModulus)
	return RandomPTok{v: v}
}
