// Package tokenring holds the token-ring metadata core: Range arithmetic,
// TokenMetadata (the authoritative token→endpoint map with its derived
// bootstrap/leaving/moving/replacement views), topology, and the pending-
// ranges calculator (spec.md §3–§4.4).
package tokenring

import (
	"fmt"

	"github.com/quorumdb/corering/pkg/partition"
)

// Range is a left-exclusive, right-inclusive arc (left, right] on the token
// ring; when left == right the range is the full ring (spec.md §3).
type Range struct {
	Left, Right partition.Token
}

func (r Range) String() string {
	return fmt.Sprintf("(%s, %s]", r.Left, r.Right)
}

func (r Range) isWrapAround() bool {
	return !r.isFullRing() && r.Left.Compare(r.Right) >= 0
}

func (r Range) isFullRing() bool {
	return r.Left.Compare(r.Right) == 0
}

// Contains reports whether t falls within (Left, Right].
func (r Range) Contains(t partition.Token) bool {
	if r.isFullRing() {
		return true
	}
	if !r.isWrapAround() {
		return t.Compare(r.Left) > 0 && t.Compare(r.Right) <= 0
	}
	return t.Compare(r.Left) > 0 || t.Compare(r.Right) <= 0
}

// unwrap splits a range that crosses the ring's origin into two non-wrapping
// pieces at minToken, mirroring the real Cassandra Range<T>.unwrap(min): a
// wrapping (left, right] becomes (left, min] and (min, right]. Non-wrapping
// ranges and the full ring are returned unchanged.
func (r Range) unwrap(minToken partition.Token) []Range {
	if r.isFullRing() {
		return []Range{{Left: minToken, Right: minToken}}
	}
	if !r.isWrapAround() {
		return []Range{r}
	}
	return []Range{
		{Left: r.Left, Right: minToken},
		{Left: minToken, Right: r.Right},
	}
}

// intersectFlat intersects two non-wrapping (or full-ring) ranges.
func intersectFlat(a, b Range) (Range, bool) {
	if a.isFullRing() {
		return b, true
	}
	if b.isFullRing() {
		return a, true
	}
	lo := maxToken(a.Left, b.Left)
	hi := minToken(a.Right, b.Right)
	if lo.Compare(hi) < 0 {
		return Range{Left: lo, Right: hi}, true
	}
	return Range{}, false
}

// subtractFlat subtracts non-wrapping (or full-ring) range b from a.
func subtractFlat(a, b Range) []Range {
	if b.isFullRing() {
		return nil
	}
	inter, ok := intersectFlat(a, b)
	if !ok {
		return []Range{a}
	}
	var out []Range
	if a.Left.Compare(inter.Left) < 0 {
		out = append(out, Range{Left: a.Left, Right: inter.Left})
	}
	if inter.Right.Compare(a.Right) < 0 {
		out = append(out, Range{Left: inter.Right, Right: a.Right})
	}
	return out
}

// Intersection returns the sub-ranges common to r and other, normalizing
// wrap-around ranges at minToken first.
func (r Range) Intersection(other Range, minToken partition.Token) []Range {
	var result []Range
	for _, a := range r.unwrap(minToken) {
		for _, b := range other.unwrap(minToken) {
			if ir, ok := intersectFlat(a, b); ok && ir.Left.Compare(ir.Right) != 0 {
				result = append(result, ir)
			}
		}
	}
	return result
}

// Subtract returns the portions of r not covered by any range in others,
// normalizing wrap-around ranges at minToken first.
func (r Range) Subtract(others []Range, minToken partition.Token) []Range {
	remaining := r.unwrap(minToken)
	for _, o := range others {
		for _, piece := range o.unwrap(minToken) {
			var next []Range
			for _, rem := range remaining {
				next = append(next, subtractFlat(rem, piece)...)
			}
			remaining = next
		}
	}
	return remaining
}

func maxToken(a, b partition.Token) partition.Token {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

func minToken(a, b partition.Token) partition.Token {
	if a.Compare(b) <= 0 {
		return a
	}
	return b
}
