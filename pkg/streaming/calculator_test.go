package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/corering/pkg/endpoint"
	"github.com/quorumdb/corering/pkg/tokenring"
)

func TestRangeFetchMapCalculatorBalancesLoadAcrossSources(t *testing.T) {
	b := newEndpoint(t, "10.0.0.2", 7000)
	c := newEndpoint(t, "10.0.0.3", 7000)
	local := newEndpoint(t, "10.0.0.9", 7000)

	r1 := tokenring.Range{Left: tok(0), Right: tok(10)}
	r2 := tokenring.Range{Left: tok(10), Right: tok(20)}
	r3 := tokenring.Range{Left: tok(20), Right: tok(30)}

	// Every range is acceptable from both b and c, with b sorting first;
	// a naive "always take the first candidate" rule would pile all three
	// ranges onto b.
	calc := &RangeFetchMapCalculator{
		Candidates: map[string][]endpoint.ID{
			r1.String(): {b, c},
			r2.String(): {b, c},
			r3.String(): {b, c},
		},
		Local: local,
	}

	fm, err := calc.Calculate([]tokenring.Range{r1, r2, r3})
	require.NoError(t, err)

	total := 0
	for _, sr := range fm {
		total += len(sr.Ranges)
		assert.LessOrEqual(t, len(sr.Ranges), 2, "load should be balanced, not piled onto one source")
	}
	assert.Equal(t, 3, total)
}

func TestRangeFetchMapCalculatorSkipsRangeAlreadyCoveredByLocal(t *testing.T) {
	local := newEndpoint(t, "10.0.0.9", 7000)
	b := newEndpoint(t, "10.0.0.2", 7000)

	r1 := tokenring.Range{Left: tok(0), Right: tok(10)}
	calc := &RangeFetchMapCalculator{
		Candidates: map[string][]endpoint.ID{
			r1.String(): {local, b},
		},
		Local: local,
	}

	fm, err := calc.Calculate([]tokenring.Range{r1})
	require.NoError(t, err)
	assert.Empty(t, fm)
}

func TestRangeFetchMapCalculatorErrorsWhenNoCandidatesAcceptable(t *testing.T) {
	local := newEndpoint(t, "10.0.0.9", 7000)
	r1 := tokenring.Range{Left: tok(0), Right: tok(10)}

	calc := &RangeFetchMapCalculator{
		Candidates: map[string][]endpoint.ID{},
		Local:      local,
	}

	_, err := calc.Calculate([]tokenring.Range{r1})
	require.Error(t, err)
}

func TestRangeFetchMapCalculatorIsDeterministic(t *testing.T) {
	b := newEndpoint(t, "10.0.0.2", 7000)
	c := newEndpoint(t, "10.0.0.3", 7000)
	local := newEndpoint(t, "10.0.0.9", 7000)

	r1 := tokenring.Range{Left: tok(0), Right: tok(10)}
	r2 := tokenring.Range{Left: tok(10), Right: tok(20)}

	build := func() (FetchMap, error) {
		calc := &RangeFetchMapCalculator{
			Candidates: map[string][]endpoint.ID{
				r1.String(): {c, b},
				r2.String(): {b, c},
			},
			Local: local,
		}
		return calc.Calculate([]tokenring.Range{r1, r2})
	}

	first, err := build()
	require.NoError(t, err)
	second, err := build()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
