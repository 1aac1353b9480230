// Package corerr defines the core's error kinds (spec.md §7). Each kind is a
// sentinel value that callers can match with errors.Is; concrete errors wrap
// it with errors.Wrap (github.com/pkg/errors) to add context.
package corerr

import "github.com/pkg/errors"

var (
	// ErrProtocol: malformed wire frame, unknown endpoint-size prefix,
	// unknown application-state ordinal. Fatal for the connection.
	ErrProtocol = errors.New("corering: protocol error")

	// ErrStateConflict: bootstrap token collision, host-ID collision with a
	// live endpoint. Surfaced to the caller without mutating state.
	ErrStateConflict = errors.New("corering: state conflict")

	// ErrNoSources: planner cannot satisfy a range. Fatal for the streaming
	// plan.
	ErrNoSources = errors.New("corering: no sources for range")

	// ErrStrictConsistency: planner finds multiple or zero strict sources,
	// or the unique source is down.
	ErrStrictConsistency = errors.New("corering: strict consistency violation")

	// ErrGenerationRejected: incoming generation exceeds local wall-clock
	// bound; logged and discarded, never propagated as a fatal error.
	ErrGenerationRejected = errors.New("corering: generation rejected")

	// ErrShadowRoundFailed: non-seed exhausted its window without a seed
	// reply. Fatal to node startup.
	ErrShadowRoundFailed = errors.New("corering: shadow round failed")
)
