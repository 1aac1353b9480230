package peerstore

import "sync"

// StreamState is the in-memory "already streamed ranges" collaborator
// (spec.md §6 "State store interface"): it records which ranges have been
// durably received per keyspace, and exposes a sink the streaming
// transport calls as new ranges land. Unlike Store, entries here are never
// evicted — losing one would make the planner re-stream data it already
// has, which is safe but wasteful, so this store favors completeness over
// bounded memory.
type StreamState struct {
	mu        sync.Mutex
	available map[string]map[string]struct{} // keyspace -> range.String() -> {}
}

// NewStreamState constructs an empty StreamState.
func NewStreamState() *StreamState {
	return &StreamState{available: map[string]map[string]struct{}{}}
}

// GetAvailableRanges satisfies streaming.StateStore.
func (s *StreamState) GetAvailableRanges(keyspace string) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := s.available[keyspace]
	out := make(map[string]struct{}, len(have))
	for k := range have {
		out[k] = struct{}{}
	}
	return out
}

// MarkAvailable is the sink the streaming transport calls once a range has
// been durably received.
func (s *StreamState) MarkAvailable(keyspace, rangeKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available[keyspace] == nil {
		s.available[keyspace] = map[string]struct{}{}
	}
	s.available[keyspace][rangeKey] = struct{}{}
}
