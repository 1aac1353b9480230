package gossip

import (
	"github.com/quorumdb/corering/pkg/endpoint"
)

// Syn is the round-opening message (spec.md §6). An empty Digests slice is
// a shadow-round request: "tell me everything you know".
type Syn struct {
	ClusterName     string
	PartitionerName string
	Digests         []Digest
}

func (s Syn) IsShadow() bool { return len(s.Digests) == 0 }

// StateEntry pairs an endpoint's identity with the state being transmitted;
// carrying identity alongside state lets a receiver that has never seen
// this endpoint before insert it without a side-channel lookup.
type StateEntry struct {
	ID    endpoint.ID
	State *endpoint.State
}

// Ack answers a Syn: RequestList names endpoints (at a floor version) the
// sender wants full state for; Deltas carries state the receiver is behind
// on.
type Ack struct {
	RequestList []Digest
	Deltas      []StateEntry
}

// Ack2 closes the round, applying the requester's half of the exchange.
type Ack2 struct {
	Deltas []StateEntry
}

// Shutdown is a one-way notification that the sender is leaving cleanly.
type Shutdown struct{}

// Echo/EchoResponse implement the mark-alive protocol (spec.md §4.3): an
// endpoint is only promoted to alive once its echo reply has been
// received; the reply is processed under the gossiper lock on the goroutine
// that sent the echo.
type Echo struct{}
type EchoResponse struct{}
