package gossip

import (
	"context"

	"github.com/quorumdb/corering/pkg/endpoint"
)

// Transport is the network collaborator (spec.md §6): the core only needs
// request/response round trips for Syn/Ack2 and Echo, plus a one-way
// Shutdown notice. The byte-level framing (pkg/gossip/wire.go) is used by
// a concrete Transport implementation; it is not part of this contract.
type Transport interface {
	SendSyn(ctx context.Context, target endpoint.ID, syn Syn) (Ack, error)
	SendAck2(ctx context.Context, target endpoint.ID, ack2 Ack2) error
	SendShutdown(ctx context.Context, target endpoint.ID) error
	SendEcho(ctx context.Context, target endpoint.ID) error
}
