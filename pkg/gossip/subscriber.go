package gossip

import "github.com/quorumdb/corering/pkg/endpoint"

// Subscriber is notified of membership and application-state transitions
// (spec.md §6). Implementations are invoked synchronously on the caller's
// goroutine and must not block on cluster I/O.
type Subscriber interface {
	BeforeChange(id endpoint.ID, state *endpoint.State, key endpoint.AppStateKey, newValue endpoint.VersionedValue)
	OnJoin(id endpoint.ID, state *endpoint.State)
	OnAlive(id endpoint.ID, state *endpoint.State)
	OnDead(id endpoint.ID, state *endpoint.State)
	OnChange(id endpoint.ID, key endpoint.AppStateKey, value endpoint.VersionedValue)
	OnRemove(id endpoint.ID)
	OnRestart(id endpoint.ID, state *endpoint.State)
}
