package gossip

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumdb/corering/pkg/endpoint"
)

// LoopbackTransport wires a set of in-process Gossipers together without a
// real network, for single-process demos and tests. It is the concrete
// Transport a composition root reaches for when no external messaging
// collaborator is configured.
type LoopbackTransport struct {
	mu       sync.RWMutex
	gossipers map[string]*Gossiper
}

// NewLoopbackTransport constructs an empty registry.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{gossipers: map[string]*Gossiper{}}
}

// Register makes id's Gossiper reachable through this transport.
func (t *LoopbackTransport) Register(id endpoint.ID, g *Gossiper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gossipers[id.Key()] = g
}

// Unregister removes id, simulating it becoming unreachable.
func (t *LoopbackTransport) Unregister(id endpoint.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.gossipers, id.Key())
}

func (t *LoopbackTransport) lookup(id endpoint.ID) (*Gossiper, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.gossipers[id.Key()]
	return g, ok
}

func (t *LoopbackTransport) SendSyn(_ context.Context, target endpoint.ID, syn Syn) (Ack, error) {
	g, ok := t.lookup(target)
	if !ok {
		return Ack{}, fmt.Errorf("gossip: loopback transport: %s is unreachable", target)
	}
	return g.HandleSyn(syn), nil
}

func (t *LoopbackTransport) SendAck2(_ context.Context, target endpoint.ID, ack2 Ack2) error {
	g, ok := t.lookup(target)
	if !ok {
		return fmt.Errorf("gossip: loopback transport: %s is unreachable", target)
	}
	g.HandleAck2(ack2)
	return nil
}

func (t *LoopbackTransport) SendShutdown(_ context.Context, target endpoint.ID) error {
	t.Unregister(target)
	return nil
}

func (t *LoopbackTransport) SendEcho(_ context.Context, target endpoint.ID) error {
	if _, ok := t.lookup(target); !ok {
		return fmt.Errorf("gossip: loopback transport: %s is unreachable", target)
	}
	return nil
}
