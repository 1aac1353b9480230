package gossip

import "github.com/quorumdb/corering/pkg/endpoint"

// fireOnJoin, fireOnAlive, and so on dispatch to all subscribers in
// registration order, outside taskLock, per spec.md §5: "Subscriber
// callbacks ... are invoked synchronously on the caller's thread."

func (g *Gossiper) subscribersSnapshot() []Subscriber {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Subscriber, len(g.subscribers))
	copy(out, g.subscribers)
	return out
}

func (g *Gossiper) fireOnJoin(rec *endpointRecord) {
	for _, s := range g.subscribersSnapshot() {
		s.OnJoin(rec.id, rec.state)
	}
}

func (g *Gossiper) fireOnAlive(rec *endpointRecord) {
	for _, s := range g.subscribersSnapshot() {
		s.OnAlive(rec.id, rec.state)
	}
}

func (g *Gossiper) fireOnDead(rec *endpointRecord) {
	for _, s := range g.subscribersSnapshot() {
		s.OnDead(rec.id, rec.state)
	}
}

func (g *Gossiper) fireOnChange(rec *endpointRecord, key endpoint.AppStateKey, value endpoint.VersionedValue) {
	for _, s := range g.subscribersSnapshot() {
		s.OnChange(rec.id, key, value)
	}
}

func (g *Gossiper) fireOnRestart(rec *endpointRecord) {
	for _, s := range g.subscribersSnapshot() {
		s.OnRestart(rec.id, rec.state)
	}
}

func (g *Gossiper) fireOnRemove(id endpoint.ID) {
	for _, s := range g.subscribersSnapshot() {
		s.OnRemove(id)
	}
}

func (g *Gossiper) fireBeforeChange(rec *endpointRecord, key endpoint.AppStateKey, newValue endpoint.VersionedValue) {
	for _, s := range g.subscribersSnapshot() {
		s.BeforeChange(rec.id, rec.state, key, newValue)
	}
}
