package mesh

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Peer is a sibling instance observed on the bus.
type Peer struct {
	ID       string
	LastSeen time.Time
	Frames   uint64
}

// Peers tracks which instances share the bus, refreshed by any frame they
// send. It is advisory: routing never depends on it.
type Peers struct {
	self    string
	mu      sync.RWMutex
	members map[string]Peer
	metrics *Metrics
}

// NewPeers seeds the table with the current instance.
func NewPeers(self string, metrics *Metrics) (*Peers, error) {
	if self == "" {
		return nil, errors.New("self instance id is required")
	}
	p := &Peers{
		self:    self,
		members: map[string]Peer{self: {ID: self, LastSeen: time.Now()}},
		metrics: metrics,
	}
	metrics.SetKnownInstances(1)
	return p, nil
}

// Self returns the local instance id.
func (p *Peers) Self() string {
	return p.self
}

// Seen records a frame from instance id at ts. It reports whether the
// instance was previously unknown.
func (p *Peers) Seen(id string, ts time.Time) bool {
	if id == "" {
		return false
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	peer, ok := p.members[id]
	peer.ID = id
	if ts.After(peer.LastSeen) {
		peer.LastSeen = ts
	}
	peer.Frames++
	p.members[id] = peer
	if !ok {
		p.metrics.SetKnownInstances(len(p.members))
	}
	return !ok
}

// Snapshot returns all known instances (including self) sorted by id.
func (p *Peers) Snapshot() []Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Peer, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictStale removes instances that have not sent anything since cutoff.
func (p *Peers) EvictStale(cutoff time.Time) []Peer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []Peer
	for id, peer := range p.members {
		if id == p.self {
			continue
		}
		if peer.LastSeen.Before(cutoff) {
			delete(p.members, id)
			removed = append(removed, peer)
			p.metrics.RecordEvicted()
		}
	}
	if len(removed) > 0 {
		p.metrics.SetKnownInstances(len(p.members))
	}
	return removed
}
