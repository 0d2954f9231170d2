// Package gossip implements the Peer Gossip & Gap Sync component: a
// peer registry with reliability EMA, HTTP-based peer probing (adapted
// from the teacher's kadcast.Peer identity shape and connmgr
// connected-set bookkeeping, repurposed from raw TCP dialing), gap
// detection, and majority-hash-verified parallel block fetch.
package gossip

import (
	"context"
	"sync"
	"time"
)

// deadThreshold marks a peer dead once its reliability EMA falls below
// this value (spec.md §3's Peer definition). Dead peers are never
// removed automatically; they may recover.
const deadThreshold = 0.1

// emaAlpha is the exponential-moving-average smoothing factor for
// reliability updates.
const emaAlpha = 0.1

// Source distinguishes how a peer entered the registry (spec.md §3's
// supplemented Peer.source field).
const (
	SourceConfig     = "config"
	SourceDiscovered = "discovered"
)

// Peer is one known replication-sidecar instance.
type Peer struct {
	ID          string
	URL         string
	Alive       bool
	Reliability float64
	LastSeen    time.Time
	Source      string
}

// Registry is the Peer Gossip controller's exclusive owner of the peer
// set; readers may snapshot the healthy list but must not mutate it
// (spec.md §3 Ownership).
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Register adds or updates a peer's URL, defaulting a freshly-seen peer
// to reliability 1.0 until proven otherwise. source ("config" or
// "discovered") is only recorded the first time a peer is seen; it is
// never downgraded by a later re-registration of an already-known peer.
func (r *Registry) Register(id, url, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.URL = url
		return
	}
	r.peers[id] = &Peer{ID: id, URL: url, Alive: true, Reliability: 1.0, LastSeen: time.Now(), Source: source}
}

// UpdateReliability applies the EMA update for a single probe/fetch
// outcome and flips Alive when reliability crosses deadThreshold.
func (r *Registry) UpdateReliability(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return
	}

	sample := 0.0
	if success {
		sample = 1.0
	}
	p.Reliability = emaAlpha*sample + (1-emaAlpha)*p.Reliability
	p.LastSeen = time.Now()
	if p.Reliability < deadThreshold {
		p.Alive = false
	} else {
		p.Alive = true
	}
}

// Healthy returns a snapshot of peers currently marked alive, sorted by
// descending reliability, for the gap-sync fetch fan-out.
func (r *Registry) Healthy() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Alive {
			out = append(out, *p)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Reliability > out[i].Reliability {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// All returns every known peer, healthy or not.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Get returns a single peer by id.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// ParseSeed splits a "id@url" seed string as carried by
// config.GossipConfig.SeedPeers into its id and url.
func ParseSeed(seed string) (id, url string) {
	for i := 0; i < len(seed); i++ {
		if seed[i] == '@' {
			return seed[:i], seed[i+1:]
		}
	}
	return "", ""
}

// Discover registers seedNodes as config-sourced peers, then asks every
// currently-known peer (seeds included) for its own peer list via
// Client.Peers, registering any newly learned peer as discovered
// (spec.md §4.7's gossip discovery path, matching the original's
// distinction between static seed nodes and peers learned from another
// peer's /api/honeygraph-peers response).
func (r *Registry) Discover(ctx context.Context, client *Client, seedNodes []string) error {
	for _, seed := range seedNodes {
		id, url := ParseSeed(seed)
		if id != "" {
			r.Register(id, url, SourceConfig)
		}
	}

	var firstErr error
	for _, p := range r.All() {
		peers, err := client.Peers(ctx, p.URL)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, pi := range peers {
			if pi.ID == "" || pi.URL == "" {
				continue
			}
			r.Register(pi.ID, pi.URL, SourceDiscovered)
		}
	}
	return firstErr
}

// HealthCheckAll probes every known peer's health endpoint in parallel
// and feeds the outcome into UpdateReliability, independent of the
// fetch-path reliability updates gap sync already performs.
func (r *Registry) HealthCheckAll(ctx context.Context, client *Client) {
	peers := r.All()
	var wg sync.WaitGroup
	wg.Add(len(peers))
	for _, p := range peers {
		go func(p Peer) {
			defer wg.Done()
			r.UpdateReliability(p.ID, client.Health(ctx, p.URL) == nil)
		}(p)
	}
	wg.Wait()
}
