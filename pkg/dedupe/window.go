// Package dedupe provides a bounded, height-windowed seen-set, adapted
// from the teacher's peer.TmpMap/dupemap.DupeMap (pkg/p2p/peer): a
// rolling set of per-height buckets that forgets entries older than a
// configured tolerance. Here it backs the Fork Manager's orphaned-fork
// blacklist (pkg/forkmanager), preventing repeat revert/orphan store
// round-trips for a fork ID already processed at a given block, instead
// of gossip message dedup.
package dedupe

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

type bucket map[uint64]struct{}

// Window is a height-keyed, tolerance-bounded seen-set. It is safe for
// concurrent use.
type Window struct {
	mu        sync.Mutex
	buckets   map[uint64]bucket
	height    uint64
	tolerance uint64
}

// NewWindow constructs a Window retaining entries for `tolerance`
// heights behind the current one.
func NewWindow(tolerance uint64) *Window {
	return &Window{
		buckets:   make(map[uint64]bucket),
		tolerance: tolerance,
	}
}

// UpdateHeight advances the window's notion of "now", pruning any
// bucket older than the configured tolerance.
func (w *Window) UpdateHeight(height uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.height = height
	w.prune()
}

func (w *Window) prune() {
	if w.height < w.tolerance {
		return
	}
	floor := w.height - w.tolerance
	for h := range w.buckets {
		if h < floor {
			delete(w.buckets, h)
		}
	}
}

func key(id string) uint64 {
	return xxhash.Sum64String(id)
}

// Seen reports whether id was already recorded at height, without
// mutating the window.
func (w *Window) Seen(height uint64, id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buckets[height]
	if !ok {
		return false
	}
	_, ok = b[key(id)]
	return ok
}

// SeenAnywhere reports whether id was recorded at any retained height.
func (w *Window) SeenAnywhere(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := key(id)
	for _, b := range w.buckets {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// Add records id at height, reporting whether it was already present
// at that height (mirroring the teacher's TmpMap.Add/DupeMap.CanFwd
// "already seen" boolean return).
func (w *Window) Add(height uint64, id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.buckets[height]
	if !ok {
		b = make(bucket)
		w.buckets[height] = b
	}

	k := key(id)
	if _, ok := b[k]; ok {
		return true
	}
	b[k] = struct{}{}
	return false
}

// Size returns the total number of entries retained across all buckets.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.buckets {
		n += len(b)
	}
	return n
}
