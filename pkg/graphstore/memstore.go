package graphstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by MemStore queries that find nothing.
var ErrNotFound = errors.New("graphstore: not found")

type pathVersion struct {
	data        []byte
	contentType string
	deleted     bool
}

// MemStore is an in-memory Store, grounded on the teacher's
// map-of-tables `lite.DB` shape (pkg/core/database/lite), re-purposed
// from block/tx storage to fork-scoped path mutations. It exists for
// tests and local development; production wiring replaces it with a
// real graph-store client.
type MemStore struct {
	mu sync.Mutex

	// paths is forkID -> path -> latest value.
	paths map[string]map[string]pathVersion
	// applied tracks (forkID, block, index) triples already handled,
	// for idempotent re-delivery.
	applied map[string]struct{}
	forks   map[string]ForkRecord
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		paths:   make(map[string]map[string]pathVersion),
		applied: make(map[string]struct{}),
		forks:   make(map[string]ForkRecord),
	}
}

func appliedKey(forkID string, block, index uint64) string {
	return forkID + "|" + itoa(block) + "|" + itoa(index)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (m *MemStore) ApplyPut(_ context.Context, forkID string, block, index uint64, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := appliedKey(forkID, block, index)
	if _, ok := m.applied[k]; ok {
		return nil
	}
	m.applied[k] = struct{}{}

	tbl, ok := m.paths[forkID]
	if !ok {
		tbl = make(map[string]pathVersion)
		m.paths[forkID] = tbl
	}
	tbl[mut.Path] = pathVersion{data: mut.Data, contentType: mut.ContentType}
	return nil
}

func (m *MemStore) ApplyDel(_ context.Context, forkID string, block, index uint64, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := appliedKey(forkID, block, index)
	if _, ok := m.applied[k]; ok {
		return nil
	}
	m.applied[k] = struct{}{}

	tbl, ok := m.paths[forkID]
	if !ok {
		tbl = make(map[string]pathVersion)
		m.paths[forkID] = tbl
	}
	tbl[mut.Path] = pathVersion{deleted: true}
	return nil
}

func (m *MemStore) ApplyWriteMarker(_ context.Context, forkID string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.forks[forkID]
	if !ok {
		return ErrNotFound
	}
	rec.LastBlock = block
	m.forks[forkID] = rec
	return nil
}

func (m *MemStore) CreateFork(_ context.Context, rec ForkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forks[rec.ForkID]; ok {
		return nil
	}
	m.forks[rec.ForkID] = rec
	return nil
}

func (m *MemStore) UpdateForkStatus(_ context.Context, forkID string, status ForkStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.forks[forkID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	if status == StatusOrphaned {
		orphanedAt := at
		rec.OrphanedAt = &orphanedAt
	}
	m.forks[forkID] = rec
	return nil
}

func (m *MemStore) RevertFork(_ context.Context, forkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paths, forkID)
	return nil
}

func (m *MemStore) QueryForksAtBlock(_ context.Context, block uint64) ([]ForkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ForkRecord
	for _, rec := range m.forks {
		if rec.CreatedAtBlock == block {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemStore) PruneForks(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.forks {
		if rec.Status == StatusOrphaned && rec.OrphanedAt != nil && rec.OrphanedAt.Before(olderThan) {
			delete(m.forks, id)
			delete(m.paths, id)
			n++
		}
	}
	return n, nil
}

// Get returns the latest value stored at path within forkID, for tests.
func (m *MemStore) Get(forkID, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl, ok := m.paths[forkID]
	if !ok {
		return nil, false
	}
	v, ok := tbl[path]
	if !ok || v.deleted {
		return nil, false
	}
	return v.data, true
}

var _ Store = (*MemStore)(nil)
