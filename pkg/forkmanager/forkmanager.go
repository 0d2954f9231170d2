// Package forkmanager implements the Fork Manager: the persistent
// projection of fork lifecycle into the graph store, grounded on the
// teacher's chain.go validate -> transition -> persist -> notify
// sequence (acceptBlock/persist/postAcceptBlock).
package forkmanager

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/disregardfiat/honeygraph-sub002/pkg/dedupe"
	"github.com/disregardfiat/honeygraph-sub002/pkg/graphstore"
)

// orphanWindowTolerance bounds how many blocks behind the current one
// the orphaned-fork blacklist retains entries for.
const orphanWindowTolerance = 1000

// Manager maintains the graphstore.Store's Fork projection.
type Manager struct {
	store    graphstore.Store
	log      *logrus.Entry
	orphaned *dedupe.Window
}

// New constructs a Manager over store.
func New(store graphstore.Store, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{store: store, log: log, orphaned: dedupe.NewWindow(orphanWindowTolerance)}
}

// CreateFork is idempotent: graphstore.Store.CreateFork already no-ops
// on a pre-existing record.
func (m *Manager) CreateFork(ctx context.Context, parent, id string, atBlock uint64) error {
	return m.store.CreateFork(ctx, graphstore.ForkRecord{
		ForkID:         id,
		ParentFork:     parent,
		CreatedAtBlock: atBlock,
		Status:         graphstore.StatusActive,
		CreatedAt:      time.Now(),
	})
}

// UpdateStatus transitions a fork's persisted status.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status graphstore.ForkStatus) error {
	return m.store.UpdateForkStatus(ctx, id, status, time.Now())
}

// DetectFork creates a derived fork when observedHash disagrees with
// expectedHash at blockNum, and returns its id.
func (m *Manager) DetectFork(ctx context.Context, blockNum uint64, observedHash, expectedHash string) (string, error) {
	if observedHash == expectedHash {
		return "", nil
	}
	if err := m.CreateFork(ctx, expectedHash, observedHash, blockNum); err != nil {
		return "", errors.Wrap(err, "create derived fork")
	}
	m.log.WithField("block", blockNum).WithField("observed", observedHash).WithField("expected", expectedHash).
		Warn("fork detected")
	return observedHash, nil
}

// Reconcile queries every ACTIVE fork at block; the one matching
// consensusHash is marked CANONICAL, the rest ORPHANED with their
// operations at and after block reverted.
func (m *Manager) Reconcile(ctx context.Context, block uint64, consensusHash string) error {
	records, err := m.store.QueryForksAtBlock(ctx, block)
	if err != nil {
		return errors.Wrap(err, "query forks at block")
	}

	m.orphaned.UpdateHeight(block)

	for _, rec := range records {
		if rec.Status != graphstore.StatusActive {
			continue
		}
		if rec.ForkID == consensusHash {
			if err := m.store.UpdateForkStatus(ctx, rec.ForkID, graphstore.StatusCanonical, time.Now()); err != nil {
				return errors.Wrapf(err, "mark %s canonical", rec.ForkID)
			}
			continue
		}

		if m.orphaned.Add(block, rec.ForkID) {
			continue
		}

		if err := m.store.RevertFork(ctx, rec.ForkID); err != nil {
			return errors.Wrapf(err, "revert orphaned fork %s", rec.ForkID)
		}
		if err := m.store.UpdateForkStatus(ctx, rec.ForkID, graphstore.StatusOrphaned, time.Now()); err != nil {
			return errors.Wrapf(err, "mark %s orphaned", rec.ForkID)
		}
	}
	return nil
}

// Confirm is the CHECKPOINT_CONFIRM handler entry point
// (pkg/replication.ForkManager): mark forkID CANONICAL and every
// pruned sibling ORPHANED-then-reverted.
func (m *Manager) Confirm(ctx context.Context, forkID string, block uint64, prunedForks []string) error {
	if err := m.UpdateStatus(ctx, forkID, graphstore.StatusCanonical); err != nil {
		// CreateFork first for forks the projection hasn't seen yet
		// (the in-memory registry may confirm a fork before any
		// operation reached this projection).
		if err := m.CreateFork(ctx, "", forkID, block); err != nil {
			return errors.Wrap(err, "create fork record on confirm")
		}
		if err := m.UpdateStatus(ctx, forkID, graphstore.StatusCanonical); err != nil {
			return errors.Wrap(err, "mark confirmed fork canonical")
		}
	}

	m.orphaned.UpdateHeight(block)

	for _, sibling := range prunedForks {
		if m.orphaned.Add(block, sibling) {
			continue
		}

		if err := m.store.RevertFork(ctx, sibling); err != nil {
			return errors.Wrapf(err, "revert pruned sibling %s", sibling)
		}
		if err := m.UpdateStatus(ctx, sibling, graphstore.StatusOrphaned); err != nil {
			return errors.Wrapf(err, "orphan pruned sibling %s", sibling)
		}
	}
	return nil
}

// PruneBefore deletes ORPHANED forks older than the given threshold.
func (m *Manager) PruneBefore(ctx context.Context, threshold time.Time) (int, error) {
	return m.store.PruneForks(ctx, threshold)
}
