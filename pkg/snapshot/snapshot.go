// Package snapshot defines the boundary with the external copy-on-write
// snapshot/rollback engine named out of scope in spec.md §1, and
// orchestrates the one sequence the core depends on: a rollback that
// stops the graph-store service, restores a named snapshot, restarts
// it, and waits for it to report healthy before returning control.
package snapshot

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a named checkpoint does not exist.
var ErrNotFound = errors.New("snapshot: checkpoint not found")

// Checkpoint describes one point-in-time image.
type Checkpoint struct {
	ID    string
	Block uint64
	Hash  string
	Taken time.Time
}

// Change is a single entry in a diff between two blocks.
type Change struct {
	Path   string
	Before []byte
	After  []byte
}

// Engine is the external snapshot/rollback collaborator.
type Engine interface {
	CreateCheckpoint(ctx context.Context, block uint64, hash string) (Checkpoint, error)
	Rollback(ctx context.Context, block uint64) (restored bool, err error)
	Clone(ctx context.Context, block uint64, suffix string) (dataset string, err error)
	Diff(ctx context.Context, fromBlock, toBlock uint64) ([]Change, error)
	ListExisting(ctx context.Context) ([]Checkpoint, error)
}

// HealthChecker probes the graph-store service's health endpoint. It is
// a separate, narrower interface than Engine so the rollback
// orchestrator below can be unit tested against a fake independent of a
// full Engine implementation.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// ServiceController stops and restarts the graph-store service that
// sits in front of the snapshot filesystem.
type ServiceController interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// RollbackOrchestrator implements the "stop → restore → restart → poll
// for healthy" sequence spec.md §4.6 requires of rollback, grounded on
// the corpus's wait-for-healthy polling idiom used throughout its
// service readiness checks.
type RollbackOrchestrator struct {
	Engine  Engine
	Service ServiceController
	Health  HealthChecker

	// PollInterval between health probes. Defaults to 2 seconds.
	PollInterval time.Duration
	// PollTimeout bounds the total wait for a healthy response.
	PollTimeout time.Duration
}

// Rollback executes the orchestrated sequence for the given block and
// returns once the service reports healthy, or the poll timeout elapses.
func (o *RollbackOrchestrator) Rollback(ctx context.Context, block uint64) (bool, error) {
	if err := o.Service.Stop(ctx); err != nil {
		return false, errors.Wrap(err, "stop graph-store service")
	}

	restored, err := o.Engine.Rollback(ctx, block)
	if err != nil {
		return false, errors.Wrap(err, "restore snapshot")
	}
	if !restored {
		return false, nil
	}

	if err := o.Service.Start(ctx); err != nil {
		return false, errors.Wrap(err, "restart graph-store service")
	}

	return true, o.waitHealthy(ctx)
}

func (o *RollbackOrchestrator) waitHealthy(ctx context.Context) error {
	interval := o.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := o.PollTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := o.Health.Healthy(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("graph-store did not become healthy before the poll timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
