// Package glue implements the Boundary Glue: the component that fans
// the Fork Registry's typed events out to the Replication Queue,
// enforces the per-block fork cap after each appended operation, and
// owns the periodic maintenance tick (retention GC, persisted-fork
// pruning) that spec.md §4.2 leaves to "the core", grounded on the
// teacher's chainEventLoop construction in chain.go that subscribes to
// consensus results and drives acceptBlock/persist/notify in one place.
package glue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
	"github.com/disregardfiat/honeygraph-sub002/pkg/fork"
	"github.com/disregardfiat/honeygraph-sub002/pkg/replication"
)

// ForkManager is the narrow slice of pkg/forkmanager.Manager the
// maintenance tick needs, declared locally so pkg/glue does not import
// pkg/forkmanager directly.
type ForkManager interface {
	PruneBefore(ctx context.Context, threshold time.Time) (int, error)
}

// Glue implements fork.Sink, translating registry events into
// Replication Queue jobs, and owns the background maintenance loop.
type Glue struct {
	cfg      config.ForkConfig
	registry *fork.Registry
	queue    *replication.Queue
	forkMgr  ForkManager
	log      *logrus.Entry
}

// New constructs a Glue wiring registry to queue. Call registry's
// constructor with the returned Glue as its Sink. forkMgr may be nil,
// in which case the maintenance tick only runs the in-memory GC pass.
func New(cfg config.ForkConfig, registry *fork.Registry, queue *replication.Queue, forkMgr ForkManager, log *logrus.Entry) *Glue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Glue{cfg: cfg, registry: registry, queue: queue, forkMgr: forkMgr, log: log}
}

// Handle implements fork.Sink.
func (g *Glue) Handle(e fork.Event) {
	switch e.Kind {
	case fork.EventOperationAppended:
		g.handleOperationAppended(e)
	case fork.EventForkConfirmed:
		g.handleForkConfirmed(e)
	case fork.EventCheckpointInvalid:
		g.log.WithField("fork", e.ForkID).WithField("block", e.Block).WithField("reason", string(e.Reason)).
			Warn("checkpoint rejected")
	case fork.EventForkNew:
		g.log.WithField("fork", e.ForkID).WithField("block", e.Block).WithField("producer", e.ProducerID).
			Debug("fork created")
	case fork.EventForkSwitch:
		g.log.WithField("fork", e.ForkID).WithField("old_fork", e.OldForkID).WithField("producer", e.ProducerID).
			Debug("producer switched active fork")
	}
}

func (g *Glue) handleOperationAppended(e fork.Event) {
	if e.Operation == nil {
		return
	}
	op := *e.Operation

	if _, err := g.queue.AddOperation(replication.OpPayload{
		ForkID:      op.ForkID,
		Block:       op.Block,
		Index:       op.Index,
		Path:        op.Path,
		Data:        op.Data,
		ContentType: op.ContentType,
		IsDelete:    op.Kind == fork.OpDel,
	}, op.Kind == fork.OpWriteMarker); err != nil {
		g.log.WithField("fork", op.ForkID).WithError(err).Error("enqueue operation replication job")
	}

	if g.registry != nil {
		// Handle runs on the registry's writer goroutine (via emit), so
		// the cap request is submitted from a separate goroutine; a
		// synchronous call here would wait on the goroutine it blocks.
		go func(block uint64) {
			if err := g.registry.EnforcePerBlockCap(block); err != nil {
				g.log.WithField("block", block).WithError(err).Warn("per-block fork cap enforcement failed")
			}
		}(op.Block)
	}
}

func (g *Glue) handleForkConfirmed(e fork.Event) {
	if _, err := g.queue.ProcessCheckpoint(replication.CheckpointPayload{
		ForkID:        e.ForkID,
		Block:         e.Block,
		ConfirmedHash: e.ConfirmedHash,
		PrevHash:      e.PrevHash,
		PrunedForks:   e.PrunedForks,
	}); err != nil {
		g.log.WithField("fork", e.ForkID).WithError(err).Error("enqueue checkpoint confirmation job")
	}
}

// RunMaintenance periodically garbage-collects stale registry forks and,
// when a ForkManager is set, prunes persisted ORPHANED forks older than
// the retention window, until ctx is cancelled. The per-block fork cap
// is not part of this loop; it is enforced after each appended
// operation.
func (g *Glue) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Glue) tick(ctx context.Context) {
	now := time.Now()
	if err := g.registry.GCOld(now); err != nil {
		g.log.WithError(err).Warn("fork gc pass failed")
	}

	if g.forkMgr == nil {
		return
	}
	window := g.cfg.RetentionWindow
	if window <= 0 {
		window = time.Hour
	}
	if n, err := g.forkMgr.PruneBefore(ctx, now.Add(-window)); err != nil {
		g.log.WithError(err).Warn("persisted fork prune pass failed")
	} else if n > 0 {
		g.log.WithField("count", n).Debug("pruned orphaned persisted forks")
	}
}
