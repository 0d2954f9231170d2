package replication

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/disregardfiat/honeygraph-sub002/pkg/graphstore"
	"github.com/disregardfiat/honeygraph-sub002/pkg/snapshot"
)

// ForkManager is the narrow slice of pkg/forkmanager.Manager the
// CHECKPOINT_CONFIRM and BLOCK_IMPORT handlers need, declared locally
// so pkg/replication does not import pkg/forkmanager directly.
type ForkManager interface {
	Confirm(ctx context.Context, forkID string, block uint64, prunedForks []string) error
	DetectFork(ctx context.Context, blockNum uint64, observedHash, expectedHash string) (string, error)
}

// DefaultHandlers implements Handlers against a graphstore.Store,
// a graphstore.Transformer, a ForkManager, and a Snapshot Collaborator,
// per spec.md §4.4's handler semantics.
type DefaultHandlers struct {
	Store       graphstore.Store
	Transformer graphstore.Transformer
	ForkManager ForkManager
	Snapshot    snapshot.Engine
}

// HandleApplyOp writes through the data-transformer to the graph store.
// A conflict with an already-applied (forkId, block, index) triple is
// handled by graphstore.Store's own idempotency contract, so this
// handler simply calls through and succeeds.
func (h *DefaultHandlers) HandleApplyOp(ctx context.Context, p OpPayload) error {
	mut, err := h.Transformer.Transform(graphstore.Operation{
		Path:        p.Path,
		Data:        p.Data,
		ContentType: p.ContentType,
		IsDelete:    p.IsDelete,
	})
	if err != nil {
		return errors.Wrap(err, "transform operation")
	}

	if p.IsDelete {
		return h.Store.ApplyDel(ctx, p.ForkID, p.Block, p.Index, mut)
	}
	return h.Store.ApplyPut(ctx, p.ForkID, p.Block, p.Index, mut)
}

// HandleCheckpointConfirm persists the CANONICAL/ORPHANED transition
// via the Fork Manager, then requests a point-in-time snapshot tagged
// by block.
func (h *DefaultHandlers) HandleCheckpointConfirm(ctx context.Context, p CheckpointPayload) error {
	if err := h.ForkManager.Confirm(ctx, p.ForkID, p.Block, p.PrunedForks); err != nil {
		return errors.Wrap(err, "confirm fork")
	}

	if h.Snapshot == nil {
		return nil
	}
	if _, err := h.Snapshot.CreateCheckpoint(ctx, p.Block, p.ConfirmedHash); err != nil {
		return errors.Wrap(err, "create snapshot")
	}
	return nil
}

// HandleBlockImport transactionally imports a full gap-synced block:
// every operation is applied via the data-transformer, and a failure
// partway through reverts the fork's partial write.
func (h *DefaultHandlers) HandleBlockImport(ctx context.Context, p BlockImportPayload) error {
	forkID := p.BlockHash

	existing, err := h.Store.QueryForksAtBlock(ctx, p.Block)
	if err != nil {
		return errors.Wrap(err, "query existing forks before import")
	}
	for _, rec := range existing {
		if rec.Status == graphstore.StatusCanonical && rec.ForkID != forkID {
			if _, err := h.ForkManager.DetectFork(ctx, p.Block, forkID, rec.ForkID); err != nil {
				return errors.Wrap(err, "detect fork on gap-synced block")
			}
		}
	}

	if err := h.Store.CreateFork(ctx, graphstore.ForkRecord{
		ForkID:         forkID,
		CreatedAtBlock: p.Block,
		Status:         graphstore.StatusActive,
	}); err != nil {
		return errors.Wrap(err, "create fork record for imported block")
	}

	for _, op := range p.Ops {
		mut, err := h.Transformer.Transform(graphstore.Operation{
			Path:        op.Path,
			Data:        op.Data,
			ContentType: op.ContentType,
			IsDelete:    op.IsDelete,
		})
		if err != nil {
			_ = h.Store.RevertFork(ctx, forkID)
			return errors.Wrap(err, "transform imported operation")
		}

		if op.IsDelete {
			err = h.Store.ApplyDel(ctx, forkID, p.Block, op.Index, mut)
		} else {
			err = h.Store.ApplyPut(ctx, forkID, p.Block, op.Index, mut)
		}
		if err != nil {
			_ = h.Store.RevertFork(ctx, forkID)
			return errors.Wrap(err, "apply imported operation")
		}
	}

	if err := h.Store.ApplyWriteMarker(ctx, forkID, p.Block); err != nil {
		_ = h.Store.RevertFork(ctx, forkID)
		return errors.Wrap(err, "apply imported write marker")
	}

	return h.Store.UpdateForkStatus(ctx, forkID, graphstore.StatusCanonical, time.Now())
}
