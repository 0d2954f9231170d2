package replication_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
	"github.com/disregardfiat/honeygraph-sub002/pkg/replication"
)

type countingHandlers struct {
	applyOps    int32
	checkpoints int32
	blocks      int32
}

func newCountingHandlers() *countingHandlers {
	return &countingHandlers{}
}

func (h *countingHandlers) HandleApplyOp(ctx context.Context, p replication.OpPayload) error {
	atomic.AddInt32(&h.applyOps, 1)
	return nil
}

func (h *countingHandlers) HandleCheckpointConfirm(ctx context.Context, p replication.CheckpointPayload) error {
	atomic.AddInt32(&h.checkpoints, 1)
	return nil
}

func (h *countingHandlers) HandleBlockImport(ctx context.Context, p replication.BlockImportPayload) error {
	atomic.AddInt32(&h.blocks, 1)
	return nil
}

func newTestQueue(t *testing.T, handlers replication.Handlers) *replication.Queue {
	t.Helper()
	cfg := config.QueueConfig{
		DataDir:      t.TempDir(),
		MaxAttempts:  3,
		ApplyWorkers: 2,
		GapSyncWorkers: 1,
	}
	q, err := replication.New(cfg, handlers, nil)
	require.NoError(t, err)
	return q
}

func TestQueue_EnqueueAndProcessApplyOp(t *testing.T) {
	handlers := newCountingHandlers()
	q := newTestQueue(t, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(time.Second)

	_, err := q.AddOperation(replication.OpPayload{ForkID: "fork-1", Block: 1, Index: 0, Path: "/a"}, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handlers.applyOps) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_WriteMarkerIsSwallowed(t *testing.T) {
	handlers := newCountingHandlers()
	q := newTestQueue(t, handlers)

	id, err := q.AddOperation(replication.OpPayload{ForkID: "fork-1", Block: 1, Index: 0}, true)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestQueue_DuplicateIdempotencyKeyCollapses(t *testing.T) {
	handlers := newCountingHandlers()
	q := newTestQueue(t, handlers)

	id1, err := q.AddOperation(replication.OpPayload{ForkID: "fork-1", Block: 1, Index: 0, Path: "/a"}, false)
	require.NoError(t, err)
	id2, err := q.AddOperation(replication.OpPayload{ForkID: "fork-1", Block: 1, Index: 0, Path: "/a"}, false)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestQueue_ProcessCheckpointRunsConfirmHandler(t *testing.T) {
	handlers := newCountingHandlers()
	q := newTestQueue(t, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(time.Second)

	_, err := q.ProcessCheckpoint(replication.CheckpointPayload{ForkID: "fork-1", Block: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handlers.checkpoints) == 1
	}, time.Second, 5*time.Millisecond)
}

type flakyHandlers struct {
	attempts int32
	succeedAt int32
}

func (h *flakyHandlers) HandleApplyOp(ctx context.Context, p replication.OpPayload) error {
	n := atomic.AddInt32(&h.attempts, 1)
	if n < h.succeedAt {
		return assertFlakyErr
	}
	return nil
}
func (h *flakyHandlers) HandleCheckpointConfirm(ctx context.Context, p replication.CheckpointPayload) error {
	return nil
}
func (h *flakyHandlers) HandleBlockImport(ctx context.Context, p replication.BlockImportPayload) error {
	return nil
}

type flakyErr struct{}

func (flakyErr) Error() string { return "transient failure" }

var assertFlakyErr = flakyErr{}

func TestQueue_RetriesWithBackoffUntilSuccess(t *testing.T) {
	handlers := &flakyHandlers{succeedAt: 3}
	q := newTestQueue(t, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(2 * time.Second)

	_, err := q.AddOperation(replication.OpPayload{ForkID: "fork-1", Block: 1, Index: 0}, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handlers.attempts) >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueue_RecoversPendingJobsOnRestart(t *testing.T) {
	dataDir := t.TempDir()
	cfg := config.QueueConfig{DataDir: dataDir, MaxAttempts: 5, ApplyWorkers: 1, GapSyncWorkers: 1}

	blockingHandlers := &flakyHandlers{succeedAt: 1 << 30}
	q1, err := replication.New(cfg, blockingHandlers, nil)
	require.NoError(t, err)

	_, err = q1.AddOperation(replication.OpPayload{ForkID: "fork-1", Block: 1, Index: 0}, false)
	require.NoError(t, err)
	q1.Shutdown(100 * time.Millisecond)

	handlers2 := newCountingHandlers()
	q2, err := replication.New(cfg, handlers2, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q2.Start(ctx)
	defer q2.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handlers2.applyOps) == 1
	}, time.Second, 5*time.Millisecond, "job persisted before the first queue's shutdown must be replayed on recovery")
}
