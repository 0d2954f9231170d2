package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disregardfiat/honeygraph-sub002/pkg/snapshot"
)

type fakeEngine struct {
	restoreOK bool
}

func (f *fakeEngine) CreateCheckpoint(ctx context.Context, block uint64, hash string) (snapshot.Checkpoint, error) {
	return snapshot.Checkpoint{ID: hash, Block: block, Hash: hash, Taken: time.Now()}, nil
}
func (f *fakeEngine) Rollback(ctx context.Context, block uint64) (bool, error) { return f.restoreOK, nil }
func (f *fakeEngine) Clone(ctx context.Context, block uint64, suffix string) (string, error) {
	return "clone", nil
}
func (f *fakeEngine) Diff(ctx context.Context, from, to uint64) ([]snapshot.Change, error) {
	return nil, nil
}
func (f *fakeEngine) ListExisting(ctx context.Context) ([]snapshot.Checkpoint, error) { return nil, nil }

type fakeService struct {
	stopped, started bool
}

func (f *fakeService) Stop(ctx context.Context) error  { f.stopped = true; return nil }
func (f *fakeService) Start(ctx context.Context) error { f.started = true; return nil }

type fakeHealth struct {
	healthyAfter int
	calls        int
}

func (f *fakeHealth) Healthy(ctx context.Context) error {
	f.calls++
	if f.calls >= f.healthyAfter {
		return nil
	}
	return assertErr
}

var assertErr = &notHealthyErr{}

type notHealthyErr struct{}

func (e *notHealthyErr) Error() string { return "not healthy yet" }

func TestRollbackOrchestrator_WaitsForHealthy(t *testing.T) {
	engine := &fakeEngine{restoreOK: true}
	service := &fakeService{}
	health := &fakeHealth{healthyAfter: 3}

	o := &snapshot.RollbackOrchestrator{
		Engine: engine, Service: service, Health: health,
		PollInterval: time.Millisecond, PollTimeout: time.Second,
	}

	restored, err := o.Rollback(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.True(t, service.stopped)
	assert.True(t, service.started)
	assert.GreaterOrEqual(t, health.calls, 3)
}

func TestRollbackOrchestrator_RestoreFails(t *testing.T) {
	engine := &fakeEngine{restoreOK: false}
	service := &fakeService{}
	health := &fakeHealth{healthyAfter: 1}

	o := &snapshot.RollbackOrchestrator{Engine: engine, Service: service, Health: health}

	restored, err := o.Rollback(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.False(t, service.started, "service must not restart when restore did not complete")
}
