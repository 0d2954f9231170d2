package forkmanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disregardfiat/honeygraph-sub002/pkg/forkmanager"
	"github.com/disregardfiat/honeygraph-sub002/pkg/graphstore"
)

func TestManager_ReconcileMarksWinnerCanonicalAndOrphansRest(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemStore()
	m := forkmanager.New(store, nil)

	require.NoError(t, m.CreateFork(ctx, "", "fork-winner", 100))
	require.NoError(t, m.CreateFork(ctx, "", "fork-loser", 100))

	require.NoError(t, m.Reconcile(ctx, 100, "fork-winner"))

	recs, err := store.QueryForksAtBlock(ctx, 100)
	require.NoError(t, err)

	byID := map[string]graphstore.ForkStatus{}
	for _, r := range recs {
		byID[r.ForkID] = r.Status
	}
	assert.Equal(t, graphstore.StatusCanonical, byID["fork-winner"])
	assert.Equal(t, graphstore.StatusOrphaned, byID["fork-loser"])
}

func TestManager_ConfirmCreatesUnseenFork(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemStore()
	m := forkmanager.New(store, nil)

	require.NoError(t, m.Confirm(ctx, "fork-new", 200, nil))

	recs, err := store.QueryForksAtBlock(ctx, 200)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, graphstore.StatusCanonical, recs[0].Status)
}

func TestManager_PruneBefore(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemStore()
	m := forkmanager.New(store, nil)

	require.NoError(t, m.CreateFork(ctx, "", "fork-old", 50))
	require.NoError(t, m.UpdateStatus(ctx, "fork-old", graphstore.StatusOrphaned))

	n, err := m.PruneBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_ConfirmSkipsAlreadyOrphanedSiblingAtSameBlock(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemStore()
	m := forkmanager.New(store, nil)

	require.NoError(t, m.CreateFork(ctx, "", "fork-a", 400))
	require.NoError(t, m.CreateFork(ctx, "", "fork-b", 400))

	require.NoError(t, m.Confirm(ctx, "fork-a", 400, []string{"fork-b"}))
	// A second confirm naming the same sibling at the same block must not
	// fail even though fork-b was already reverted and orphaned.
	require.NoError(t, m.Confirm(ctx, "fork-a", 400, []string{"fork-b"}))

	recs, err := store.QueryForksAtBlock(ctx, 400)
	require.NoError(t, err)
	byID := map[string]graphstore.ForkStatus{}
	for _, r := range recs {
		byID[r.ForkID] = r.Status
	}
	assert.Equal(t, graphstore.StatusOrphaned, byID["fork-b"])
}

func TestManager_DetectForkOnHashMismatch(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemStore()
	m := forkmanager.New(store, nil)

	id, err := m.DetectFork(ctx, 300, "observed-hash", "expected-hash")
	require.NoError(t, err)
	assert.Equal(t, "observed-hash", id)

	id2, err := m.DetectFork(ctx, 300, "same", "same")
	require.NoError(t, err)
	assert.Empty(t, id2)
}
