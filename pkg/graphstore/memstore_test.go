package graphstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disregardfiat/honeygraph-sub002/pkg/graphstore"
)

func TestMemStore_ApplyPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemStore()

	mut := graphstore.Mutation{Path: "/a/b", Data: []byte("v1")}
	require.NoError(t, store.ApplyPut(ctx, "fork-1", 1, 0, mut))
	require.NoError(t, store.ApplyPut(ctx, "fork-1", 1, 0, graphstore.Mutation{Path: "/a/b", Data: []byte("v2")}))

	v, ok := store.Get("fork-1", "/a/b")
	require.True(t, ok)
	assert.Equal(t, "v1", string(v), "second delivery of the same (fork,block,index) must be a no-op")
}

func TestMemStore_ForkLifecycle(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemStore()

	require.NoError(t, store.CreateFork(ctx, graphstore.ForkRecord{ForkID: "fork-1", CreatedAtBlock: 10, Status: graphstore.StatusActive}))
	require.NoError(t, store.UpdateForkStatus(ctx, "fork-1", graphstore.StatusOrphaned, time.Now().Add(-2*time.Hour)))

	n, err := store.PruneForks(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := store.QueryForksAtBlock(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
