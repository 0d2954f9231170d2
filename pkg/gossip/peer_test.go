package gossip_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disregardfiat/honeygraph-sub002/pkg/gossip"
	"github.com/disregardfiat/honeygraph-sub002/pkg/wire"
)

func TestRegistry_UpdateReliabilityAppliesEMA(t *testing.T) {
	r := gossip.NewRegistry()
	r.Register("p1", "http://p1", gossip.SourceConfig)

	r.UpdateReliability("p1", false)

	p, ok := r.Get("p1")
	require.True(t, ok)
	assert.InDelta(t, 0.9, p.Reliability, 0.0001)
	assert.True(t, p.Alive)
}

func TestRegistry_RepeatedFailuresMarkPeerDead(t *testing.T) {
	r := gossip.NewRegistry()
	r.Register("p1", "http://p1", gossip.SourceConfig)

	for i := 0; i < 40; i++ {
		r.UpdateReliability("p1", false)
	}

	p, ok := r.Get("p1")
	require.True(t, ok)
	assert.False(t, p.Alive)
	assert.Less(t, p.Reliability, 0.1)
}

func TestRegistry_HealthySortedDescendingByReliability(t *testing.T) {
	r := gossip.NewRegistry()
	r.Register("low", "http://low", gossip.SourceConfig)
	r.Register("high", "http://high", gossip.SourceConfig)

	for i := 0; i < 5; i++ {
		r.UpdateReliability("low", false)
	}

	healthy := r.Healthy()
	require.Len(t, healthy, 2)
	assert.Equal(t, "high", healthy[0].ID)
	assert.Equal(t, "low", healthy[1].ID)
}

func TestRegistry_UnknownPeerUpdateIsNoop(t *testing.T) {
	r := gossip.NewRegistry()
	r.UpdateReliability("ghost", true)
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}

func TestRegistry_RegisterRecordsSource(t *testing.T) {
	r := gossip.NewRegistry()
	r.Register("p1", "http://p1", gossip.SourceConfig)

	p, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, gossip.SourceConfig, p.Source)

	// Re-registering an already-known peer never downgrades its source.
	r.Register("p1", "http://p1-new", gossip.SourceDiscovered)
	p, ok = r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, gossip.SourceConfig, p.Source)
	assert.Equal(t, "http://p1-new", p.URL)
}

func TestRegistry_DiscoverRegistersSeedsAndPeersOfPeers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/honeygraph-peers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]wire.PeerInfo{{ID: "b", URL: "http://b"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	r := gossip.NewRegistry()
	client := gossip.NewClient(time.Second, time.Second, "X-Peer-ID", "self")

	require.NoError(t, r.Discover(context.Background(), client, []string{"a@" + srv.URL}))

	a, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, gossip.SourceConfig, a.Source)

	b, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, gossip.SourceDiscovered, b.Source)
}

func TestRegistry_HealthCheckAllUpdatesReliability(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wire.HealthResponse{Status: "healthy"})
	}))
	t.Cleanup(healthy.Close)

	r := gossip.NewRegistry()
	r.Register("ok", healthy.URL, gossip.SourceConfig)
	r.UpdateReliability("ok", false) // drop below 1.0 so a success is observable

	client := gossip.NewClient(time.Second, time.Second, "X-Peer-ID", "self")
	r.HealthCheckAll(context.Background(), client)

	p, ok := r.Get("ok")
	require.True(t, ok)
	assert.Greater(t, p.Reliability, 0.9)
}
