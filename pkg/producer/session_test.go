package producer_test

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
	"github.com/disregardfiat/honeygraph-sub002/pkg/fork"
	"github.com/disregardfiat/honeygraph-sub002/pkg/identity"
	"github.com/disregardfiat/honeygraph-sub002/pkg/producer"
	"github.com/disregardfiat/honeygraph-sub002/pkg/wire"
)

// fakeConn is an in-memory producer.Conn: outbound frames land in
// `sent`; inbound frames are fed from `inbox` and returned by
// ReadMessage in order, then the connection reports closed.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  [][]byte
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return 0, nil, websocket.ErrCloseSent
	}
	msg := c.inbox[0]
	c.inbox = c.inbox[1:]
	return websocket.TextMessage, msg, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) push(v interface{}) {
	data, _ := wire.JSON.Marshal(v)
	c.mu.Lock()
	c.inbox = append(c.inbox, data)
	c.mu.Unlock()
}

func TestSession_IdentifyThenOperationsReachRegistry(t *testing.T) {
	conn := &fakeConn{}
	conn.push(wire.Identify{Kind: wire.KindIdentify, Source: "hive", Prefix: "hive", Token: "tok"})
	conn.push(wire.ForkStart{Kind: wire.KindForkStart, ForkHash: "fork-a", BlockNum: 1, Timestamp: time.Now().UnixMilli()})
	conn.push(wire.PutOrDel{Kind: wire.KindPut, ForkHash: "fork-a", BlockNum: 1, Index: 0, Path: "/a", Timestamp: time.Now().UnixMilli()})

	r := fork.New(config.ForkConfig{BufferSize: 10, PerBlockCap: 10, RetentionWindow: time.Hour}, nil, nil)
	defer r.Close()

	s := producer.New("producer-1", conn, config.ProducerConfig{}, r, identity.AllowAllVerifier{}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session.Run did not return")
	}

	snap, ok := r.Snapshot("fork-a")
	require.True(t, ok)
	assert.EqualValues(t, 1, snap.OperationCount)
}

func TestSession_ForkDetectedCheckpointAndSyncStatusDispatch(t *testing.T) {
	conn := &fakeConn{}
	conn.push(wire.Identify{Kind: wire.KindIdentify, Source: "hive", Prefix: "hive", Token: "tok"})
	conn.push(wire.ForkDetected{Kind: wire.KindForkDetected, OldForkHash: "", NewForkHash: "fork-a", BlockNum: 1})
	conn.push(wire.PutOrDel{Kind: wire.KindPut, ForkHash: "fork-a", BlockNum: 1, Index: 0, Path: "/a", Timestamp: time.Now().UnixMilli()})
	conn.push(wire.WriteMarker{Kind: wire.KindWriteMarker, ForkHash: "fork-a", BlockNum: 1, Index: 1, Timestamp: time.Now().UnixMilli()})
	conn.push(wire.CheckpointMsg{Kind: wire.KindCheckpoint, ForkHash: "fork-a", ConfirmedHash: "fork-a", BlockNum: 2, Matches: true})
	conn.push(wire.SyncStatus{Kind: wire.KindSyncStatus, LastIndex: 2, Status: "caught_up"})

	r := fork.New(config.ForkConfig{BufferSize: 10, PerBlockCap: 10, RetentionWindow: time.Hour}, nil, nil)
	defer r.Close()

	s := producer.New("producer-3", conn, config.ProducerConfig{}, r, identity.AllowAllVerifier{}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session.Run did not return")
	}

	snap, ok := r.Snapshot("fork-a")
	require.True(t, ok)
	assert.True(t, snap.Confirmed)
}

func TestSession_AuthRequiredRejectsUnauthorizedAccount(t *testing.T) {
	conn := &fakeConn{}

	r := fork.New(config.ForkConfig{BufferSize: 10, PerBlockCap: 10, RetentionWindow: time.Hour}, nil, nil)
	defer r.Close()

	cfg := config.ProducerConfig{AuthRequired: true, AuthorizedAccounts: []string{"alice"}}
	s := producer.New("producer-2", conn, cfg, r, identity.AllowAllVerifier{}, nil)

	// fakeConn reports closed as soon as its inbox is empty, so the
	// auth_response must be queued before Run starts reading.
	conn.push(wire.AuthResponse{Kind: wire.KindAuthResponse, Account: "mallory", Signature: "sig", Message: "msg"})

	err := s.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}
