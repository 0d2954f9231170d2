// Package wire defines the JSON-framed producer WebSocket protocol and
// the peer HTTP surface types described in spec.md §6. Encoding uses
// json-iterator in standard-library-compatible mode, matching the
// corpus's preferred codec for high-frequency small JSON frames.
package wire

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON is the shared codec instance used across the producer and
// gossip wire layers.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind identifies the message kind carried by a single WebSocket frame.
type Kind string

const (
	KindWelcome       Kind = "welcome"
	KindAuthRequired  Kind = "auth_required"
	KindAuthResponse  Kind = "auth_response"
	KindAuthSuccess   Kind = "auth_success"
	KindAuthFailed    Kind = "auth_failed"
	KindIdentify      Kind = "identify"
	KindAck           Kind = "ack"
	KindForkStart     Kind = "fork_start"
	KindForkDetected  Kind = "fork_detected"
	KindPut           Kind = "put"
	KindDel           Kind = "del"
	KindWriteMarker   Kind = "write_marker"
	KindCheckpoint    Kind = "checkpoint"
	KindSendCheckpoint Kind = "sendCheckpoint"
	KindSyncStatus    Kind = "sync_status"
	KindError         Kind = "error"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
)

// envelope is the outer shape every frame decodes into first, so the
// session can dispatch on Kind before unmarshaling the specific payload.
type envelope struct {
	Kind Kind `json:"kind"`
}

// DecodeEnvelope extracts the Kind from a raw frame without fully
// decoding the payload, so the caller can dispatch before allocating
// the specific struct.
func DecodeEnvelope(frame []byte) (Kind, error) {
	var e envelope
	if err := JSON.Unmarshal(frame, &e); err != nil {
		return "", err
	}
	return e.Kind, nil
}

// Welcome is sent server -> producer on connect.
type Welcome struct {
	Kind      Kind   `json:"kind"`
	NodeID    string `json:"nodeId"`
	Timestamp int64  `json:"timestamp"`
}

// Challenge is embedded in AuthRequired and echoed back in AuthResponse's message.
type Challenge struct {
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"nodeId"`
}

// AuthRequired is sent server -> producer when authentication is enabled.
type AuthRequired struct {
	Kind      Kind      `json:"kind"`
	Challenge Challenge `json:"challenge"`
}

// AuthResponse is sent producer -> server in reply to AuthRequired.
type AuthResponse struct {
	Kind      Kind   `json:"kind"`
	Account   string `json:"account"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// AuthSuccess is sent server -> producer on successful authentication.
type AuthSuccess struct {
	Kind    Kind   `json:"kind"`
	Account string `json:"account,omitempty"`
}

// AuthFailed is sent server -> producer on failed authentication.
type AuthFailed struct {
	Kind  Kind   `json:"kind"`
	Error string `json:"error,omitempty"`
}

// Identify is sent producer -> server to announce itself.
type Identify struct {
	Kind    Kind   `json:"kind"`
	Source  string `json:"source"`
	Version string `json:"version"`
	Prefix  string `json:"prefix"`
	Token   string `json:"token"`
}

// Ack is sent server -> producer acknowledging an identify.
type Ack struct {
	Kind  Kind   `json:"kind"`
	Token string `json:"token"`
}

// ForkStart is sent producer -> server announcing a new fork.
type ForkStart struct {
	Kind      Kind   `json:"kind"`
	ForkHash  string `json:"forkHash"`
	BlockNum  uint64 `json:"blockNum"`
	Timestamp int64  `json:"timestamp"`
}

// ForkDetected is sent producer -> server announcing a fork transition.
type ForkDetected struct {
	Kind        Kind   `json:"kind"`
	OldForkHash string `json:"oldForkHash"`
	NewForkHash string `json:"newForkHash"`
	BlockNum    uint64 `json:"blockNum"`
}

// PutOrDel is sent producer -> server for a put/del operation. The Kind
// field distinguishes which.
type PutOrDel struct {
	Kind      Kind   `json:"kind"`
	ForkHash  string `json:"forkHash"`
	BlockNum  uint64 `json:"blockNum"`
	Index     uint64 `json:"index"`
	Path      string `json:"path"`
	Data      string `json:"data,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WriteMarker is sent producer -> server marking the terminal op of a block.
type WriteMarker struct {
	Kind                Kind   `json:"kind"`
	ForkHash            string `json:"forkHash"`
	BlockNum            uint64 `json:"blockNum"`
	Index               uint64 `json:"index"`
	Timestamp           int64  `json:"timestamp"`
	PrevCheckpointHash  string `json:"prevCheckpointHash,omitempty"`
}

// CheckpointMsg is sent producer -> server (distinct from SendCheckpoint,
// per spec.md §6's protocol table which lists both `checkpoint` and
// `sendCheckpoint` as separate producer -> server messages).
type CheckpointMsg struct {
	Kind          Kind   `json:"kind"`
	ForkHash      string `json:"forkHash"`
	ConfirmedHash string `json:"confirmedHash"`
	BlockNum      uint64 `json:"blockNum"`
	Matches       bool   `json:"matches"`
}

// SendCheckpoint is sent producer -> server carrying the confirmed block hash.
type SendCheckpoint struct {
	Kind      Kind   `json:"kind"`
	BlockNum  uint64 `json:"blockNum"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prevHash"`
	Timestamp int64  `json:"timestamp"`
}

// Ping/Pong carry the heartbeat cadence (spec.md §4.1).
type Ping struct {
	Kind      Kind  `json:"kind"`
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Kind      Kind  `json:"kind"`
	Timestamp int64 `json:"timestamp"`
}

// SyncStatus flows both directions.
type SyncStatus struct {
	Kind      Kind   `json:"kind"`
	LastIndex uint64 `json:"lastIndex"`
	Status    string `json:"status"`
}

// ErrorMsg is sent server -> producer on a soft protocol error.
type ErrorMsg struct {
	Kind  Kind   `json:"kind"`
	Error string `json:"error"`
}

// StructuredError is the `{error, details?, path?}` shape every write
// endpoint returns per spec.md §7.
type StructuredError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Path    string `json:"path,omitempty"`
}

// --- Peer HTTP surface (spec.md §6) ---

// PeerInfo is returned by GET /api/honeygraph-peers.
type PeerInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// BlockBody is returned by GET /api/query/block/{n}/full.
type BlockBody struct {
	BlockNum     uint64      `json:"blockNum"`
	BlockHash    string      `json:"blockHash"`
	PreviousHash string      `json:"previousHash"`
	Operations   []OperationWire `json:"operations"`
	IPFSHash     string      `json:"ipfsHash,omitempty"`
}

// OperationWire is the wire shape of an Operation within a BlockBody.
type OperationWire struct {
	Kind        string `json:"kind"`
	Index       uint64 `json:"index"`
	Path        string `json:"path"`
	Data        string `json:"data,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	ForkHash    string `json:"forkHash"`
	Producer    string `json:"producer"`
}

// HeadResponse is returned by GET /api/query/head.
type HeadResponse struct {
	Head uint64 `json:"head"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
