// Package producer implements the Producer Session: one WebSocket
// connection's state machine, authentication, and message dispatch
// into the Fork Registry. Heartbeat is grounded on the teacher's
// pkg/p2p/peer/stall.Detector (a deadline-tracking ticker loop),
// simplified from per-command deadlines to a missed-pong counter.
// Dispatch is grounded on pkg/p2p/peer/processor.go's switch-on-command
// routing.
package producer

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
	"github.com/disregardfiat/honeygraph-sub002/pkg/fork"
	"github.com/disregardfiat/honeygraph-sub002/pkg/identity"
	"github.com/disregardfiat/honeygraph-sub002/pkg/wire"
)

// State is a Producer Session's lifecycle state (spec.md §4.1).
type State int

const (
	StateConnected State = iota
	StateAwaitAuth
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAwaitAuth:
		return "AWAIT_AUTH"
	case StateIdentified:
		return "IDENTIFIED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const authWindow = 30 * time.Second
const heartbeatInterval = 30 * time.Second
const maxMissedPongs = 2

// Conn is the minimal websocket.Conn surface the session needs, so
// tests can supply a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Session terminates one producer connection.
type Session struct {
	id       string
	conn     Conn
	cfg      config.ProducerConfig
	registry *fork.Registry
	verifier identity.Verifier
	log      *logrus.Entry

	// prefix is the namespace from the latest identify; only the
	// readLoop goroutine touches it.
	prefix string

	mu          sync.Mutex
	state       State
	account     string
	challenge   identity.Challenge
	missedPongs int

	writeMu sync.Mutex
}

// New constructs a Session for a freshly-accepted connection.
func New(id string, conn Conn, cfg config.ProducerConfig, registry *fork.Registry, verifier identity.Verifier, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
		log:      log.WithField("producer", id),
		state:    StateConnected,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) send(v interface{}) error {
	data, err := wire.JSON.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Run is the session's main loop: it sends welcome (with a challenge if
// auth is required), starts the heartbeat, and dispatches every
// incoming frame until the socket closes or a fatal protocol error
// occurs. It blocks until the session terminates.
func (s *Session) Run() error {
	defer func() {
		s.setState(StateClosed)
		if s.registry != nil {
			_ = s.registry.OnDisconnect(s.id)
		}
		_ = s.conn.Close()
	}()

	welcome := wire.Welcome{Kind: wire.KindWelcome, NodeID: s.id, Timestamp: time.Now().Unix()}
	if err := s.send(welcome); err != nil {
		return errors.Wrap(err, "send welcome")
	}

	if s.cfg.AuthRequired {
		challenge, err := identity.NewChallenge(s.id)
		if err != nil {
			return errors.Wrap(err, "generate challenge")
		}
		s.mu.Lock()
		s.challenge = challenge
		s.mu.Unlock()
		s.setState(StateAwaitAuth)

		if err := s.send(wire.AuthRequired{
			Kind: wire.KindAuthRequired,
			Challenge: wire.Challenge{Nonce: challenge.Nonce, Timestamp: challenge.Timestamp, NodeID: challenge.NodeID},
		}); err != nil {
			return errors.Wrap(err, "send auth_required")
		}

		if err := s.waitForAuth(); err != nil {
			_ = s.send(wire.AuthFailed{Kind: wire.KindAuthFailed, Error: err.Error()})
			return err
		}
	}

	stopHeartbeat := s.startHeartbeat()
	defer stopHeartbeat()

	return s.readLoop()
}

func (s *Session) waitForAuth() error {
	deadline := time.Now().Add(authWindow)
	for {
		if time.Now().After(deadline) {
			return errors.New("auth timeout")
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read during auth")
		}

		kind, err := wire.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		if kind != wire.KindAuthResponse {
			continue
		}

		var resp wire.AuthResponse
		if err := wire.JSON.Unmarshal(raw, &resp); err != nil {
			return errors.Wrap(err, "decode auth_response")
		}

		if len(s.cfg.AuthorizedAccounts) > 0 && !contains(s.cfg.AuthorizedAccounts, lower(resp.Account)) {
			return errors.New("account not authorized")
		}

		s.mu.Lock()
		challenge := s.challenge
		s.mu.Unlock()

		if err := s.verifier.Verify(context.Background(), resp.Account, challenge, []byte(resp.Signature), []byte(resp.Message)); err != nil {
			return errors.Wrap(err, "signature verification failed")
		}

		s.mu.Lock()
		s.account = resp.Account
		s.mu.Unlock()
		s.setState(StateIdentified)
		return s.send(wire.AuthSuccess{Kind: wire.KindAuthSuccess, Account: resp.Account})
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (s *Session) startHeartbeat() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.send(wire.Ping{Kind: wire.KindPing, Timestamp: time.Now().Unix()}); err != nil {
					return
				}
				s.mu.Lock()
				s.missedPongs++
				missed := s.missedPongs
				s.mu.Unlock()
				if missed > maxMissedPongs {
					s.log.Warn("heartbeat stalled, closing session")
					_ = s.conn.Close()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// readLoop dispatches every identified-state frame to the Fork
// Registry, per spec.md §4.1's typed event list.
func (s *Session) readLoop() error {
	for {
		if s.State() == StateClosed {
			return nil
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return nil
		}

		kind, err := wire.DecodeEnvelope(raw)
		if err != nil {
			_ = s.send(wire.ErrorMsg{Kind: wire.KindError, Error: "invalid payload framing"})
			continue
		}

		if err := s.dispatch(kind, raw); err != nil {
			s.log.WithError(err).WithField("kind", kind).Warn("dispatch error")
		}
	}
}

func (s *Session) dispatch(kind wire.Kind, raw []byte) error {
	switch kind {
	case wire.KindPong:
		s.mu.Lock()
		s.missedPongs = 0
		s.mu.Unlock()
		return nil

	case wire.KindIdentify:
		var msg wire.Identify
		if err := wire.JSON.Unmarshal(raw, &msg); err != nil {
			return err
		}
		s.prefix = msg.Prefix
		s.setState(StateIdentified)
		return s.send(wire.Ack{Kind: wire.KindAck, Token: msg.Token})

	case wire.KindForkStart:
		var msg wire.ForkStart
		if err := wire.JSON.Unmarshal(raw, &msg); err != nil {
			return err
		}
		return s.registry.OnForkStart(s.id, msg.ForkHash, s.prefix, msg.BlockNum, time.UnixMilli(msg.Timestamp))

	case wire.KindPut, wire.KindDel:
		var msg wire.PutOrDel
		if err := wire.JSON.Unmarshal(raw, &msg); err != nil {
			return err
		}
		opKind := fork.OpPut
		if kind == wire.KindDel {
			opKind = fork.OpDel
		}
		return s.registry.OnOperation(s.id, fork.Operation{
			Kind: opKind, Block: msg.BlockNum, Index: msg.Index, Path: msg.Path,
			Data: []byte(msg.Data), ContentType: msg.ContentType,
			ForkID: msg.ForkHash, ProducerID: s.id, ReceivedAt: time.UnixMilli(msg.Timestamp),
		})

	case wire.KindWriteMarker:
		var msg wire.WriteMarker
		if err := wire.JSON.Unmarshal(raw, &msg); err != nil {
			return err
		}
		return s.registry.OnOperation(s.id, fork.Operation{
			Kind: fork.OpWriteMarker, Block: msg.BlockNum, Index: msg.Index,
			ForkID: msg.ForkHash, ProducerID: s.id, ReceivedAt: time.UnixMilli(msg.Timestamp),
			PrevCheckpointHash: msg.PrevCheckpointHash,
		})

	case wire.KindSendCheckpoint:
		var msg wire.SendCheckpoint
		if err := wire.JSON.Unmarshal(raw, &msg); err != nil {
			return err
		}
		_, err := s.registry.OnCheckpoint(s.id, msg.BlockNum, msg.Hash, msg.PrevHash, time.UnixMilli(msg.Timestamp))
		return err

	case wire.KindForkDetected:
		var msg wire.ForkDetected
		if err := wire.JSON.Unmarshal(raw, &msg); err != nil {
			return err
		}
		return s.registry.OnForkStart(s.id, msg.NewForkHash, s.prefix, msg.BlockNum, time.Now())

	case wire.KindCheckpoint:
		var msg wire.CheckpointMsg
		if err := wire.JSON.Unmarshal(raw, &msg); err != nil {
			return err
		}
		if !msg.Matches {
			s.log.WithField("fork", msg.ForkHash).WithField("block", msg.BlockNum).
				Warn("producer reported checkpoint mismatch")
			return nil
		}
		_, err := s.registry.OnCheckpoint(s.id, msg.BlockNum, msg.ConfirmedHash, "", time.Now())
		return err

	case wire.KindSyncStatus:
		var msg wire.SyncStatus
		if err := wire.JSON.Unmarshal(raw, &msg); err != nil {
			return err
		}
		s.log.WithField("lastIndex", msg.LastIndex).WithField("status", msg.Status).
			Debug("producer sync status")
		return nil

	default:
		s.log.WithField("kind", kind).Debug("unknown message kind, ignoring")
		return nil
	}
}
