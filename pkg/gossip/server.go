package gossip

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/disregardfiat/honeygraph-sub002/pkg/wire"
)

// BlockSource answers the peer HTTP surface's block and head queries.
type BlockSource interface {
	Head(ctx context.Context) (uint64, error)
	BlockBody(ctx context.Context, block uint64) (wire.BlockBody, bool, error)
}

// HealthSource answers /health.
type HealthSource interface {
	Healthy(ctx context.Context) error
}

// Server is the peer HTTP surface (spec.md §6), served with
// julienschmidt/httprouter.
type Server struct {
	registry *Registry
	blocks   BlockSource
	health   HealthSource
	log      *logrus.Entry
}

// NewServer constructs the peer HTTP surface handler.
func NewServer(registry *Registry, blocks BlockSource, health HealthSource, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{registry: registry, blocks: blocks, health: health, log: log}
}

// Handler builds the httprouter.Router exposing every peer endpoint.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/api/honeygraph-peers", s.handlePeers)
	r.GET("/api/query/block/:block/full", s.handleBlock)
	r.GET("/api/query/head", s.handleHead)
	r.GET("/health", s.handleHealth)
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := wire.JSON.Marshal(v)
	if err != nil {
		s.log.WithError(err).Error("encode response")
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	peers := s.registry.Healthy()
	out := make([]wire.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, wire.PeerInfo{ID: p.ID, URL: p.URL})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	head, err := s.blocks.Head(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, wire.StructuredError{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, wire.HeadResponse{Head: head})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	blockStr := ps.ByName("block")
	block, err := parseUint(blockStr)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.StructuredError{Error: "invalid block number", Path: blockStr})
		return
	}

	body, found, err := s.blocks.BlockBody(r.Context(), block)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, wire.StructuredError{Error: err.Error()})
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, wire.StructuredError{Error: "block not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.health.Healthy(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, wire.HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, wire.HealthResponse{Status: "healthy"})
}

func parseUint(s string) (uint64, error) {
	var n uint64
	if s == "" {
		return 0, errNotANumber
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

var errNotANumber = parseError("not a number")

type parseError string

func (e parseError) Error() string { return string(e) }
