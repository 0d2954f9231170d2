package producer

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
	"github.com/disregardfiat/honeygraph-sub002/pkg/fork"
	"github.com/disregardfiat/honeygraph-sub002/pkg/identity"
)

// Server accepts producer WebSocket connections and spawns one Session
// per connection.
type Server struct {
	cfg      config.ProducerConfig
	registry *fork.Registry
	verifier identity.Verifier
	log      *logrus.Entry
	upgrader websocket.Upgrader
	nextID   uint64
}

// NewServer constructs a producer connection acceptor.
func NewServer(cfg config.ProducerConfig, registry *fork.Registry, verifier identity.Verifier, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if verifier == nil {
		verifier = identity.AllowAllVerifier{}
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ServeHTTP implements http.Handler, upgrading the request and running
// a Session to completion on its own goroutine.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("producer websocket upgrade failed")
		return
	}

	id := s.nextProducerID()
	session := New(id, conn, s.cfg, s.registry, s.verifier, s.log)
	go func() {
		if err := session.Run(); err != nil {
			s.log.WithField("producer", id).WithError(err).Warn("producer session ended with error")
		}
	}()
}

func (s *Server) nextProducerID() string {
	n := atomic.AddUint64(&s.nextID, 1)
	return "producer-" + formatUint(n)
}

func formatUint(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
