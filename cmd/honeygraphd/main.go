// Command honeygraphd runs the Honeygraph replication sidecar: it
// accepts producer WebSocket connections, maintains the in-memory Fork
// Registry, replicates confirmed operations into the graph store via a
// durable queue, and serves the peer gossip/gap-sync HTTP surface.
// Wiring is grounded on the teacher's cmd/utils/main.go urfave/cli
// shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
	"github.com/disregardfiat/honeygraph-sub002/pkg/fork"
	"github.com/disregardfiat/honeygraph-sub002/pkg/forkmanager"
	"github.com/disregardfiat/honeygraph-sub002/pkg/glue"
	"github.com/disregardfiat/honeygraph-sub002/pkg/gossip"
	"github.com/disregardfiat/honeygraph-sub002/pkg/graphstore"
	"github.com/disregardfiat/honeygraph-sub002/pkg/identity"
	"github.com/disregardfiat/honeygraph-sub002/pkg/logctx"
	"github.com/disregardfiat/honeygraph-sub002/pkg/producer"
	"github.com/disregardfiat/honeygraph-sub002/pkg/replication"
	"github.com/disregardfiat/honeygraph-sub002/pkg/wire"
)

var logLevelFlag = cli.StringFlag{
	Name:  "log-level",
	Usage: "logrus level, eg: --log-level=debug",
	Value: "info",
}

func main() {
	app := cli.NewApp()
	app.Name = "honeygraphd"
	app.Usage = "Honeygraph replication sidecar"
	app.Flags = []cli.Flag{logLevelFlag}
	app.Action = runAction

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("honeygraphd exited with error")
	}
}

func runAction(c *cli.Context) error {
	if err := logctx.Configure(c.String(logLevelFlag.Name)); err != nil {
		return err
	}
	log := logctx.New("honeygraphd")

	cfg := config.FromEnv()

	store := graphstore.NewMemStore()
	transformer := graphstore.PassthroughTransformer{}
	forkMgr := forkmanager.New(store, logctx.New("forkmanager"))

	queue, err := replication.New(cfg.Queue, &replication.DefaultHandlers{
		Store:       store,
		Transformer: transformer,
		ForkManager: forkMgr,
		Snapshot:    nil,
	}, logctx.New("replication"))
	if err != nil {
		log.WithError(err).Fatal("failed to construct replication queue")
	}

	registry, g, verifier := startRegistry(cfg, queue, forkMgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)

	go g.RunMaintenance(ctx, time.Minute)

	producerSrv := producer.NewServer(cfg.Producer, registry, verifier, logctx.New("producer"))
	producerHTTP := &http.Server{Addr: cfg.Producer.ListenAddr, Handler: producerSrv}
	go serve(producerHTTP, log.WithField("listener", "producer"))

	peerRegistry := gossip.NewRegistry()
	for _, seed := range cfg.Gossip.SeedPeers {
		id, url := gossip.ParseSeed(seed)
		if id != "" {
			peerRegistry.Register(id, url, gossip.SourceConfig)
		}
	}
	client := gossip.NewClient(cfg.Gossip.RequestTimeout, cfg.Gossip.HealthTimeout, cfg.Gossip.PeerIDHeader, cfg.Gossip.SelfID)

	gossipSrv := gossip.NewServer(peerRegistry, storeBlockSource{}, storeHealthSource{}, logctx.New("gossip-http"))
	gossipHTTP := &http.Server{Addr: cfg.Gossip.ListenAddr, Handler: gossipSrv.Handler()}
	go serve(gossipHTTP, log.WithField("listener", "gossip"))

	gapSync := gossip.New(cfg.Gossip, peerRegistry, client, storeHeadSource{}, blockImporter{queue: queue}, logctx.New("gapsync"))
	go gapSync.RunLoop(ctx)

	waitForShutdown(log)

	cancel()
	queue.Shutdown(cfg.Queue.ShutdownDeadline)
	_ = producerHTTP.Close()
	_ = gossipHTTP.Close()
	registry.Close()

	return nil
}

// startRegistry constructs the Fork Registry and its Boundary Glue
// sink. The registry needs a Sink at construction time, but the Glue
// needs the registry (to enforce the per-block cap) — the sink closure
// forwards to a Glue bound immediately after.
func startRegistry(cfg config.Config, queue *replication.Queue, forkMgr *forkmanager.Manager) (*fork.Registry, *glue.Glue, identity.Verifier) {
	var g *glue.Glue
	sink := fork.SinkFunc(func(e fork.Event) {
		if g != nil {
			g.Handle(e)
		}
	})
	registry := fork.New(cfg.Fork, sink, logctx.New("fork-registry"))
	g = glue.New(cfg.Fork, registry, queue, forkMgr, logctx.New("glue"))
	return registry, g, identity.AllowAllVerifier{}
}

func serve(srv *http.Server, log *logrus.Entry) {
	log.WithField("addr", srv.Addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("listener stopped")
	}
}

func waitForShutdown(log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutdown signal received")
}

// storeBlockSource adapts the graph-store boundary to gossip.BlockSource.
// MemStore does not retain full block bodies by block number (it is
// keyed by fork and path), so BlockBody always reports not found; a
// real graph-store client would serve this from its own block-body
// index.
type storeBlockSource struct{}

func (storeBlockSource) Head(_ context.Context) (uint64, error) {
	return 0, nil
}

func (storeBlockSource) BlockBody(_ context.Context, _ uint64) (wire.BlockBody, bool, error) {
	return wire.BlockBody{}, false, nil
}

type storeHealthSource struct{}

func (storeHealthSource) Healthy(_ context.Context) error { return nil }

type storeHeadSource struct{}

func (storeHeadSource) LocalHead(_ context.Context) (uint64, error) {
	return 0, nil
}

// blockImporter adapts the Replication Queue to gossip.Importer,
// enqueuing a durable BLOCK_IMPORT job rather than applying the block
// inline on the gap-sync goroutine.
type blockImporter struct {
	queue *replication.Queue
}

func (b blockImporter) ImportBlock(_ context.Context, body wire.BlockBody) error {
	ops := make([]replication.OpPayload, 0, len(body.Operations))
	for _, op := range body.Operations {
		ops = append(ops, replication.OpPayload{
			ForkID:      op.ForkHash,
			Block:       body.BlockNum,
			Index:       op.Index,
			Path:        op.Path,
			Data:        []byte(op.Data),
			ContentType: op.ContentType,
			IsDelete:    op.Kind == "del",
		})
	}
	_, err := b.queue.AddBlockReplication(replication.BlockImportPayload{
		Block:        body.BlockNum,
		BlockHash:    body.BlockHash,
		PreviousHash: body.PreviousHash,
		Ops:          ops,
	})
	return err
}
