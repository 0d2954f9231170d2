package gossip

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
	"github.com/disregardfiat/honeygraph-sub002/pkg/wire"
)

// ErrNoQuorum is returned when fewer than a strict majority of queried
// peers agree on a block's hash.
var ErrNoQuorum = errors.New("gossip: no majority hash agreement")

// Importer is the downstream consumer of a verified, fetched block.
type Importer interface {
	ImportBlock(ctx context.Context, body wire.BlockBody) error
}

// HeadSource reports this instance's local head block number.
type HeadSource interface {
	LocalHead(ctx context.Context) (uint64, error)
}

// GapSync periodically compares the local head against peer-reported
// heads, fetches contiguous missing ranges from healthy peers in
// parallel, and verifies each fetched block against a majority-of-peers
// hash vote before importing (spec.md §2 recovery path, §4.7).
type GapSync struct {
	cfg      config.GossipConfig
	registry *Registry
	client   *Client
	local    HeadSource
	importer Importer
	log      *logrus.Entry
}

// New constructs a GapSync controller.
func New(cfg config.GossipConfig, registry *Registry, client *Client, local HeadSource, importer Importer, log *logrus.Entry) *GapSync {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GapSync{cfg: cfg, registry: registry, client: client, local: local, importer: importer, log: log}
}

// DetectGaps returns the contiguous range (localHead+1 .. maxPeerHead)
// that this instance is missing, or (0,0,false) if it is caught up.
func DetectGaps(localHead uint64, peerHeads []uint64) (from, to uint64, ok bool) {
	var maxHead uint64
	for _, h := range peerHeads {
		if h > maxHead {
			maxHead = h
		}
	}
	if maxHead <= localHead {
		return 0, 0, false
	}
	return localHead + 1, maxHead, true
}

// Run executes one sync pass: health-check and discover peers, detect
// gaps against every healthy peer's reported head, and fetch+import
// each missing block.
func (g *GapSync) Run(ctx context.Context) error {
	g.registry.HealthCheckAll(ctx, g.client)
	if err := g.registry.Discover(ctx, g.client, g.cfg.SeedPeers); err != nil {
		g.log.WithError(err).Debug("peer discovery pass incomplete")
	}

	local, err := g.local.LocalHead(ctx)
	if err != nil {
		return errors.Wrap(err, "read local head")
	}

	healthy := g.registry.Healthy()
	if len(healthy) == 0 {
		return nil
	}

	heads := make([]uint64, 0, len(healthy))
	for _, p := range healthy {
		head, err := g.client.Head(ctx, p.URL)
		if err != nil {
			g.registry.UpdateReliability(p.ID, false)
			continue
		}
		g.registry.UpdateReliability(p.ID, true)
		heads = append(heads, head)
	}

	from, to, ok := DetectGaps(local, heads)
	if !ok {
		return nil
	}

	g.log.WithField("from", from).WithField("to", to).Info("gap detected, fetching missing blocks")

	concurrency := g.cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	for block := from; block <= to; block++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(block uint64) {
			defer sem.Release(1)
			if err := g.fetchAndImport(ctx, block); err != nil {
				g.log.WithField("block", block).WithError(err).Warn("gap-sync block import failed")
			}
		}(block)
	}

	// Drain the semaphore to ensure all in-flight fetches for this pass
	// complete before Run returns.
	return sem.Acquire(ctx, int64(concurrency))
}

// fetchAndImport fetches one block from up to FetchFanout healthy
// peers, requiring a strict majority hash agreement among the
// responses if at least 3 peers are healthy; otherwise it imports the
// first successful fetch without a hash vote. In both cases each
// queried peer's reliability is updated only by whether its fetch
// succeeded; no further reliability penalty is applied.
func (g *GapSync) fetchAndImport(ctx context.Context, block uint64) error {
	healthy := g.registry.Healthy()
	fanout := g.cfg.FetchFanout
	if fanout <= 0 {
		fanout = 3
	}
	if fanout > len(healthy) {
		fanout = len(healthy)
	}

	type fetched struct {
		peerID string
		body   wire.BlockBody
	}

	var results []fetched
	for _, p := range healthy[:fanout] {
		body, err := g.client.Block(ctx, p.URL, block)
		if err != nil {
			g.registry.UpdateReliability(p.ID, false)
			continue
		}
		g.registry.UpdateReliability(p.ID, true)
		results = append(results, fetched{peerID: p.ID, body: body})
	}

	if len(results) == 0 {
		return errors.Errorf("no peer served block %d", block)
	}

	if len(healthy) >= 3 {
		votes := make(map[string]int)
		for _, r := range results {
			votes[r.body.BlockHash]++
		}
		majority := len(results)/2 + 1
		var winner *wire.BlockBody
		for _, r := range results {
			if votes[r.body.BlockHash] >= majority {
				b := r.body
				winner = &b
				break
			}
		}
		if winner == nil {
			return ErrNoQuorum
		}
		return g.importer.ImportBlock(ctx, *winner)
	}

	return g.importer.ImportBlock(ctx, results[0].body)
}

// RunLoop runs Run on cfg.SyncInterval until ctx is cancelled. It is a
// no-op if cfg.SyncEnabled is false.
func (g *GapSync) RunLoop(ctx context.Context) {
	if !g.cfg.SyncEnabled {
		return
	}
	interval := g.cfg.SyncInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Run(ctx); err != nil {
				g.log.WithError(err).Warn("gap-sync pass failed")
			}
		}
	}
}
