package fork

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/disregardfiat/honeygraph-sub002/pkg/checkpoint"
	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
)

// ErrRegistryClosed is returned by any Registry method called after Close.
var ErrRegistryClosed = errors.New("fork registry closed")

// Registry is the in-memory Fork Registry: the sole owner of all Fork
// and Operation structures in memory (spec.md §3, Ownership). It is
// grounded on the teacher's mempool.Mempool.Run() channel-select loop:
// a single goroutine owns all mutable state, and every public method is
// a synchronous request handed to that goroutine, so "one producer's
// events are processed in arrival order" holds without an explicit lock.
type Registry struct {
	cfg config.ForkConfig
	log *logrus.Entry
	sink Sink

	forks          map[string]*Fork
	producerActive map[string]string // producerID -> forkID

	commands chan command
	quit     chan struct{}
	closed   chan struct{}
}

type command struct {
	fn   func()
	done chan struct{}
}

// New constructs a Registry and starts its single writer goroutine.
func New(cfg config.ForkConfig, sink Sink, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Registry{
		cfg:            cfg,
		log:            log,
		sink:           sink,
		forks:          make(map[string]*Fork),
		producerActive: make(map[string]string),
		commands:       make(chan command, 256),
		quit:           make(chan struct{}),
		closed:         make(chan struct{}),
	}
	go r.run()
	return r
}

// run is the single-writer loop. All registry mutations happen here.
func (r *Registry) run() {
	defer close(r.closed)
	for {
		select {
		case cmd := <-r.commands:
			cmd.fn()
			close(cmd.done)
		case <-r.quit:
			// Drain any already-queued commands before exiting so
			// callers blocked on submit() don't hang.
			for {
				select {
				case cmd := <-r.commands:
					cmd.fn()
					close(cmd.done)
				default:
					return
				}
			}
		}
	}
}

// Close stops the registry's writer goroutine.
func (r *Registry) Close() {
	close(r.quit)
	<-r.closed
}

// submit runs fn on the writer goroutine and blocks until it completes.
func (r *Registry) submit(fn func()) error {
	done := make(chan struct{})
	select {
	case r.commands <- command{fn: fn, done: done}:
	case <-r.closed:
		return ErrRegistryClosed
	}
	select {
	case <-done:
		return nil
	case <-r.closed:
		return ErrRegistryClosed
	}
}

func (r *Registry) emit(e Event) {
	if r.sink != nil {
		r.sink.Handle(e)
	}
}

// OnForkStart handles a `fork_start` message: create the fork if
// missing, otherwise add the producer to its owner set; switch the
// producer's active fork, removing it from any previously active one.
func (r *Registry) OnForkStart(producerID, forkID, prefix string, block uint64, ts time.Time) error {
	return r.submit(func() {
		r.switchProducerTo(producerID, forkID, prefix, block, ts, false)
	})
}

// switchProducerTo is the shared implementation of fork_start and the
// implicit switch performed by an operation naming a new fork.
func (r *Registry) switchProducerTo(producerID, forkID, prefix string, block uint64, ts time.Time, quarantined bool) *Fork {
	if old, ok := r.producerActive[producerID]; ok && old != forkID {
		if oldFork, ok := r.forks[old]; ok {
			delete(oldFork.Owners, producerID)
		}
	}

	f, existed := r.forks[forkID]
	if !existed {
		f = &Fork{
			ID:          forkID,
			Prefix:      prefix,
			OriginBlock: block,
			StartedAt:   ts,
			UpdatedAt:   ts,
			Owners:      make(map[string]struct{}),
			Quarantined: quarantined,
		}
		r.forks[forkID] = f
		r.emit(Event{Kind: EventForkNew, ForkID: forkID, Prefix: prefix, Block: block, ProducerID: producerID})
	}

	f.Owners[producerID] = struct{}{}
	f.UpdatedAt = ts

	oldForkID := r.producerActive[producerID]
	r.producerActive[producerID] = forkID

	if existed && oldForkID != "" && oldForkID != forkID {
		r.emit(Event{Kind: EventForkSwitch, ForkID: forkID, OldForkID: oldForkID, ProducerID: producerID, Block: block})
	}

	return f
}

// OnOperation handles a put/del/write_marker message: locate the
// producer's active fork (auto-creating from op.ForkID if absent,
// logged as an implicit fork creation and quarantined per config),
// evict the buffer head at capacity, and enforce the strictly
// increasing (block, index) invariant.
func (r *Registry) OnOperation(producerID string, op Operation) error {
	return r.submit(func() {
		forkID, ok := r.producerActive[producerID]
		if !ok || forkID != op.ForkID {
			forkID = op.ForkID
		}

		f, ok := r.forks[forkID]
		if !ok {
			f = r.switchProducerTo(producerID, forkID, "", op.Block, op.ReceivedAt, r.cfg.QuarantineAutoCreated)
			r.log.WithField("fork", forkID).WithField("producer", producerID).
				Warn("implicit fork creation from stray operation")
		} else {
			r.producerActive[producerID] = forkID
			f.Owners[producerID] = struct{}{}
		}

		if op.Block < f.LastSeenBlock || (op.Block == f.LastSeenBlock && op.Index <= f.LastSeenIndex && len(f.Operations) > 0) {
			r.log.WithField("fork", forkID).WithField("block", op.Block).WithField("index", op.Index).
				Warn("out-of-order operation rejected")
			return
		}

		f.LastSeenBlock = op.Block
		f.LastSeenIndex = op.Index

		bufCap := r.cfg.BufferSize
		if bufCap <= 0 {
			bufCap = 10000
		}
		if len(f.Operations) >= bufCap {
			f.Operations = f.Operations[1:]
		}
		f.Operations = append(f.Operations, op)
		f.OperationCount++
		f.UpdatedAt = op.ReceivedAt

		if op.Kind == OpWriteMarker {
			opCopy := op
			f.LastWriteMarker = &opCopy
		}

		r.emit(Event{Kind: EventOperationAppended, ForkID: forkID, ProducerID: producerID, Block: op.Block, Operation: &op})
	})
}

// OnDisconnect removes a producer from all fork owner sets.
func (r *Registry) OnDisconnect(producerID string) error {
	return r.submit(func() {
		if forkID, ok := r.producerActive[producerID]; ok {
			if f, ok := r.forks[forkID]; ok {
				delete(f.Owners, producerID)
			}
			delete(r.producerActive, producerID)
		}
	})
}

// CheckpointResult summarizes the outcome of OnCheckpoint.
type CheckpointResult struct {
	Confirmed bool
	ForkID    string
	Reason    InvalidReason
	// PrunedForks lists sibling fork IDs removed at the same block on
	// confirmation.
	PrunedForks []string
}

// OnCheckpoint handles a `sendCheckpoint`: locate the fork whose
// identity equals the checkpoint hash (or treat it as a brand-new
// canonical fork if none exists), validate the write-marker boundary,
// and on success prune sibling forks at the same block.
func (r *Registry) OnCheckpoint(producerID string, block uint64, hash, prevHash string, ts time.Time) (CheckpointResult, error) {
	var result CheckpointResult
	err := r.submit(func() {
		r.emit(Event{Kind: EventCheckpointReceived, ForkID: hash, Block: block, ProducerID: producerID, ConfirmedHash: hash, PrevHash: prevHash})

		f, ok := r.forks[hash]
		if !ok {
			// "If none, treat the checkpoint as finalized on a new
			// fork and continue" (spec.md §4.3).
			f = &Fork{
				ID:          hash,
				OriginBlock: block,
				StartedAt:   ts,
				UpdatedAt:   ts,
				Owners:      make(map[string]struct{}),
				Confirmed:   true,
			}
			r.forks[hash] = f
			result = CheckpointResult{Confirmed: true, ForkID: hash}
			result.PrunedForks = r.pruneSiblingsAt(block, hash)
			r.emit(Event{Kind: EventForkConfirmed, ForkID: hash, Block: block, ConfirmedHash: hash, PrunedForks: result.PrunedForks})
			return
		}

		valid, cpReason := checkpoint.Valid(checkpointFork{f}, block)
		if !valid {
			reason := InvalidReason(cpReason)
			result = CheckpointResult{Confirmed: false, ForkID: hash, Reason: reason}
			r.emit(Event{Kind: EventCheckpointInvalid, ForkID: hash, Block: block, Reason: reason})
			return
		}

		f.Confirmed = true
		result = CheckpointResult{Confirmed: true, ForkID: hash}
		result.PrunedForks = r.pruneSiblingsAt(block, hash)
		r.emit(Event{Kind: EventForkConfirmed, ForkID: hash, Block: block, ConfirmedHash: hash, PrunedForks: result.PrunedForks})
	})
	return result, err
}

// pruneSiblingsAt removes every fork at the given origin block other
// than keepID, detaching any producers still attached. Must run on the
// writer goroutine.
func (r *Registry) pruneSiblingsAt(block uint64, keepID string) []string {
	var pruned []string
	for id, f := range r.forks {
		if id == keepID || f.OriginBlock != block {
			continue
		}
		for producerID := range f.Owners {
			delete(r.producerActive, producerID)
		}
		delete(r.forks, id)
		pruned = append(pruned, id)
	}
	return pruned
}

// EnforcePerBlockCap keeps only the N forks with the largest owner sets
// at the given block, discarding the rest (spec.md §4.2).
func (r *Registry) EnforcePerBlockCap(block uint64) error {
	return r.submit(func() {
		r.enforcePerBlockCapLocked(block)
	})
}

func (r *Registry) enforcePerBlockCapLocked(block uint64) {
	keepN := r.cfg.PerBlockCap
	if keepN <= 0 {
		keepN = 10
	}

	var atBlock []*Fork
	for _, f := range r.forks {
		if f.OriginBlock == block {
			atBlock = append(atBlock, f)
		}
	}
	if len(atBlock) <= keepN {
		return
	}

	// Stable sort descending by owner-set size, ties broken by ID for
	// determinism.
	for i := 0; i < len(atBlock); i++ {
		for j := i + 1; j < len(atBlock); j++ {
			if len(atBlock[j].Owners) > len(atBlock[i].Owners) ||
				(len(atBlock[j].Owners) == len(atBlock[i].Owners) && atBlock[j].ID < atBlock[i].ID) {
				atBlock[i], atBlock[j] = atBlock[j], atBlock[i]
			}
		}
	}

	for _, f := range atBlock[keepN:] {
		for producerID := range f.Owners {
			delete(r.producerActive, producerID)
		}
		delete(r.forks, f.ID)
	}
}

// GCOld discards forks whose last update is older than the retention
// window.
func (r *Registry) GCOld(now time.Time) error {
	return r.submit(func() {
		window := r.cfg.RetentionWindow
		if window <= 0 {
			window = time.Hour
		}
		for id, f := range r.forks {
			if now.Sub(f.UpdatedAt) > window {
				for producerID := range f.Owners {
					delete(r.producerActive, producerID)
				}
				delete(r.forks, id)
			}
		}
	})
}

// Snapshot returns a safe-to-read copy of a fork's summary fields, or
// false if it does not exist.
func (r *Registry) Snapshot(forkID string) (Snapshot, bool) {
	var snap Snapshot
	var found bool
	_ = r.submit(func() {
		if f, ok := r.forks[forkID]; ok {
			snap = f.snapshot()
			found = true
		}
	})
	return snap, found
}

// Operations returns a copy of a fork's buffered operations.
func (r *Registry) Operations(forkID string) ([]Operation, bool) {
	var ops []Operation
	var found bool
	_ = r.submit(func() {
		if f, ok := r.forks[forkID]; ok {
			ops = make([]Operation, len(f.Operations))
			copy(ops, f.Operations)
			found = true
		}
	})
	return ops, found
}

// ForksAtBlock returns the IDs of every live fork originating at block.
func (r *Registry) ForksAtBlock(block uint64) []string {
	var ids []string
	_ = r.submit(func() {
		for id, f := range r.forks {
			if f.OriginBlock == block {
				ids = append(ids, id)
			}
		}
	})
	return ids
}

// ActiveFork returns the fork ID a producer currently owns, if any.
func (r *Registry) ActiveFork(producerID string) (string, bool) {
	var id string
	var ok bool
	_ = r.submit(func() {
		id, ok = r.producerActive[producerID]
	})
	return id, ok
}

// checkpointFork adapts *Fork to checkpoint.Fork without creating an
// import cycle between pkg/fork and pkg/checkpoint.
type checkpointFork struct{ f *Fork }

func (c checkpointFork) Operations() []checkpoint.Operation {
	ops := make([]checkpoint.Operation, len(c.f.Operations))
	for i, op := range c.f.Operations {
		ops[i] = checkpoint.Operation{
			IsWriteMarker: op.Kind == OpWriteMarker,
			Block:         op.Block,
		}
	}
	return ops
}
