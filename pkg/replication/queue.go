package replication

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/sync/semaphore"

	"github.com/disregardfiat/honeygraph-sub002/pkg/config"
)

// idempotencyCacheSize bounds how many recently-seen idempotency keys
// the queue remembers in order to collapse duplicate enqueues, per
// spec.md §4.4's "duplicates by idempotency key are collapsed".
const idempotencyCacheSize = 100000

// Handlers is the set of typed job handlers the Replication Queue
// dispatches to. DefaultHandlers (handlers.go) is the real
// implementation, built over pkg/graphstore and a ForkManager; tests
// supply fakes.
type Handlers interface {
	HandleApplyOp(ctx context.Context, p OpPayload) error
	HandleCheckpointConfirm(ctx context.Context, p CheckpointPayload) error
	HandleBlockImport(ctx context.Context, p BlockImportPayload) error
}

// jobHeap orders jobs by descending priority, then by ascending
// NextAttemptAt, then by insertion order — a stable-enough tie-break
// without tracking an explicit sequence counter being required for
// correctness (only for determinism across equal timestamps).
type jobHeap struct {
	items  []*Job
	seq    []uint64
	nextSeq uint64
}

func (h jobHeap) Len() int { return len(h.items) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	return h.seq[i] < h.seq[j]
}

func (h jobHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.seq[i], h.seq[j] = h.seq[j], h.seq[i]
}

func (h *jobHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*Job))
	h.seq = append(h.seq, h.nextSeq)
	h.nextSeq++
}

func (h *jobHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	h.seq = h.seq[:n-1]
	return item
}

// Queue is the Replication Queue: durable, prioritized, idempotent job
// storage with two bounded worker pools (spec.md §4.4).
type Queue struct {
	cfg      config.QueueConfig
	log      *logrus.Entry
	handlers Handlers

	db       *leveldb.DB
	idemp    *lru.Cache
	nextSeq  uint64

	mu       sync.Mutex
	applyQ   jobHeap
	blockQ   jobHeap
	notify   chan struct{}
	byID     map[string]*Job

	applySem *semaphore.Weighted
	blockSem *semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Queue backed by a goleveldb database at cfg.DataDir.
func New(cfg config.QueueConfig, handlers Handlers, log *logrus.Entry) (*Queue, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	db, err := leveldb.OpenFile(cfg.DataDir, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open replication queue store")
	}

	cache, err := lru.New(idempotencyCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "allocate idempotency cache")
	}

	applyWorkers := cfg.ApplyWorkers
	if applyWorkers <= 0 {
		applyWorkers = 8
	}
	gapWorkers := cfg.GapSyncWorkers
	if gapWorkers <= 0 {
		gapWorkers = 3
	}

	q := &Queue{
		cfg:      cfg,
		log:      log,
		handlers: handlers,
		db:       db,
		idemp:    cache,
		notify:   make(chan struct{}, 1),
		byID:     make(map[string]*Job),
		applySem: semaphore.NewWeighted(int64(applyWorkers)),
		blockSem: semaphore.NewWeighted(int64(gapWorkers)),
	}
	heap.Init(&q.applyQ)
	heap.Init(&q.blockQ)

	if err := q.recover(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "recover queue state")
	}

	return q, nil
}

// recover replays PENDING/RUNNING jobs persisted before a prior crash.
func (q *Queue) recover() error {
	iter := q.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
		var job Job
		if err := json.Unmarshal(iter.Value(), &job); err != nil {
			q.log.WithError(err).Warn("skipping corrupt persisted job")
			continue
		}
		if job.Status == StatusSucceeded || job.Status == StatusFailed {
			continue
		}
		job.Status = StatusPending
		q.pushLocked(&job)
		q.idemp.Add(job.IdempotencyKey, job.ID)
	}
	return iter.Error()
}

func (q *Queue) pushLocked(job *Job) {
	q.byID[job.ID] = job
	if job.Kind == JobBlockImport {
		heap.Push(&q.blockQ, job)
	} else {
		heap.Push(&q.applyQ, job)
	}
}

func (q *Queue) persist(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.db.Put([]byte("job:"+job.ID), data, nil)
}

// Enqueue inserts job, returning its ID. A job whose idempotency key
// was already seen is collapsed: the existing ID is returned and
// nothing new is persisted.
func (q *Queue) Enqueue(job Job) (string, error) {
	if job.IdempotencyKey != "" {
		if existing, ok := q.idemp.Get(job.IdempotencyKey); ok {
			return existing.(string), nil
		}
	}

	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = 5
		}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.NextAttemptAt = job.CreatedAt
	job.Status = StatusPending

	q.mu.Lock()
	q.nextSeq++
	id := job.ID
	if id == "" {
		id = string(job.Kind) + "-" + formatUint(q.nextSeq)
		job.ID = id
	}
	jobCopy := job
	if err := q.persist(&jobCopy); err != nil {
		q.mu.Unlock()
		return "", errors.Wrap(err, "persist job")
	}
	q.pushLocked(&jobCopy)
	q.mu.Unlock()

	if job.IdempotencyKey != "" {
		q.idemp.Add(job.IdempotencyKey, id)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return id, nil
}

// AddOperation enqueues APPLY_OP for op, unless op is a write marker,
// which is swallowed: a boundary marker, not replicated data
// (spec.md §4.4).
func (q *Queue) AddOperation(op OpPayload, isWriteMarker bool) (string, error) {
	if isWriteMarker {
		return "", nil
	}
	return q.Enqueue(Job{
		Kind:           JobApplyOp,
		IdempotencyKey: idempotencyKeyForOp(op.ForkID, op.Block, op.Index),
		Priority:       PriorityNormal,
		OpPayload:      &op,
	})
}

// ProcessCheckpoint enqueues CHECKPOINT_CONFIRM at higher priority than
// APPLY_OP.
func (q *Queue) ProcessCheckpoint(cp CheckpointPayload) (string, error) {
	return q.Enqueue(Job{
		Kind:           JobCheckpointConfirm,
		IdempotencyKey: "checkpoint/" + cp.ForkID + "/" + formatUint(cp.Block),
		Priority:       PriorityHigh,
		CheckpointPayload: &cp,
	})
}

// AddBlockReplication enqueues BLOCK_IMPORT as one atomic job.
func (q *Queue) AddBlockReplication(payload BlockImportPayload) (string, error) {
	return q.Enqueue(Job{
		Kind:           JobBlockImport,
		IdempotencyKey: "block/" + formatUint(payload.Block),
		Priority:       PriorityNormal,
		BlockImportPayload: &payload,
	})
}

// Start launches the worker pools and runs until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(2)
	go q.runPool(ctx, &q.applyQ, q.applySem, q.dispatchApply)
	go q.runPool(ctx, &q.blockQ, q.blockSem, q.dispatchBlock)
}

// Shutdown cancels worker pools and waits up to deadline for in-flight
// jobs to drain.
func (q *Queue) Shutdown(deadline time.Duration) {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		q.log.Warn("replication queue shutdown deadline exceeded, draining forcibly")
	}
	q.db.Close()
}

func (q *Queue) runPool(ctx context.Context, queue *jobHeap, sem *semaphore.Weighted, dispatch func(context.Context, *Job) error) {
	defer q.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}

		for {
			job := q.popReady(queue)
			if job == nil {
				break
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			q.wg.Add(1)
			go func(j *Job) {
				defer sem.Release(1)
				defer q.wg.Done()
				q.run(ctx, j, dispatch)
			}(job)
		}
	}
}

func (q *Queue) popReady(queue *jobHeap) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if queue.Len() == 0 {
		return nil
	}
	top := queue.items[0]
	if top.NextAttemptAt.After(time.Now()) {
		return nil
	}
	job := heap.Pop(queue).(*Job)
	job.Status = StatusRunning
	return job
}

func (q *Queue) run(ctx context.Context, job *Job, dispatch func(context.Context, *Job) error) {
	err := dispatch(ctx, job)
	job.Attempts++

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		job.Status = StatusSucceeded
		_ = q.persist(job)
		delete(q.byID, job.ID)
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		_ = q.persist(job)
		delete(q.byID, job.ID)
		q.log.WithField("job", job.ID).WithError(err).Error("job failed terminally after max attempts")
		return
	}

	job.Status = StatusPending
	job.NextAttemptAt = time.Now().Add(backoff(job.Attempts))
	_ = q.persist(job)
	if job.Kind == JobBlockImport {
		heap.Push(&q.blockQ, job)
	} else {
		heap.Push(&q.applyQ, job)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// backoff computes exponential retry delay, generalized from the
// teacher's fixed-floor pacing in chain.go's acceptSuccessiveBlock
// throttle into an attempt-scaled delay capped at one minute.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > time.Minute {
		return time.Minute
	}
	return d
}

func (q *Queue) dispatchApply(ctx context.Context, job *Job) error {
	switch job.Kind {
	case JobApplyOp:
		return q.handlers.HandleApplyOp(ctx, *job.OpPayload)
	case JobCheckpointConfirm:
		return q.handlers.HandleCheckpointConfirm(ctx, *job.CheckpointPayload)
	default:
		return errors.Errorf("unexpected job kind %s in apply pool", job.Kind)
	}
}

func (q *Queue) dispatchBlock(ctx context.Context, job *Job) error {
	if job.Kind != JobBlockImport {
		return errors.Errorf("unexpected job kind %s in block pool", job.Kind)
	}
	return q.handlers.HandleBlockImport(ctx, *job.BlockImportPayload)
}

// Status returns a job's current lifecycle state, if still tracked.
func (q *Queue) Status(jobID string) (JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[jobID]
	if !ok {
		return "", false
	}
	return job.Status, true
}
