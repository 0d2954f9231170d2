// Package replication implements the Replication Queue: a durable,
// prioritized, idempotent job queue with typed handlers for applying
// fork operations to the graph store, confirming checkpoints, and
// importing gap-synced blocks. Persistence uses goleveldb, the same
// embedded-store family the corpus's chain/state databases use, and
// worker concurrency is bounded with golang.org/x/sync/semaphore.
package replication

import (
	"time"
)

// JobKind identifies what a Job's payload means to the handlers.
type JobKind string

const (
	JobApplyOp          JobKind = "APPLY_OP"
	JobCheckpointConfirm JobKind = "CHECKPOINT_CONFIRM"
	JobBlockImport       JobKind = "BLOCK_IMPORT"
)

// JobStatus is a Job's lifecycle state.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
)

// Priority orders jobs within the same worker pool; higher runs first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// OpPayload is the APPLY_OP job payload.
type OpPayload struct {
	ForkID      string
	Block       uint64
	Index       uint64
	Path        string
	Data        []byte
	ContentType string
	IsDelete    bool
}

// CheckpointPayload is the CHECKPOINT_CONFIRM job payload.
type CheckpointPayload struct {
	ForkID        string
	Block         uint64
	ConfirmedHash string
	PrevHash      string
	PrunedForks   []string
}

// BlockImportPayload is the BLOCK_IMPORT job payload: an atomic,
// whole-block replication unit produced by gap sync.
type BlockImportPayload struct {
	Block        uint64
	BlockHash    string
	PreviousHash string
	Ops          []OpPayload
}

// Job is a single unit of durable, retryable work.
type Job struct {
	ID             string
	Kind           JobKind
	IdempotencyKey string
	Priority       Priority
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	CreatedAt      time.Time
	NextAttemptAt  time.Time
	LastError      string

	OpPayload         *OpPayload
	CheckpointPayload *CheckpointPayload
	BlockImportPayload *BlockImportPayload
}

// idempotencyKeyForOp computes the dedup key for an APPLY_OP job: fork-id
// XOR block XOR index, per spec.md §3's Replication Job definition.
// A string-concatenation key reaches the same uniqueness guarantee
// without XOR's accidental-collision risk across differing widths.
func idempotencyKeyForOp(forkID string, block, index uint64) string {
	return forkID + "/" + formatUint(block) + "/" + formatUint(index)
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
