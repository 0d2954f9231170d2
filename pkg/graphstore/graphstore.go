// Package graphstore defines the boundary between the replication core
// and the external graph-store client/schema/query library and
// data-transformer named out of scope in spec.md §1. Nothing in this
// package talks to a real database; it is the contract the Replication
// Queue and Fork Manager program against.
package graphstore

import (
	"context"
	"time"
)

// ForkStatus mirrors the Fork Manager's persisted lifecycle
// (spec.md §4.5).
type ForkStatus string

const (
	StatusActive   ForkStatus = "ACTIVE"
	StatusCanonical ForkStatus = "CANONICAL"
	StatusOrphaned ForkStatus = "ORPHANED"
)

// Mutation is the result of transforming one replication Operation into
// whatever write the underlying graph store actually executes.
type Mutation struct {
	Path        string
	Data        []byte
	ContentType string
	Delete      bool
}

// ForkRecord is the persisted projection of one fork entity
// (spec.md §4.5's {forkId, parentFork, createdAtBlock, status,
// lastBlock, createdAt, orphanedAt?}).
type ForkRecord struct {
	ForkID        string
	ParentFork    string
	CreatedAtBlock uint64
	Status        ForkStatus
	LastBlock     uint64
	CreatedAt     time.Time
	OrphanedAt    *time.Time
}

// Store is the external graph-store collaborator. Every method must be
// idempotent under retry: the Replication Queue's at-least-once
// delivery means any of these may be called more than once for the
// same (fork, block, index) triple.
type Store interface {
	ApplyPut(ctx context.Context, forkID string, block, index uint64, mutation Mutation) error
	ApplyDel(ctx context.Context, forkID string, block, index uint64, mutation Mutation) error
	ApplyWriteMarker(ctx context.Context, forkID string, block uint64) error

	CreateFork(ctx context.Context, rec ForkRecord) error
	UpdateForkStatus(ctx context.Context, forkID string, status ForkStatus, at time.Time) error
	RevertFork(ctx context.Context, forkID string) error

	QueryForksAtBlock(ctx context.Context, block uint64) ([]ForkRecord, error)
	PruneForks(ctx context.Context, olderThan time.Time) (int, error)
}

// Operation is the minimal view of a replication-queue operation a
// Transformer needs; pkg/fork's richer Operation type is adapted to
// this shape at the call site.
type Operation struct {
	Path        string
	Data        []byte
	ContentType string
	IsDelete    bool
}

// Transformer is the external data-transformer collaborator: it turns
// a wire-level operation into the Mutation the Store understands
// (e.g. path-segment decoding, schema-specific encoding).
type Transformer interface {
	Transform(op Operation) (Mutation, error)
}

// PassthroughTransformer applies no schema transformation, carrying the
// wire-level operation straight through to a Mutation. It stands in for
// the real data-transformer wherever no path-segment decoding or
// schema-specific encoding is configured.
type PassthroughTransformer struct{}

// Transform implements Transformer.
func (PassthroughTransformer) Transform(op Operation) (Mutation, error) {
	return Mutation{Path: op.Path, Data: op.Data, ContentType: op.ContentType, Delete: op.IsDelete}, nil
}

var _ Transformer = PassthroughTransformer{}
