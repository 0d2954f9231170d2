// Package checkpoint implements the Checkpoint Boundary Validator: a
// stateless predicate over a fork's buffered operations, with no
// dependency on the Fork Registry's concrete types so it can be reused
// by the Fork Manager's reconciliation path as well.
package checkpoint

// Operation is the minimal view of a buffered operation the validator
// needs. pkg/fork adapts its own Operation type to this shape.
type Operation struct {
	IsWriteMarker bool
	Block         uint64
}

// Fork is the minimal view of a fork's buffer the validator needs.
type Fork interface {
	Operations() []Operation
}

// InvalidReason enumerates why Valid returned false.
type InvalidReason string

const (
	ReasonNone                     InvalidReason = ""
	ReasonMissingWriteMarker       InvalidReason = "missing_write_marker"
	ReasonWriteMarkerBlockMismatch InvalidReason = "write_marker_block_mismatch"
	ReasonOperationsAfterWriteMarker InvalidReason = "operations_after_write_marker"
)

// Valid implements the predicate from spec.md §4.3: a fork's operation
// buffer forms a valid block boundary for checkpointBlock iff
//  1. the fork has at least one operation,
//  2. some operation of kind WRITE_MARKER exists in the buffer,
//  3. the last element of the buffer is a WRITE_MARKER, and
//  4. that WRITE_MARKER's block equals checkpointBlock - 1.
func Valid(f Fork, checkpointBlock uint64) (bool, InvalidReason) {
	ops := f.Operations()
	if len(ops) == 0 {
		return false, ReasonMissingWriteMarker
	}

	var sawMarker bool
	for _, op := range ops {
		if op.IsWriteMarker {
			sawMarker = true
			break
		}
	}
	if !sawMarker {
		return false, ReasonMissingWriteMarker
	}

	last := ops[len(ops)-1]
	if !last.IsWriteMarker {
		return false, ReasonOperationsAfterWriteMarker
	}

	if checkpointBlock == 0 || last.Block != checkpointBlock-1 {
		return false, ReasonWriteMarkerBlockMismatch
	}

	return true, ReasonNone
}
