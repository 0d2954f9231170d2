package checkpoint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/disregardfiat/honeygraph-sub002/pkg/checkpoint"
)

type fakeFork []checkpoint.Operation

func (f fakeFork) Operations() []checkpoint.Operation { return f }

func TestValid_HappyPath(t *testing.T) {
	f := fakeFork{
		{Block: 100},
		{Block: 100, IsWriteMarker: true},
	}
	ok, reason := checkpoint.Valid(f, 101)
	assert.True(t, ok)
	assert.Equal(t, checkpoint.ReasonNone, reason)
}

func TestValid_EmptyFork(t *testing.T) {
	ok, reason := checkpoint.Valid(fakeFork{}, 101)
	assert.False(t, ok)
	assert.Equal(t, checkpoint.ReasonMissingWriteMarker, reason)
}

func TestValid_NoWriteMarkerAnywhere(t *testing.T) {
	f := fakeFork{{Block: 100}, {Block: 100}}
	ok, reason := checkpoint.Valid(f, 101)
	assert.False(t, ok)
	assert.Equal(t, checkpoint.ReasonMissingWriteMarker, reason)
}

func TestValid_OperationsAfterWriteMarker(t *testing.T) {
	f := fakeFork{
		{Block: 100, IsWriteMarker: true},
		{Block: 100},
	}
	ok, reason := checkpoint.Valid(f, 101)
	assert.False(t, ok)
	assert.Equal(t, checkpoint.ReasonOperationsAfterWriteMarker, reason)
}

func TestValid_WriteMarkerBlockMismatch(t *testing.T) {
	f := fakeFork{
		{Block: 99, IsWriteMarker: true},
	}
	ok, reason := checkpoint.Valid(f, 101)
	assert.False(t, ok)
	assert.Equal(t, checkpoint.ReasonWriteMarkerBlockMismatch, reason)
}
