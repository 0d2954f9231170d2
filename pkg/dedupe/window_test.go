package dedupe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/disregardfiat/honeygraph-sub002/pkg/dedupe"
)

func TestWindow_AddAndSeen(t *testing.T) {
	w := dedupe.NewWindow(3)

	assert.False(t, w.Add(1, "fork-a"))
	assert.True(t, w.Add(1, "fork-a"))
	assert.True(t, w.Seen(1, "fork-a"))
	assert.False(t, w.Seen(2, "fork-a"))
	assert.True(t, w.SeenAnywhere("fork-a"))
}

func TestWindow_PrunesOldHeights(t *testing.T) {
	w := dedupe.NewWindow(3)

	w.Add(1, "fork-a")
	w.UpdateHeight(2)
	assert.True(t, w.Seen(1, "fork-a"))

	w.UpdateHeight(5)
	assert.False(t, w.Seen(1, "fork-a"), "height 1 should be pruned once it falls outside tolerance of height 5")

	w.Add(5, "fork-b")
	w.UpdateHeight(6)
	assert.True(t, w.Seen(5, "fork-b"))
}

func TestWindow_Size(t *testing.T) {
	w := dedupe.NewWindow(3)
	w.Add(1, "a")
	w.Add(1, "b")
	w.Add(2, "c")
	assert.Equal(t, 3, w.Size())
}
