package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/holostream/engine/math"
)

func newStage(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	require.NoError(t, g.AddRoot("stage"))
	require.NoError(t, g.AddFrame("anchor", "stage", math.NewMat4Translation(math.NewVec3(1, 0, 0))))
	require.NoError(t, g.AddFrame("head", "stage", math.NewMat4Translation(math.NewVec3(0, 1.6, 0))))
	return g
}

func TestSameSystemIsIdentity(t *testing.T) {
	g := newStage(t)
	m, ok := g.TryGetTransform("anchor", "anchor")
	require.True(t, ok)
	assert.True(t, m.Compare(math.NewMat4Identity(), 1e-6))
}

func TestSiblingTransform(t *testing.T) {
	g := newStage(t)
	m, ok := g.TryGetTransform("anchor", "head")
	require.True(t, ok)

	// The anchor origin sits at (1, 0, 0) on stage, which is (1, -1.6, 0) from the head.
	p := math.NewVec3Zero().Transform(m)
	assert.True(t, p.Compare(math.NewVec3(1, -1.6, 0), 1e-5), "got %+v", p)

	back, ok := g.TryGetTransform("head", "anchor")
	require.True(t, ok)
	assert.True(t, m.Mul(back).Compare(math.NewMat4Identity(), 1e-5))
}

func TestUntrackedSystemIsUnresolvable(t *testing.T) {
	g := newStage(t)
	require.NoError(t, g.AddFrame("hologram", "anchor", math.NewMat4Identity()))
	require.NoError(t, g.SetTracked("anchor", false))

	_, ok := g.TryGetTransform("hologram", "stage")
	assert.False(t, ok)

	require.NoError(t, g.SetTracked("anchor", true))
	_, ok = g.TryGetTransform("hologram", "stage")
	assert.True(t, ok)
}

func TestSeparateRootsAreUnresolvable(t *testing.T) {
	g := newStage(t)
	require.NoError(t, g.AddRoot("elsewhere"))
	_, ok := g.TryGetTransform("elsewhere", "stage")
	assert.False(t, ok)
	_, ok = g.TryGetTransform("missing", "stage")
	assert.False(t, ok)
}

func TestGraphErrors(t *testing.T) {
	g := newStage(t)
	assert.ErrorIs(t, g.AddRoot("stage"), ErrFrameExists)
	assert.ErrorIs(t, g.AddFrame("x", "nope", math.NewMat4Identity()), ErrFrameNotFound)
	require.NoError(t, g.AddFrame("child", "anchor", math.NewMat4Identity()))
	assert.ErrorIs(t, g.Reparent("anchor", "child", math.NewMat4Identity()), ErrFrameCycle)
}
