package assets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

const triangleOBJ = "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"

type recorder struct {
	mu      sync.Mutex
	changed []metadata.SourceMesh
	removed []string
}

func (r *recorder) listen(events *core.EventBus) {
	events.Register(core.EVENT_CODE_MESH_SOURCE_CHANGED, r, func(ctx core.EventContext) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changed = append(r.changed, ctx.Data.(metadata.SourceMesh))
		return false
	})
	events.Register(core.EVENT_CODE_MESH_SOURCE_REMOVED, r, func(ctx core.EventContext) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removed = append(r.removed, ctx.Name)
		return false
	})
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.changed))
	for i, src := range r.changed {
		out[i] = src.Name()
	}
	return out
}

func (r *recorder) removedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewAssetManagerRequiresEvents(t *testing.T) {
	_, err := NewAssetManager(nil, "stage")
	assert.Error(t, err)
}

func TestInitializePublishesInNameOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.obj"), triangleOBJ)
	writeFile(t, filepath.Join(dir, "a.obj"), triangleOBJ)
	writeFile(t, filepath.Join(dir, "nested", "c.OBJ"), triangleOBJ)
	writeFile(t, filepath.Join(dir, "broken.obj"), "f 1 2 3\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	events := core.NewEventBus()
	rec := &recorder{}
	rec.listen(events)

	am, err := NewAssetManager(events, "stage")
	require.NoError(t, err)
	require.NoError(t, am.Initialize(context.Background(), dir))
	defer am.Shutdown()

	assert.Equal(t, []string{"a", "b", "nested/c"}, rec.names())
	assert.Len(t, am.Assets(), 3)

	root, err := filepath.Abs(dir)
	require.NoError(t, err)
	paths := map[string]string{}
	for name, info := range am.Assets() {
		paths[name] = info.Path
	}
	assert.Equal(t, map[string]string{
		"a":        filepath.Join(root, "a.obj"),
		"b":        filepath.Join(root, "b.obj"),
		"nested/c": filepath.Join(root, "nested", "c.OBJ"),
	}, paths, "the loaded file path keeps its extension")

	seen := map[metadata.UpdateTimestamp]bool{}
	for _, src := range rec.changed {
		assert.Equal(t, metadata.CoordinateSystem("stage"), src.CoordinateSystem())
		assert.False(t, seen[src.UpdateTime()], "timestamps must be unique")
		seen[src.UpdateTime()] = true
	}
}

func TestWatcherPublishesChangesAndRemovals(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	events := core.NewEventBus()
	rec := &recorder{}
	rec.listen(events)

	am, err := NewAssetManager(events, "stage")
	require.NoError(t, err)
	require.NoError(t, am.Initialize(context.Background(), dir))

	path := filepath.Join(dir, "live.obj")
	writeFile(t, path, triangleOBJ)
	require.Eventually(t, func() bool {
		_, ok := am.Assets()["live"]
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	first := am.Assets()["live"].LastLoaded

	writeFile(t, path, triangleOBJ+"v 1 1 0\nf 2 4 3\n")
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, src := range rec.changed {
			if len(src.IndexData()) == 12 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, am.Assets()["live"].LastLoaded, first)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return len(rec.removedNames()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"live"}, rec.removedNames())
	assert.Empty(t, am.Assets())

	require.NoError(t, am.Shutdown())
	require.NoError(t, am.Shutdown())
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	events := core.NewEventBus()
	rec := &recorder{}
	rec.listen(events)

	am, err := NewAssetManager(events, "stage")
	require.NoError(t, err)
	require.NoError(t, am.Initialize(context.Background(), dir))
	defer am.Shutdown()

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "sub", "late.obj"), []byte(triangleOBJ), 0o644)
		_, ok := am.Assets()["sub/late"]
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
