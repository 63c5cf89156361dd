package assets

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/holostream/engine/assets/loaders"
	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

// Upper bound on files parsed concurrently during the initial scan.
const scanConcurrency = 8

type AssetInfo struct {
	Path string
	Name string
	// Timestamp of the last successful load.
	LastLoaded metadata.UpdateTimestamp
}

/**
 * @brief Watches a directory tree for mesh files and publishes every
 * (re)load as EVENT_CODE_MESH_SOURCE_CHANGED and every deletion as
 * EVENT_CODE_MESH_SOURCE_REMOVED.
 */
type AssetManager struct {
	events  *core.EventBus
	loaders map[string]Loader

	mutex  sync.RWMutex
	assets map[string]AssetInfo
	root   string

	clock atomic.Int64

	done     chan struct{}
	wg       sync.WaitGroup
	fsnotify *fsnotify.Watcher
	isClosed atomic.Bool
}

func NewAssetManager(events *core.EventBus, system metadata.CoordinateSystem) (*AssetManager, error) {
	if events == nil {
		return nil, errors.New("asset manager requires an event bus")
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	am := &AssetManager{
		events:   events,
		loaders:  make(map[string]Loader),
		assets:   make(map[string]AssetInfo),
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}
	am.registerLoader(&loaders.OBJLoader{System: system})
	return am, nil
}

// Register a loader for each extension it handles
func (am *AssetManager) registerLoader(loader Loader) {
	for _, ext := range loader.Extensions() {
		am.loaders[ext] = loader
	}
}

/**
 * @brief Loads every mesh under assetsDir, publishes them in name order and
 * starts watching the tree. Files that fail to parse are logged and skipped.
 */
func (am *AssetManager) Initialize(ctx context.Context, assetsDir string) error {
	if am.isClosed.Load() {
		return errors.New("asset manager already shut down")
	}
	root, err := filepath.Abs(assetsDir)
	if err != nil {
		return err
	}
	am.root = root

	// Directories are watched before their files are listed so nothing
	// written in between is missed.
	var paths []string
	err = am.watchRecursive(root, func(path string) {
		if am.loaderFor(path) != nil {
			paths = append(paths, path)
		}
	})
	if err != nil {
		return err
	}

	type loadedMesh struct {
		path string
		src  metadata.SourceMesh
	}
	sources := make([]loadedMesh, len(paths))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(scanConcurrency)
	for i, path := range paths {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			src, err := am.load(path)
			if err != nil {
				core.LogWarn("skipping mesh %s: %s", path, err)
				return nil
			}
			sources[i] = loadedMesh{path: path, src: src}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	loaded := sources[:0]
	for _, lm := range sources {
		if lm.src != nil {
			loaded = append(loaded, lm)
		}
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].src.Name() < loaded[j].src.Name() })
	for _, lm := range loaded {
		am.publish(lm.path, lm.src)
	}
	core.LogInfo("asset manager loaded %d meshes from %s", len(loaded), root)

	am.wg.Add(1)
	go am.start()
	return nil
}

// Assets returns a snapshot of the loaded meshes keyed by name.
func (am *AssetManager) Assets() map[string]AssetInfo {
	am.mutex.RLock()
	defer am.mutex.RUnlock()

	out := make(map[string]AssetInfo, len(am.assets))
	for k, v := range am.assets {
		out[k] = v
	}
	return out
}

func (am *AssetManager) Shutdown() error {
	if !am.isClosed.CompareAndSwap(false, true) {
		return nil
	}
	close(am.done)
	am.wg.Wait()
	return am.fsnotify.Close()
}

func (am *AssetManager) start() {
	defer am.wg.Done()
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			am.handleEvent(e)

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)

		case <-am.done:
			return
		}
	}
}

func (am *AssetManager) handleEvent(e fsnotify.Event) {
	if e.Op&fsnotify.Create != 0 {
		if s, err := os.Stat(e.Name); err == nil && s.IsDir() {
			// Files may land in a new directory before it is watched.
			if err := am.watchRecursive(e.Name, am.handleFileEvent); err != nil {
				core.LogWarn("failed to watch %s: %s", e.Name, err)
			}
			return
		}
	}
	// Removed directories cannot be told apart from files, so both paths
	// are tried.
	if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		am.removeAsset(e.Name)
		return
	}
	if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		am.handleFileEvent(e.Name)
	}
}

// Handle the creation or modification of a file
func (am *AssetManager) handleFileEvent(path string) {
	if am.loaderFor(path) == nil {
		return
	}
	src, err := am.load(path)
	if err != nil {
		// Editors often write in several steps; the next write retries.
		core.LogWarn("failed to reload mesh %s: %s", path, err)
		return
	}
	am.publish(path, src)
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	name := am.meshName(path)

	am.mutex.Lock()
	_, exists := am.assets[name]
	delete(am.assets, name)
	am.mutex.Unlock()

	if exists {
		core.LogDebug("mesh %s removed", name)
		am.events.Fire(core.EventContext{Type: core.EVENT_CODE_MESH_SOURCE_REMOVED, Name: name})
	}
}

func (am *AssetManager) load(path string) (metadata.SourceMesh, error) {
	loader := am.loaderFor(path)
	if loader == nil {
		return nil, errors.New("no loader registered for " + filepath.Ext(path))
	}
	return loader.Load(path, am.meshName(path), am.nextTimestamp())
}

// publish records path as the file src was loaded from and announces it.
func (am *AssetManager) publish(path string, src metadata.SourceMesh) {
	am.mutex.Lock()
	am.assets[src.Name()] = AssetInfo{
		Path:       path,
		Name:       src.Name(),
		LastLoaded: src.UpdateTime(),
	}
	am.mutex.Unlock()

	core.LogDebug("mesh %s loaded at %d", src.Name(), src.UpdateTime())
	am.events.Fire(core.EventContext{Type: core.EVENT_CODE_MESH_SOURCE_CHANGED, Name: src.Name(), Data: src})
}

func (am *AssetManager) loaderFor(path string) Loader {
	return am.loaders[strings.ToLower(filepath.Ext(path))]
}

// meshName is the path relative to the watched root, slash separated and
// without extension.
func (am *AssetManager) meshName(path string) string {
	rel, err := filepath.Rel(am.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
}

// Timestamps only ever grow, so a reload always supersedes what was read
// before it.
func (am *AssetManager) nextTimestamp() metadata.UpdateTimestamp {
	return metadata.UpdateTimestamp(am.clock.Add(1))
}

// watchRecursive adds all directories under the given one to the watch list
// and hands every file found to onFile.
func (am *AssetManager) watchRecursive(path string, onFile func(string)) error {
	return filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return am.fsnotify.Add(walkPath)
		}
		onFile(walkPath)
		return nil
	})
}
