package assets

import "github.com/spaghettifunk/holostream/engine/renderer/metadata"

// Loader turns a file on disk into a mesh source.
type Loader interface {
	// Lower case file extensions, dot included, handled by the loader.
	Extensions() []string
	Load(path string, name string, ts metadata.UpdateTimestamp) (metadata.SourceMesh, error)
}
