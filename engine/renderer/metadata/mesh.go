package metadata

import (
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/holostream/engine/math"
)

// UpdateTimestamp orders the updates of a single source. It only ever
// grows for a given source; zero means "never committed".
type UpdateTimestamp int64

// CoordinateSystem names a node in the spatial frame graph.
type CoordinateSystem string

/**
 * @brief Read-only view of mesh data produced by an external provider.
 * A nil byte range means the provider has not populated it yet.
 */
type SourceMesh interface {
	Name() string
	VertexData() []byte
	NormalData() []byte
	IndexData() []byte
	VertexStride() uint32
	NormalStride() uint32
	IndexFormat() gputypes.IndexFormat
	CoordinateSystem() CoordinateSystem
	UpdateTime() UpdateTimestamp
}

/** @brief Resolves the transform between two coordinate systems. */
type CoordinateResolver interface {
	// TryGetTransform returns the matrix taking points in from into to, and
	// false when no path between them is currently known.
	TryGetTransform(from, to CoordinateSystem) (math.Mat4, bool)
}

/**
 * @brief One complete set of GPU buffers built from a single source update.
 */
type MeshBufferSet struct {
	Vertex       BufferHandle
	Normal       BufferHandle
	Index        BufferHandle
	VertexStride uint32
	NormalStride uint32
	IndexCount   uint32
	IndexFormat  gputypes.IndexFormat
	Timestamp    UpdateTimestamp
	/** @brief Coordinate system the source positions are expressed in. */
	CoordinateSystem CoordinateSystem
	/** @brief Epoch of the device the buffers live on. */
	Epoch uint64
}

func (s *MeshBufferSet) Valid() bool {
	return s != nil && s.Vertex != 0 && s.Normal != 0 && s.Index != 0 && s.IndexCount > 0
}

/** @brief Plain in-memory SourceMesh used by loaders and tests. */
type StaticSourceMesh struct {
	MeshName  string
	Vertices  []byte
	Normals   []byte
	Indices   []byte
	VStride   uint32
	NStride   uint32
	Format    gputypes.IndexFormat
	System    CoordinateSystem
	Timestamp UpdateTimestamp
}

func (m *StaticSourceMesh) Name() string { return m.MeshName }
func (m *StaticSourceMesh) VertexData() []byte { return m.Vertices }
func (m *StaticSourceMesh) NormalData() []byte { return m.Normals }
func (m *StaticSourceMesh) IndexData() []byte { return m.Indices }
func (m *StaticSourceMesh) VertexStride() uint32 { return m.VStride }
func (m *StaticSourceMesh) NormalStride() uint32 { return m.NStride }
func (m *StaticSourceMesh) IndexFormat() gputypes.IndexFormat { return m.Format }
func (m *StaticSourceMesh) CoordinateSystem() CoordinateSystem { return m.System }
func (m *StaticSourceMesh) UpdateTime() UpdateTimestamp { return m.Timestamp }
