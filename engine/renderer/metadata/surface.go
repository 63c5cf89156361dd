package metadata

import "github.com/gogpu/gputypes"

// SurfaceIdentity changes whenever the platform hands out a new back
// buffer, even if its size stays the same.
type SurfaceIdentity uint64

/** @brief The back buffer a holographic camera renders into this frame. */
type Surface struct {
	Identity SurfaceIdentity
	Width    uint32
	Height   uint32
	/** @brief Array layers of the back buffer: 2 for stereo cameras. */
	Layers uint32
	Format gputypes.TextureFormat
}

func (s Surface) Size() gputypes.Extent3D {
	return gputypes.NewExtent3D(s.Width, s.Height, max(s.Layers, 1))
}

type Viewport struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

func NewViewport(width, height uint32) Viewport {
	return Viewport{Width: float32(width), Height: float32(height), MinDepth: 0, MaxDepth: 1}
}

/** @brief Properties fixed when a camera is attached. */
type CameraProperties struct {
	ID               uint32
	RenderTargetSize gputypes.Extent3D
	Stereo           bool
	NearPlane        float32
	FarPlane         float32
}
