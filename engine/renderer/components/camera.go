package components

import (
	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

const (
	LEFT_EYE  int = 0
	RIGHT_EYE int = 1
)

/** @brief Average human interpupillary distance, in meters. */
const DEFAULT_IPD float32 = 0.064

/**
 * @brief Per-eye view and projection of a holographic camera for one frame,
 * expressed relative to CoordinateSystem. Mono cameras carry the same
 * matrices in both slots.
 */
type StereoPose struct {
	CoordinateSystem metadata.CoordinateSystem
	View             [2]math.Mat4
	Projection       [2]math.Mat4
	Stereo           bool
}

/**
 * @brief Combines the pose with the transform taking base coordinates into
 * the pose's coordinate system.
 */
func (p StereoPose) ViewProjection(baseToPose math.Mat4) [2]math.Mat4 {
	var out [2]math.Mat4
	for eye := range out {
		out[eye] = baseToPose.Mul(p.View[eye]).Mul(p.Projection[eye])
	}
	return out
}

/**
 * @brief A head-mounted camera rig. The head transform is relative to
 * CoordinateSystem; the eyes sit half the IPD to each side of it.
 * Poses are cached until the rig moves.
 */
type CameraRig struct {
	CoordinateSystem metadata.CoordinateSystem
	Head             *math.Transform
	IPD              float32
	FovRadians       float32
	Near             float32
	Far              float32

	isDirty bool
	views   [2]math.Mat4
}

func NewCameraRig(system metadata.CoordinateSystem) *CameraRig {
	c := &CameraRig{CoordinateSystem: system}
	c.Reset()
	return c
}

func (c *CameraRig) Reset() {
	c.Head = math.NewTransform()
	c.IPD = DEFAULT_IPD
	c.FovRadians = math.DegToRad(70.0)
	c.Near = 0.1
	c.Far = 20.0
	c.isDirty = true
}

func (c *CameraRig) SetPosition(position math.Vec3) {
	c.Head.SetPosition(position)
	c.isDirty = true
}

func (c *CameraRig) SetRotation(rotation math.Quaternion) {
	c.Head.SetRotation(rotation)
	c.isDirty = true
}

// Pose builds the per-eye matrices for a back buffer of the given size.
func (c *CameraRig) Pose(stereo bool, width, height uint32) StereoPose {
	if c.isDirty {
		c.rebuildViews()
	}
	aspect := float32(1.0)
	if height > 0 {
		aspect = float32(width) / float32(height)
	}
	proj := math.NewMat4Perspective(c.FovRadians, aspect, c.Near, c.Far)

	pose := StereoPose{
		CoordinateSystem: c.CoordinateSystem,
		Projection:       [2]math.Mat4{proj, proj},
		Stereo:           stereo,
	}
	if stereo {
		pose.View = c.views
	} else {
		center := c.headView()
		pose.View = [2]math.Mat4{center, center}
	}
	return pose
}

func (c *CameraRig) headView() math.Mat4 {
	inv, ok := c.Head.World().Inverse()
	if !ok {
		return math.NewMat4Identity()
	}
	return inv
}

func (c *CameraRig) rebuildViews() {
	head := c.headView()
	half := c.IPD * 0.5
	// Eye offsets are applied in view space, so the left eye shifts the world right.
	c.views[LEFT_EYE] = head.Mul(math.NewMat4Translation(math.NewVec3(half, 0, 0)))
	c.views[RIGHT_EYE] = head.Mul(math.NewMat4Translation(math.NewVec3(-half, 0, 0)))
	c.isDirty = false
}
