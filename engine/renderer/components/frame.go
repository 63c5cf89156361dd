package components

import "github.com/spaghettifunk/holostream/engine/renderer/metadata"

/** @brief What one camera needs to render a frame. */
type CameraFrame struct {
	CameraID uint32
	Surface  metadata.Surface
	Pose     StereoPose
}

/**
 * @brief A frame handed out by the holographic space: the cameras that
 * take part in it and the coordinate system content is positioned in.
 */
type HolographicFrame struct {
	Number           uint64
	BaseCoordinates  metadata.CoordinateSystem
	Cameras          []CameraFrame
	PredictedTimeSec float64
}

// Camera returns the frame data of a camera, if it takes part.
func (f *HolographicFrame) Camera(id uint32) (CameraFrame, bool) {
	for _, c := range f.Cameras {
		if c.CameraID == id {
			return c, true
		}
	}
	return CameraFrame{}, false
}
