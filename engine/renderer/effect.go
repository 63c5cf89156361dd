package renderer

import (
	"sync"

	"github.com/spaghettifunk/holostream/engine/math"
)

type EffectKind uint8

const (
	EffectKindMono EffectKind = iota
	EffectKindStereo
)

func (k EffectKind) String() string {
	switch k {
	case EffectKindMono:
		return "mono"
	case EffectKindStereo:
		return "stereo"
	}
	return "unknown"
}

/** @brief Shading state a mesh is drawn with. */
type Effect interface {
	Kind() EffectKind
	Name() string
	// Stereo returns the stereo matrix capability when the effect has one.
	Stereo() (*StereoEffect, bool)
}

/** @brief Single view effect with no per-camera state. */
type MonoEffect struct {
	name string
}

func NewMonoEffect(name string) *MonoEffect {
	return &MonoEffect{name: name}
}

func (e *MonoEffect) Kind() EffectKind { return EffectKindMono }
func (e *MonoEffect) Name() string { return e.name }
func (e *MonoEffect) Stereo() (*StereoEffect, bool) { return nil, false }

/**
 * @brief Effect that accepts both eyes' view-projection matrices. The
 * presenter pushes them before drawing each camera.
 */
type StereoEffect struct {
	name string

	mu       sync.Mutex
	cameraID uint32
	matrices [2]math.Mat4
	pushes   uint64
}

func NewStereoEffect(name string) *StereoEffect {
	return &StereoEffect{
		name:     name,
		matrices: [2]math.Mat4{math.NewMat4Identity(), math.NewMat4Identity()},
	}
}

func (e *StereoEffect) Kind() EffectKind { return EffectKindStereo }
func (e *StereoEffect) Name() string { return e.name }
func (e *StereoEffect) Stereo() (*StereoEffect, bool) { return e, true }

func (e *StereoEffect) SetViewProjection(cameraID uint32, viewProjection [2]math.Mat4) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cameraID = cameraID
	e.matrices = viewProjection
	e.pushes++
}

// ViewProjection returns the matrices last pushed and the camera they belong to.
func (e *StereoEffect) ViewProjection() (uint32, [2]math.Mat4) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cameraID, e.matrices
}

func (e *StereoEffect) Pushes() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushes
}
