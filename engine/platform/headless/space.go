package headless

import (
	"fmt"
	stdmath "math"
	"sync"

	"github.com/gogpu/gputypes"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer/components"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
	"github.com/spaghettifunk/holostream/engine/spatial"
)

const (
	STAGE  metadata.CoordinateSystem = "stage"
	HEAD   metadata.CoordinateSystem = "head"
	ANCHOR metadata.CoordinateSystem = "anchor"
)

const (
	DEFAULT_WIDTH        uint32  = 1440
	DEFAULT_HEIGHT       uint32  = 936
	DEFAULT_ORBIT_RADIUS float32 = 2.0
	DEFAULT_ORBIT_FRAMES uint64  = 600
	HEAD_HEIGHT          float32 = 1.6
)

type Config struct {
	Cameras int
	Stereo  bool
	Width   uint32
	Height  uint32
	Format  gputypes.TextureFormat
	// Hand out a new back buffer every ResizeEvery frames, alternating
	// between the full and three quarter size. Zero disables it.
	ResizeEvery uint64
	// Call the device loss hook every DeviceLossEvery frames. Zero disables it.
	DeviceLossEvery uint64
	// Drop anchor tracking for one frame every TrackingLossEvery frames.
	TrackingLossEvery uint64
	OrbitRadius       float32
	// Frames per full orbit of the head around the stage origin.
	OrbitFrames uint64
	FrameRate   float64
}

func (c *Config) applyDefaults() {
	if c.Width == 0 {
		c.Width = DEFAULT_WIDTH
	}
	if c.Height == 0 {
		c.Height = DEFAULT_HEIGHT
	}
	if c.Format == gputypes.TextureFormatUndefined {
		c.Format = gputypes.TextureFormatBGRA8UnormSrgb
	}
	if c.OrbitRadius <= 0 {
		c.OrbitRadius = DEFAULT_ORBIT_RADIUS
	}
	if c.OrbitFrames == 0 {
		c.OrbitFrames = DEFAULT_ORBIT_FRAMES
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 60
	}
}

type CameraAddedFn func(props metadata.CameraProperties)
type CameraRemovedFn func(id uint32)

type camera struct {
	props   metadata.CameraProperties
	rig     *components.CameraRig
	surface metadata.Surface
}

/**
 * @brief A simulated holographic space. It owns the stage frame graph,
 * hands out cameras and frames, and injects the events a real headset
 * produces: back buffer changes, tracking loss and device loss.
 */
type Space struct {
	cfg   Config
	graph *spatial.Graph

	mu        sync.Mutex
	cameras   map[uint32]*camera
	nextID    uint32
	identity  uint64
	frame     uint64
	shrunk    bool
	onAdded   []CameraAddedFn
	onRemoved []CameraRemovedFn
	onLoss    func()
}

func New(cfg Config) (*Space, error) {
	cfg.applyDefaults()
	if cfg.Cameras < 0 {
		return nil, fmt.Errorf("camera count must not be negative, got %d", cfg.Cameras)
	}

	graph := spatial.NewGraph()
	if err := graph.AddRoot(STAGE); err != nil {
		return nil, err
	}
	if err := graph.AddFrame(HEAD, STAGE, math.NewMat4Translation(math.NewVec3(0, HEAD_HEIGHT, cfg.OrbitRadius))); err != nil {
		return nil, err
	}
	if err := graph.AddFrame(ANCHOR, STAGE, math.NewMat4Identity()); err != nil {
		return nil, err
	}

	return &Space{
		cfg:     cfg,
		graph:   graph,
		cameras: make(map[uint32]*camera),
		nextID:  1,
	}, nil
}

// Resolver exposes the stage frame graph.
func (s *Space) Resolver() metadata.CoordinateResolver {
	return s.graph
}

func (s *Space) Graph() *spatial.Graph {
	return s.graph
}

func (s *Space) BaseCoordinates() metadata.CoordinateSystem {
	return STAGE
}

func (s *Space) OnCameraAdded(fn CameraAddedFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAdded = append(s.onAdded, fn)
}

func (s *Space) OnCameraRemoved(fn CameraRemovedFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemoved = append(s.onRemoved, fn)
}

// OnDeviceLoss sets the hook used to inject device loss.
func (s *Space) OnDeviceLoss(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLoss = fn
}

// Start adds the configured number of cameras.
func (s *Space) Start() {
	for i := 0; i < s.cfg.Cameras; i++ {
		s.AddCamera()
	}
}

func (s *Space) nextSurfaceLocked(width, height uint32, stereo bool) metadata.Surface {
	s.identity++
	layers := uint32(1)
	if stereo {
		layers = 2
	}
	return metadata.Surface{
		Identity: metadata.SurfaceIdentity(s.identity),
		Width:    width,
		Height:   height,
		Layers:   layers,
		Format:   s.cfg.Format,
	}
}

func (s *Space) size() (uint32, uint32) {
	if s.shrunk {
		return s.cfg.Width * 3 / 4, s.cfg.Height * 3 / 4
	}
	return s.cfg.Width, s.cfg.Height
}

// AddCamera creates a camera and notifies the listeners.
func (s *Space) AddCamera() metadata.CameraProperties {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	w, h := s.size()
	c := &camera{
		props: metadata.CameraProperties{
			ID:               id,
			RenderTargetSize: gputypes.NewExtent3D(w, h, 1),
			Stereo:           s.cfg.Stereo,
		},
		rig:     components.NewCameraRig(STAGE),
		surface: s.nextSurfaceLocked(w, h, s.cfg.Stereo),
	}
	c.props.NearPlane = c.rig.Near
	c.props.FarPlane = c.rig.Far
	s.cameras[id] = c
	listeners := slices.Clone(s.onAdded)
	s.mu.Unlock()

	core.LogDebug("holographic camera %d added", id)
	for _, fn := range listeners {
		fn(c.props)
	}
	return c.props
}

// RemoveCamera drops a camera and notifies the listeners.
func (s *Space) RemoveCamera(id uint32) bool {
	s.mu.Lock()
	if _, ok := s.cameras[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.cameras, id)
	listeners := slices.Clone(s.onRemoved)
	s.mu.Unlock()

	core.LogDebug("holographic camera %d removed", id)
	for _, fn := range listeners {
		fn(id)
	}
	return true
}

func (s *Space) CameraIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := maps.Keys(s.cameras)
	slices.Sort(ids)
	return ids
}

// Resize hands every camera a new back buffer of the given size.
func (s *Space) Resize(width, height uint32) {
	if width == 0 || height == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Width, s.cfg.Height = width, height
	s.shrunk = false
	s.resizeLocked()
}

func (s *Space) resizeLocked() {
	w, h := s.size()
	for _, c := range s.cameras {
		c.surface = s.nextSurfaceLocked(w, h, c.props.Stereo)
	}
}

// NextFrame advances the simulation by one frame and describes it.
func (s *Space) NextFrame() *components.HolographicFrame {
	s.mu.Lock()
	s.frame++
	n := s.frame

	if s.cfg.ResizeEvery > 0 && n%s.cfg.ResizeEvery == 0 {
		s.shrunk = !s.shrunk
		s.resizeLocked()
		w, h := s.size()
		core.LogDebug("holographic back buffers resized to %dx%d", w, h)
	}

	head := s.orbit(n)
	if err := s.graph.SetTransform(HEAD, head.World()); err != nil {
		core.LogWarn("head frame: %s", err)
	}
	if s.cfg.TrackingLossEvery > 0 {
		lost := n%s.cfg.TrackingLossEvery == 0
		if err := s.graph.SetTracked(ANCHOR, !lost); err != nil {
			core.LogWarn("anchor frame: %s", err)
		}
	}

	frame := &components.HolographicFrame{
		Number:           n,
		BaseCoordinates:  STAGE,
		PredictedTimeSec: float64(n) / s.cfg.FrameRate,
	}
	ids := maps.Keys(s.cameras)
	slices.Sort(ids)
	for _, id := range ids {
		c := s.cameras[id]
		c.rig.SetPosition(head.Position)
		c.rig.SetRotation(head.Rotation)
		frame.Cameras = append(frame.Cameras, components.CameraFrame{
			CameraID: id,
			Surface:  c.surface,
			Pose:     c.rig.Pose(c.props.Stereo, c.surface.Width, c.surface.Height),
		})
	}

	var loss func()
	if s.cfg.DeviceLossEvery > 0 && n%s.cfg.DeviceLossEvery == 0 {
		loss = s.onLoss
	}
	s.mu.Unlock()

	if loss != nil {
		core.LogInfo("injecting device loss at frame %d", n)
		loss()
	}
	return frame
}

// orbit places the head on a circle around the stage origin, facing it.
func (s *Space) orbit(frame uint64) *math.Transform {
	angle := float32(2*stdmath.Pi) * float32(frame%s.cfg.OrbitFrames) / float32(s.cfg.OrbitFrames)
	position := math.NewVec3(
		s.cfg.OrbitRadius*float32(stdmath.Sin(float64(angle))),
		HEAD_HEIGHT,
		s.cfg.OrbitRadius*float32(stdmath.Cos(float64(angle))),
	)
	rotation := math.NewQuatFromAxisAngle(math.NewVec3Up(), angle)
	return math.NewTransformFromPositionRotationScale(position, rotation, math.NewVec3One())
}
