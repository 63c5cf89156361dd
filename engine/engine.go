package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/holostream/engine/assets"
	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/platform"
	"github.com/spaghettifunk/holostream/engine/platform/headless"
	"github.com/spaghettifunk/holostream/engine/renderer"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
	"github.com/spaghettifunk/holostream/engine/renderer/simulated"
	"github.com/spaghettifunk/holostream/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage Stage
	config       *ApplicationConfig
	isRunning    atomic.Bool

	events        *core.EventBus
	platform      *platform.Platform
	space         *headless.Space
	backend       renderer.Backend
	closeBackend  func()
	deviceManager *renderer.DeviceManager
	presenter     *renderer.FrameResourcePresenter
	systemManager *systems.SystemManager
	assetManager  *assets.AssetManager
	metrics       *core.FrameMetrics
	clock         *core.Clock
	frames        uint64
}

/**
 * @brief Boots the engine: log level, optional mirror window, backend and
 * the simulated holographic space. No device exists until Initialize.
 */
func New(config *ApplicationConfig) (*Engine, error) {
	if config == nil {
		config = DefaultApplicationConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(config.LogLevel); err != nil {
		return nil, err
	}

	e := &Engine{
		currentStage: EngineStageBooting,
		config:       config,
		events:       core.NewEventBus(),
		metrics:      core.NewFrameMetrics(),
		clock:        core.NewClock(),
	}

	space, err := headless.New(config.SpaceConfig())
	if err != nil {
		core.LogError("%s", err)
		return nil, err
	}
	e.space = space

	if config.Mirror.Enabled {
		p, err := platform.New(e.events)
		if err != nil {
			return nil, err
		}
		if err := p.Startup(config.Name, config.Mirror.StartPosX, config.Mirror.StartPosY, config.Simulation.Width, config.Simulation.Height); err != nil {
			return nil, err
		}
		e.platform = p
	}

	backend, closeBackend, err := NewBackend(config, e.platform)
	if err != nil {
		core.LogError("failed to create the %s backend: %s", config.Backend, err)
		e.shutdownPlatform()
		return nil, err
	}
	e.backend = backend
	e.closeBackend = closeBackend
	e.deviceManager = renderer.NewDeviceManager(backend, e.events)

	e.currentStage = EngineStageBootComplete
	return e, nil
}

func (e *Engine) Initialize(ctx context.Context) error {
	if e.currentStage != EngineStageBootComplete {
		return fmt.Errorf("engine cannot initialize in stage %d", e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	pref, err := e.config.AdapterPreference()
	if err != nil {
		return err
	}
	if err := e.deviceManager.Initialize(pref); err != nil {
		return err
	}

	e.presenter = renderer.NewFrameResourcePresenter(e.deviceManager, e.space.Resolver(), e.metrics)
	sm, err := systems.NewSystemManager(e.config.SystemManagerConfig(), e.deviceManager, e.presenter, e.events)
	if err != nil {
		return err
	}
	e.systemManager = sm

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onQuit)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)

	e.space.OnCameraAdded(func(props metadata.CameraProperties) {
		if err := e.systemManager.CameraSystem.OnCameraAdded(props); err != nil {
			core.LogWarn("camera %d not attached: %s", props.ID, err)
		}
	})
	e.space.OnCameraRemoved(func(id uint32) {
		if err := e.systemManager.CameraSystem.OnCameraRemoved(id); err != nil {
			core.LogWarn("camera %d not detached: %s", id, err)
		}
	})
	if sim, ok := e.backend.(*simulated.Backend); ok {
		e.space.OnDeviceLoss(sim.RemoveDevice)
	} else if e.config.Simulation.DeviceLossEvery > 0 {
		core.LogWarn("device loss injection needs the simulated backend, ignoring simulation.device_loss_every")
	}

	if dir := e.config.Mesh.WatchDir; dir != "" {
		am, err := assets.NewAssetManager(e.events, e.space.BaseCoordinates())
		if err != nil {
			return err
		}
		e.assetManager = am
		if err := am.Initialize(ctx, dir); err != nil {
			return err
		}
	}

	e.space.Start()
	e.currentStage = EngineStageInitialized
	core.LogInfo("engine initialized on %s", e.deviceManager.Device().Adapter)
	return nil
}

/**
 * @brief Renders frames until the context is cancelled, the configured
 * frame count is reached, or a quit is requested. Device loss is handled
 * inside the frame; only a failed recovery ends the loop with an error.
 */
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine cannot run in stage %d", e.currentStage)
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	targetFrameTime := time.Duration(float64(time.Second) / e.config.FrameRate)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	e.clock.Start()
	for e.isRunning.Load() {
		if e.config.Frames > 0 && e.frames >= e.config.Frames {
			break
		}
		if e.platform != nil && !e.platform.PumpMessages() {
			break
		}
		frameStart := time.Now()

		frame := e.space.NextFrame()
		if _, err := e.presenter.RenderFrame(frame); err != nil {
			core.LogError("frame %d failed: %s", frame.Number, err)
			return err
		}
		e.frames++

		remaining := targetFrameTime - time.Since(frameStart)
		if remaining <= 0 {
			if err := ctx.Err(); err != nil {
				break
			}
			continue
		}
		timer.Reset(remaining)
		select {
		case <-ctx.Done():
			e.isRunning.Store(false)
		case <-timer.C:
		}
	}
	e.isRunning.Store(false)
	e.clock.Update()
	return nil
}

// Stop ends Run after the current frame. Safe from any goroutine.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

func (e *Engine) onQuit(ctx core.EventContext) bool {
	core.LogInfo("quit requested")
	e.Stop()
	return true
}

func (e *Engine) onResized(ctx core.EventContext) bool {
	width, height := ctx.U32>>16, ctx.U32&0xFFFF
	if width == 0 || height == 0 {
		// Minimized: hand scratch memory back until the window returns.
		e.deviceManager.Trim()
		return false
	}
	e.space.Resize(width, height)
	return false
}

func (e *Engine) Metrics() core.MetricsSnapshot {
	return e.metrics.Snapshot()
}

func (e *Engine) Frames() uint64 {
	return e.frames
}

func (e *Engine) Backend() renderer.Backend {
	return e.backend
}

func (e *Engine) DeviceManager() *renderer.DeviceManager {
	return e.deviceManager
}

func (e *Engine) SystemManager() *systems.SystemManager {
	return e.systemManager
}

func (e *Engine) Space() *headless.Space {
	return e.space
}

// Shutdown releases everything in reverse order of creation and logs the
// session's frame statistics.
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.Stop()

	var errs []error
	if e.assetManager != nil {
		errs = append(errs, e.assetManager.Shutdown())
	}
	if e.systemManager != nil {
		errs = append(errs, e.systemManager.Shutdown())
	}
	if e.deviceManager != nil {
		errs = append(errs, e.deviceManager.Shutdown())
	}
	if e.closeBackend != nil {
		e.closeBackend()
	}
	errs = append(errs, e.shutdownPlatform())
	e.events.Unregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	e.events.Unregister(core.EVENT_CODE_RESIZED, e)
	errs = append(errs, e.events.Shutdown())

	s := e.metrics.Snapshot()
	core.LogInfo("%d frames in %s: %d presented, %d dropped, %d device recoveries, %d skipped cameras, avg frame %s",
		e.frames, e.clock.Elapsed().Round(time.Millisecond), s.Presented, s.Dropped, s.Recoveries, s.SkippedCameras, s.AvgFrameTime)
	return errors.Join(errs...)
}

func (e *Engine) shutdownPlatform() error {
	if e.platform == nil {
		return nil
	}
	err := e.platform.Shutdown()
	e.platform = nil
	return err
}
