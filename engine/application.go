package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/platform/headless"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
	"github.com/spaghettifunk/holostream/engine/systems"
)

const (
	BACKEND_SIMULATED = "simulated"
	BACKEND_VULKAN    = "vulkan"

	DEFAULT_NAME        = "holostream"
	DEFAULT_LOG_LEVEL   = "info"
	DEFAULT_FRAME_RATE  = 60.0
	DEFAULT_CAMERAS     = 1
	DEFAULT_RETRY_DELAY = 16 * time.Millisecond
)

// Duration reads TOML strings such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type AdapterConfig struct {
	PreferredID      string   `toml:"preferred_id"`
	PowerPreference  string   `toml:"power_preference"`
	RequiredFeatures []string `toml:"required_features"`
	ForceSoftware    bool     `toml:"force_software"`
}

type MeshConfig struct {
	// Directory of OBJ files streamed into the scene. Empty disables it.
	WatchDir   string   `toml:"watch_dir"`
	RetryDelay Duration `toml:"retry_delay"`
	Spacing    float32  `toml:"spacing"`
}

type SimulationConfig struct {
	Cameras           int    `toml:"cameras"`
	Stereo            bool   `toml:"stereo"`
	Width             uint32 `toml:"width"`
	Height            uint32 `toml:"height"`
	DeviceLossEvery   uint64 `toml:"device_loss_every"`
	ResizeEvery       uint64 `toml:"resize_every"`
	TrackingLossEvery uint64 `toml:"tracking_loss_every"`
}

type MirrorConfig struct {
	// Opens a desktop window that shows the session.
	Enabled   bool   `toml:"enabled"`
	StartPosX uint32 `toml:"x"`
	StartPosY uint32 `toml:"y"`
}

type ApplicationConfig struct {
	// The application name used in windowing and the Vulkan instance.
	Name     string `toml:"name"`
	LogLevel string `toml:"log_level"`
	// One of simulated or vulkan.
	Backend string `toml:"backend"`
	// Number of frames to render. Zero runs until interrupted.
	Frames    uint64  `toml:"frames"`
	FrameRate float64 `toml:"frame_rate"`
	// Enables the Vulkan validation layer.
	Debug          bool             `toml:"debug"`
	MaxCameraCount uint16           `toml:"max_camera_count"`
	Adapter        AdapterConfig    `toml:"adapter"`
	Mesh           MeshConfig       `toml:"mesh"`
	Simulation     SimulationConfig `toml:"simulation"`
	Mirror         MirrorConfig     `toml:"mirror"`
}

// DefaultApplicationConfig is a single stereo camera on the simulated backend.
func DefaultApplicationConfig() *ApplicationConfig {
	cfg := &ApplicationConfig{
		Simulation: SimulationConfig{Cameras: DEFAULT_CAMERAS, Stereo: true},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadApplicationConfig reads a TOML file on top of the defaults.
func LoadApplicationConfig(path string) (*ApplicationConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := DecodeApplicationConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func DecodeApplicationConfig(r io.Reader) (*ApplicationConfig, error) {
	cfg := DefaultApplicationConfig()
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var missing *toml.StrictMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("unknown configuration keys:\n%s", missing.String())
		}
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ApplicationConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = DEFAULT_NAME
	}
	if c.LogLevel == "" {
		c.LogLevel = DEFAULT_LOG_LEVEL
	}
	c.Backend = strings.ToLower(c.Backend)
	if c.Backend == "" {
		c.Backend = BACKEND_SIMULATED
	}
	if c.FrameRate <= 0 {
		c.FrameRate = DEFAULT_FRAME_RATE
	}
	if c.Mesh.RetryDelay.Duration <= 0 {
		c.Mesh.RetryDelay.Duration = DEFAULT_RETRY_DELAY
	}
	if c.Mesh.Spacing <= 0 {
		c.Mesh.Spacing = systems.DEFAULT_MESH_SPACING
	}
	if c.Simulation.Width == 0 {
		c.Simulation.Width = headless.DEFAULT_WIDTH
	}
	if c.Simulation.Height == 0 {
		c.Simulation.Height = headless.DEFAULT_HEIGHT
	}
}

func (c *ApplicationConfig) Validate() error {
	var errs []error
	if err := core.ValidateLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Backend != BACKEND_SIMULATED && c.Backend != BACKEND_VULKAN {
		errs = append(errs, fmt.Errorf("backend: unknown backend `%s`", c.Backend))
	}
	if _, err := c.AdapterPreference(); err != nil {
		errs = append(errs, fmt.Errorf("adapter: %w", err))
	}
	if c.Simulation.Cameras < 0 {
		errs = append(errs, fmt.Errorf("simulation.cameras: must not be negative"))
	}
	if c.MaxCameraCount != 0 && c.Simulation.Cameras > int(c.MaxCameraCount) {
		errs = append(errs, fmt.Errorf("simulation.cameras: %d exceeds max_camera_count %d", c.Simulation.Cameras, c.MaxCameraCount))
	}
	if c.Mesh.WatchDir != "" {
		if s, err := os.Stat(c.Mesh.WatchDir); err != nil {
			errs = append(errs, fmt.Errorf("mesh.watch_dir: %w", err))
		} else if !s.IsDir() {
			errs = append(errs, fmt.Errorf("mesh.watch_dir: %s is not a directory", c.Mesh.WatchDir))
		}
	}
	return errors.Join(errs...)
}

// AdapterPreference turns the adapter section into the device manager's
// selection input.
func (c *ApplicationConfig) AdapterPreference() (metadata.AdapterPreference, error) {
	power, err := metadata.ParsePowerPreference(c.Adapter.PowerPreference)
	if err != nil {
		return metadata.AdapterPreference{}, err
	}
	features, err := metadata.ParseFeatures(c.Adapter.RequiredFeatures)
	if err != nil {
		return metadata.AdapterPreference{}, err
	}
	return metadata.AdapterPreference{
		PreferredID:     c.Adapter.PreferredID,
		PowerPreference: power,
		Requirements:    metadata.DeviceRequirements{Features: features},
		ForceSoftware:   c.Adapter.ForceSoftware,
	}, nil
}

func (c *ApplicationConfig) SpaceConfig() headless.Config {
	return headless.Config{
		Cameras:           c.Simulation.Cameras,
		Stereo:            c.Simulation.Stereo,
		Width:             c.Simulation.Width,
		Height:            c.Simulation.Height,
		ResizeEvery:       c.Simulation.ResizeEvery,
		DeviceLossEvery:   c.Simulation.DeviceLossEvery,
		TrackingLossEvery: c.Simulation.TrackingLossEvery,
		FrameRate:         c.FrameRate,
	}
}

func (c *ApplicationConfig) SystemManagerConfig() systems.SystemManagerConfig {
	return systems.SystemManagerConfig{
		MaxCameraCount: c.MaxCameraCount,
		Mesh: systems.MeshStreamSystemConfig{
			RetryDelay: c.Mesh.RetryDelay.Duration,
			Spacing:    c.Mesh.Spacing,
		},
	}
}
