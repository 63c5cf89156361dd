package metadata

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
)

// DeviceHandle identifies a logical device inside the backend that created
// it. Zero is never a valid handle.
type DeviceHandle uint64

type BufferHandle uint64

type TextureHandle uint64

type RenderTargetViewHandle uint64

/** @brief Optional device features that select a rendering path. */
type Capabilities struct {
	/**
	 * @brief The vertex shader can write the render target array index,
	 * so stereo instancing needs no geometry shader stage.
	 */
	ViewportArrayIndexFromVertexShader bool
	/** @brief The maximum number of array layers in a 2D texture. */
	MaxTextureArrayLayers uint32
}

/** @brief A physical GPU (or software rasterizer) exposed by a backend. */
type Adapter struct {
	/** @brief Stable identifier used to prefer this adapter in the config. */
	ID           string
	Info         gputypes.AdapterInfo
	Features     gputypes.Features
	Capabilities Capabilities
}

func (a Adapter) IsSoftware() bool {
	return a.Info.DeviceType == gputypes.DeviceTypeCPU
}

func (a Adapter) String() string {
	return fmt.Sprintf("%s (%s, %s)", a.Info.Name, a.Info.DeviceType, a.ID)
}

/** @brief Features a device must support for rendering to proceed. */
type DeviceRequirements struct {
	Features gputypes.Features
}

// SatisfiedBy reports whether the adapter exposes every required feature.
func (r DeviceRequirements) SatisfiedBy(a Adapter) bool {
	return a.Features.ContainsAll(r.Features)
}

// Missing lists the required features the adapter lacks.
func (r DeviceRequirements) Missing(a Adapter) []gputypes.Feature {
	var missing []gputypes.Feature
	for _, f := range AllFeatures() {
		if (gputypes.Features(f)&r.Features) != 0 && !a.Features.Contains(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

/** @brief Drives adapter selection during device (re)initialization. */
type AdapterPreference struct {
	/** @brief Adapter tried first. Empty means no preference. */
	PreferredID     string
	PowerPreference gputypes.PowerPreference
	Requirements    DeviceRequirements
	/** @brief Skip hardware adapters entirely. */
	ForceSoftware bool
}

/**
 * @brief A live logical device. Replaced wholesale when the device is lost;
 * Epoch grows by one on every successful initialization.
 */
type GraphicsDevice struct {
	ID           uuid.UUID
	Handle       DeviceHandle
	Adapter      Adapter
	Capabilities Capabilities
	Epoch        uint64
}

const maxFeatureBit = 20

// AllFeatures lists every feature flag known to gputypes.
func AllFeatures() []gputypes.Feature {
	out := make([]gputypes.Feature, 0, maxFeatureBit)
	for i := 0; i < maxFeatureBit; i++ {
		out = append(out, gputypes.Feature(1)<<i)
	}
	return out
}

// ParseFeature maps a feature name such as "ShaderF16" to its flag.
// Matching ignores case.
func ParseFeature(name string) (gputypes.Feature, error) {
	for _, f := range AllFeatures() {
		if strings.EqualFold(f.String(), name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown device feature `%s`", name)
}

func ParseFeatures(names []string) (gputypes.Features, error) {
	var features gputypes.Features
	for _, n := range names {
		f, err := ParseFeature(n)
		if err != nil {
			return 0, err
		}
		features.Insert(f)
	}
	return features, nil
}

func ParsePowerPreference(s string) (gputypes.PowerPreference, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return gputypes.PowerPreferenceNone, nil
	case "low", "low_power", "lowpower":
		return gputypes.PowerPreferenceLowPower, nil
	case "high", "high_performance", "highperformance":
		return gputypes.PowerPreferenceHighPerformance, nil
	}
	return gputypes.PowerPreferenceNone, fmt.Errorf("unknown power preference `%s`", s)
}
