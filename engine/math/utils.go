package math

import (
	"encoding/binary"
	stdmath "math"

	"golang.org/x/exp/constraints"
)

const (
	PI            float32 = 3.14159265358979323846
	DEG2RAD       float32 = PI / 180.0
	RAD2DEG       float32 = 180.0 / PI
	FLOAT_EPSILON float32 = 1.192092896e-07
)

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

func DegToRad(degrees float32) float32 {
	return degrees * DEG2RAD
}

func RadToDeg(radians float32) float32 {
	return radians * RAD2DEG
}

func sin32(x float32) float32  { return float32(stdmath.Sin(float64(x))) }
func cos32(x float32) float32  { return float32(stdmath.Cos(float64(x))) }
func tan32(x float32) float32  { return float32(stdmath.Tan(float64(x))) }
func sqrt32(x float32) float32 { return float32(stdmath.Sqrt(float64(x))) }
func abs32(x float32) float32  { return float32(stdmath.Abs(float64(x))) }

// NearlyEqual reports whether a and b differ by at most tolerance.
func NearlyEqual(a, b, tolerance float32) bool {
	return abs32(a-b) <= tolerance
}

func appendFloat32(dst []byte, f float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, stdmath.Float32bits(f))
}

// Vec3sToBytes packs the vectors as tightly packed little endian float32x3.
func Vec3sToBytes(vs []Vec3) []byte {
	out := make([]byte, 0, len(vs)*12)
	for _, v := range vs {
		out = appendFloat32(out, v.X)
		out = appendFloat32(out, v.Y)
		out = appendFloat32(out, v.Z)
	}
	return out
}

// BytesToVec3s is the inverse of Vec3sToBytes. Trailing bytes that do not
// form a whole vector are ignored.
func BytesToVec3s(b []byte) []Vec3 {
	out := make([]Vec3, 0, len(b)/12)
	for i := 0; i+12 <= len(b); i += 12 {
		out = append(out, Vec3{
			X: stdmath.Float32frombits(binary.LittleEndian.Uint32(b[i:])),
			Y: stdmath.Float32frombits(binary.LittleEndian.Uint32(b[i+4:])),
			Z: stdmath.Float32frombits(binary.LittleEndian.Uint32(b[i+8:])),
		})
	}
	return out
}
