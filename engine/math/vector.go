package math

func NewVec3(x, y, z float32) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

func NewVec3Zero() Vec3 {
	return Vec3{}
}

func NewVec3One() Vec3 {
	return Vec3{X: 1, Y: 1, Z: 1}
}

func NewVec3Up() Vec3 {
	return Vec3{Y: 1}
}

func NewVec3Forward() Vec3 {
	return Vec3{Z: -1}
}

func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Mul multiplies component-wise.
func (v Vec3) Mul(other Vec3) Vec3 {
	return Vec3{X: v.X * other.X, Y: v.Y * other.Y, Z: v.Z * other.Z}
}

func (v Vec3) MulScalar(scalar float32) Vec3 {
	return Vec3{X: v.X * scalar, Y: v.Y * scalar, Z: v.Z * scalar}
}

func (v Vec3) LengthSquared() float32 {
	return v.X*v.X + v.Y*v.Y + v.Z*v.Z
}

func (v Vec3) Length() float32 {
	return sqrt32(v.LengthSquared())
}

/**
 * @brief Returns a unit length copy of the vector. A zero vector is
 * returned unchanged.
 */
func (v Vec3) Normalized() Vec3 {
	l := v.Length()
	if l <= FLOAT_EPSILON {
		return v
	}
	return v.MulScalar(1.0 / l)
}

func (v Vec3) Dot(other Vec3) float32 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

func (v Vec3) Cross(other Vec3) Vec3 {
	return Vec3{
		X: v.Y*other.Z - v.Z*other.Y,
		Y: v.Z*other.X - v.X*other.Z,
		Z: v.X*other.Y - v.Y*other.X,
	}
}

// Compare reports whether every component is within tolerance.
func (v Vec3) Compare(other Vec3, tolerance float32) bool {
	return NearlyEqual(v.X, other.X, tolerance) &&
		NearlyEqual(v.Y, other.Y, tolerance) &&
		NearlyEqual(v.Z, other.Z, tolerance)
}

func (v Vec3) Distance(other Vec3) float32 {
	return v.Sub(other).Length()
}

/**
 * @brief Transforms the point by the matrix, treating it as w = 1.
 */
func (v Vec3) Transform(m Mat4) Vec3 {
	d := &m.Data
	return Vec3{
		X: v.X*d[0] + v.Y*d[4] + v.Z*d[8] + d[12],
		Y: v.X*d[1] + v.Y*d[5] + v.Z*d[9] + d[13],
		Z: v.X*d[2] + v.Y*d[6] + v.Z*d[10] + d[14],
	}
}

/**
 * @brief Transforms the direction by the matrix, treating it as w = 0.
 */
func (v Vec3) TransformDirection(m Mat4) Vec3 {
	d := &m.Data
	return Vec3{
		X: v.X*d[0] + v.Y*d[4] + v.Z*d[8],
		Y: v.X*d[1] + v.Y*d[5] + v.Z*d[9],
		Z: v.X*d[2] + v.Y*d[6] + v.Z*d[10],
	}
}

func (v Vec3) ToVec4(w float32) Vec4 {
	return Vec4{X: v.X, Y: v.Y, Z: v.Z, W: w}
}

func (v Vec4) ToVec3() Vec3 {
	return Vec3{X: v.X, Y: v.Y, Z: v.Z}
}
