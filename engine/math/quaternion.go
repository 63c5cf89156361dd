package math

func NewQuatIdentity() Quaternion {
	return Quaternion{W: 1.0}
}

/**
 * @brief Creates a quaternion from the given axis and angle.
 *
 * @param axis The axis of rotation.
 * @param angle The angle of rotation in radians.
 */
func NewQuatFromAxisAngle(axis Vec3, angle float32) Quaternion {
	a := axis.Normalized()
	half := 0.5 * angle
	s := sin32(half)
	return Quaternion{X: s * a.X, Y: s * a.Y, Z: s * a.Z, W: cos32(half)}.Normalize()
}

func (q Quaternion) Length() float32 {
	return sqrt32(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

func (q Quaternion) Normalize() Quaternion {
	n := q.Length()
	if n <= FLOAT_EPSILON {
		return NewQuatIdentity()
	}
	return Quaternion{X: q.X / n, Y: q.Y / n, Z: q.Z / n, W: q.W / n}
}

func (q Quaternion) Conjugate() Quaternion {
	return Quaternion{X: -q.X, Y: -q.Y, Z: -q.Z, W: q.W}
}

// Mul returns the Hamilton product q * other.
func (q Quaternion) Mul(other Quaternion) Quaternion {
	return Quaternion{
		X: q.X*other.W + q.Y*other.Z - q.Z*other.Y + q.W*other.X,
		Y: -q.X*other.Z + q.Y*other.W + q.Z*other.X + q.W*other.Y,
		Z: q.X*other.Y - q.Y*other.X + q.Z*other.W + q.W*other.Z,
		W: -q.X*other.X - q.Y*other.Y - q.Z*other.Z + q.W*other.W,
	}
}

/**
 * @brief Creates a rotation matrix from the quaternion, laid out for row
 * vectors.
 */
func (q Quaternion) ToMat4() Mat4 {
	n := q.Normalize()
	m := NewMat4Identity()

	m.Data[0] = 1.0 - 2.0*n.Y*n.Y - 2.0*n.Z*n.Z
	m.Data[1] = 2.0*n.X*n.Y + 2.0*n.Z*n.W
	m.Data[2] = 2.0*n.X*n.Z - 2.0*n.Y*n.W

	m.Data[4] = 2.0*n.X*n.Y - 2.0*n.Z*n.W
	m.Data[5] = 1.0 - 2.0*n.X*n.X - 2.0*n.Z*n.Z
	m.Data[6] = 2.0*n.Y*n.Z + 2.0*n.X*n.W

	m.Data[8] = 2.0*n.X*n.Z + 2.0*n.Y*n.W
	m.Data[9] = 2.0*n.Y*n.Z - 2.0*n.X*n.W
	m.Data[10] = 1.0 - 2.0*n.X*n.X - 2.0*n.Y*n.Y
	return m
}
