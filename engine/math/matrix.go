package math

/**
 * @brief Creates and returns an identity matrix.
 */
func NewMat4Identity() Mat4 {
	m := Mat4{}
	m.Data[0] = 1.0
	m.Data[5] = 1.0
	m.Data[10] = 1.0
	m.Data[15] = 1.0
	return m
}

/**
 * @brief Returns mt * other. With row vectors this applies mt first and
 * other second.
 */
func (mt Mat4) Mul(other Mat4) Mat4 {
	out := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			var sum float32
			for i := 0; i < 4; i++ {
				sum += mt.Data[row*4+i] * other.Data[i*4+col]
			}
			out.Data[row*4+col] = sum
		}
	}
	return out
}

/**
 * @brief Creates a right handed perspective projection with a [-1, 1]
 * depth range.
 *
 * @param fovRadians The vertical field of view in radians.
 * @param aspectRatio Width over height.
 */
func NewMat4Perspective(fovRadians, aspectRatio, nearClip, farClip float32) Mat4 {
	halfTanFov := tan32(fovRadians * 0.5)
	m := Mat4{}
	m.Data[0] = 1.0 / (aspectRatio * halfTanFov)
	m.Data[5] = 1.0 / halfTanFov
	m.Data[10] = -((farClip + nearClip) / (farClip - nearClip))
	m.Data[11] = -1.0
	m.Data[14] = -((2.0 * farClip * nearClip) / (farClip - nearClip))
	return m
}

/**
 * @brief Creates a view matrix looking at target from position.
 */
func NewMat4LookAt(position, target, up Vec3) Mat4 {
	forward := target.Sub(position).Normalized()
	right := forward.Cross(up).Normalized()
	trueUp := right.Cross(forward)

	m := NewMat4Identity()
	m.Data[0] = right.X
	m.Data[1] = trueUp.X
	m.Data[2] = -forward.X
	m.Data[4] = right.Y
	m.Data[5] = trueUp.Y
	m.Data[6] = -forward.Y
	m.Data[8] = right.Z
	m.Data[9] = trueUp.Z
	m.Data[10] = -forward.Z
	m.Data[12] = -right.Dot(position)
	m.Data[13] = -trueUp.Dot(position)
	m.Data[14] = forward.Dot(position)
	return m
}

// Transposed swaps rows and columns.
func (mt Mat4) Transposed() Mat4 {
	out := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			out.Data[col*4+row] = mt.Data[row*4+col]
		}
	}
	return out
}

/**
 * @brief Returns the inverse of the matrix and whether it exists. A
 * singular matrix yields the identity and false.
 */
func (mt Mat4) Inverse() (Mat4, bool) {
	m := &mt.Data
	var inv [16]float32

	inv[0] = m[5]*m[10]*m[15] - m[5]*m[11]*m[14] - m[9]*m[6]*m[15] + m[9]*m[7]*m[14] + m[13]*m[6]*m[11] - m[13]*m[7]*m[10]
	inv[4] = -m[4]*m[10]*m[15] + m[4]*m[11]*m[14] + m[8]*m[6]*m[15] - m[8]*m[7]*m[14] - m[12]*m[6]*m[11] + m[12]*m[7]*m[10]
	inv[8] = m[4]*m[9]*m[15] - m[4]*m[11]*m[13] - m[8]*m[5]*m[15] + m[8]*m[7]*m[13] + m[12]*m[5]*m[11] - m[12]*m[7]*m[9]
	inv[12] = -m[4]*m[9]*m[14] + m[4]*m[10]*m[13] + m[8]*m[5]*m[14] - m[8]*m[6]*m[13] - m[12]*m[5]*m[10] + m[12]*m[6]*m[9]
	inv[1] = -m[1]*m[10]*m[15] + m[1]*m[11]*m[14] + m[9]*m[2]*m[15] - m[9]*m[3]*m[14] - m[13]*m[2]*m[11] + m[13]*m[3]*m[10]
	inv[5] = m[0]*m[10]*m[15] - m[0]*m[11]*m[14] - m[8]*m[2]*m[15] + m[8]*m[3]*m[14] + m[12]*m[2]*m[11] - m[12]*m[3]*m[10]
	inv[9] = -m[0]*m[9]*m[15] + m[0]*m[11]*m[13] + m[8]*m[1]*m[15] - m[8]*m[3]*m[13] - m[12]*m[1]*m[11] + m[12]*m[3]*m[9]
	inv[13] = m[0]*m[9]*m[14] - m[0]*m[10]*m[13] - m[8]*m[1]*m[14] + m[8]*m[2]*m[13] + m[12]*m[1]*m[10] - m[12]*m[2]*m[9]
	inv[2] = m[1]*m[6]*m[15] - m[1]*m[7]*m[14] - m[5]*m[2]*m[15] + m[5]*m[3]*m[14] + m[13]*m[2]*m[7] - m[13]*m[3]*m[6]
	inv[6] = -m[0]*m[6]*m[15] + m[0]*m[7]*m[14] + m[4]*m[2]*m[15] - m[4]*m[3]*m[14] - m[12]*m[2]*m[7] + m[12]*m[3]*m[6]
	inv[10] = m[0]*m[5]*m[15] - m[0]*m[7]*m[13] - m[4]*m[1]*m[15] + m[4]*m[3]*m[13] + m[12]*m[1]*m[7] - m[12]*m[3]*m[5]
	inv[14] = -m[0]*m[5]*m[14] + m[0]*m[6]*m[13] + m[4]*m[1]*m[14] - m[4]*m[2]*m[13] - m[12]*m[1]*m[6] + m[12]*m[2]*m[5]
	inv[3] = -m[1]*m[6]*m[11] + m[1]*m[7]*m[10] + m[5]*m[2]*m[11] - m[5]*m[3]*m[10] - m[9]*m[2]*m[7] + m[9]*m[3]*m[6]
	inv[7] = m[0]*m[6]*m[11] - m[0]*m[7]*m[10] - m[4]*m[2]*m[11] + m[4]*m[3]*m[10] + m[8]*m[2]*m[7] - m[8]*m[3]*m[6]
	inv[11] = -m[0]*m[5]*m[11] + m[0]*m[7]*m[9] + m[4]*m[1]*m[11] - m[4]*m[3]*m[9] - m[8]*m[1]*m[7] + m[8]*m[3]*m[5]
	inv[15] = m[0]*m[5]*m[10] - m[0]*m[6]*m[9] - m[4]*m[1]*m[10] + m[4]*m[2]*m[9] + m[8]*m[1]*m[6] - m[8]*m[2]*m[5]

	det := m[0]*inv[0] + m[1]*inv[4] + m[2]*inv[8] + m[3]*inv[12]
	if abs32(det) <= FLOAT_EPSILON {
		return NewMat4Identity(), false
	}
	det = 1.0 / det
	out := Mat4{}
	for i := range inv {
		out.Data[i] = inv[i] * det
	}
	return out, true
}

func NewMat4Translation(position Vec3) Mat4 {
	m := NewMat4Identity()
	m.Data[12] = position.X
	m.Data[13] = position.Y
	m.Data[14] = position.Z
	return m
}

func NewMat4Scale(scale Vec3) Mat4 {
	m := NewMat4Identity()
	m.Data[0] = scale.X
	m.Data[5] = scale.Y
	m.Data[10] = scale.Z
	return m
}

func NewMat4EulerY(angleRadians float32) Mat4 {
	m := NewMat4Identity()
	c := cos32(angleRadians)
	s := sin32(angleRadians)
	m.Data[0] = c
	m.Data[2] = -s
	m.Data[8] = s
	m.Data[10] = c
	return m
}

/**
 * @brief The normal matrix of a model matrix: the inverse transpose of its
 * upper 3x3, with the translation dropped.
 */
func (mt Mat4) NormalMatrix() Mat4 {
	rot := mt
	rot.Data[12], rot.Data[13], rot.Data[14] = 0, 0, 0
	rot.Data[3], rot.Data[7], rot.Data[11] = 0, 0, 0
	rot.Data[15] = 1
	inv, ok := rot.Inverse()
	if !ok {
		return NewMat4Identity()
	}
	return inv.Transposed()
}

// Compare reports whether every element is within tolerance.
func (mt Mat4) Compare(other Mat4, tolerance float32) bool {
	for i := range mt.Data {
		if !NearlyEqual(mt.Data[i], other.Data[i], tolerance) {
			return false
		}
	}
	return true
}

// Bytes returns the matrix as 64 little endian bytes, the layout uploaded
// into constant buffers.
func (mt Mat4) Bytes() []byte {
	out := make([]byte, 0, 64)
	return mt.AppendBytes(out)
}

func (mt Mat4) AppendBytes(dst []byte) []byte {
	for _, f := range mt.Data {
		dst = appendFloat32(dst, f)
	}
	return dst
}
