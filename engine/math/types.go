package math

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 represents a 4D vector
type Vec4 struct {
	X, Y, Z, W float32
}

/** @brief A quaternion, used to represent rotational orientation. */
type Quaternion Vec4

/**
 * @brief a 4x4 matrix laid out for row vectors: a point is transformed as
 * p * M and the translation lives in elements 12, 13 and 14.
 */
type Mat4 struct {
	/** @brief The matrix elements */
	Data [16]float32
}

/**
 * @brief Position, orientation and scale of an object relative to its
 * parent. The local matrix is cached until one of the components changes.
 */
type Transform struct {
	Position Vec3
	Rotation Quaternion
	Scale    Vec3

	isDirty bool
	local   Mat4
	Parent  *Transform
}
