package math

/**
 * @brief Generates one normal per vertex by accumulating the face normals
 * of every triangle that references it. Indices out of range are skipped.
 */
func GenerateNormals(positions []Vec3, indices []uint32) []Vec3 {
	normals := make([]Vec3, len(positions))
	count := uint32(len(positions))
	for i := 0; i+2 < len(indices); i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]
		if i0 >= count || i1 >= count || i2 >= count {
			continue
		}
		edge1 := positions[i1].Sub(positions[i0])
		edge2 := positions[i2].Sub(positions[i0])
		face := edge1.Cross(edge2)

		normals[i0] = normals[i0].Add(face)
		normals[i1] = normals[i1].Add(face)
		normals[i2] = normals[i2].Add(face)
	}
	for i := range normals {
		normals[i] = normals[i].Normalized()
	}
	return normals
}
