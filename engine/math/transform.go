package math

func NewTransform() *Transform {
	return NewTransformFromPositionRotationScale(NewVec3Zero(), NewQuatIdentity(), NewVec3One())
}

func NewTransformFromPosition(position Vec3) *Transform {
	return NewTransformFromPositionRotationScale(position, NewQuatIdentity(), NewVec3One())
}

func NewTransformFromPositionRotationScale(position Vec3, rotation Quaternion, scale Vec3) *Transform {
	return &Transform{
		Position: position,
		Rotation: rotation,
		Scale:    scale,
		isDirty:  true,
		local:    NewMat4Identity(),
	}
}

func (t *Transform) SetPosition(position Vec3) {
	t.Position = position
	t.isDirty = true
}

func (t *Transform) Translate(translation Vec3) {
	t.Position = t.Position.Add(translation)
	t.isDirty = true
}

func (t *Transform) SetRotation(rotation Quaternion) {
	t.Rotation = rotation
	t.isDirty = true
}

func (t *Transform) Rotate(rotation Quaternion) {
	t.Rotation = t.Rotation.Mul(rotation)
	t.isDirty = true
}

func (t *Transform) SetScale(scale Vec3) {
	t.Scale = scale
	t.isDirty = true
}

// Local returns scale, then rotation, then translation.
func (t *Transform) Local() Mat4 {
	if t == nil {
		return NewMat4Identity()
	}
	if t.isDirty {
		t.local = NewMat4Scale(t.Scale).Mul(t.Rotation.ToMat4()).Mul(NewMat4Translation(t.Position))
		t.isDirty = false
	}
	return t.local
}

// World composes the local matrix with every parent up the chain.
func (t *Transform) World() Mat4 {
	if t == nil {
		return NewMat4Identity()
	}
	l := t.Local()
	if t.Parent != nil {
		return l.Mul(t.Parent.World())
	}
	return l
}
