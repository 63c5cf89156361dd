package loaders

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/holostream/engine/math"
)

const quad = `# unit quad
o quad
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
vt 0 0
vn 0 0 1
s off
usemtl none
f 1/1/1 2/1/1 3/1/1 4/1/1
`

func decode(t *testing.T, src string) *OBJDecoder {
	t.Helper()
	dec := NewOBJDecoder()
	require.NoError(t, dec.Decode(strings.NewReader(src)))
	return dec
}

func TestDecodeFanTriangulatesAndSharesVertices(t *testing.T) {
	dec := decode(t, quad)
	assert.Equal(t, 2, dec.Triangles())

	positions, normals, indices := dec.Build()
	assert.Len(t, positions, 4)
	assert.Len(t, normals, 4)
	if diff := cmp.Diff([]uint32{0, 1, 2, 0, 2, 3}, indices); diff != "" {
		t.Errorf("indices mismatch (-want +got):\n%s", diff)
	}
	for _, n := range normals {
		assert.Equal(t, math.NewVec3(0, 0, 1), n)
	}
}

func TestDecodeFaceForms(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		corners int
	}{
		{"position only", "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n", 3},
		{"with texcoord", "v 0 0 0\nv 1 0 0\nv 0 1 0\nvt 0 0\nf 1/1 2/1 3/1\n", 3},
		{"with normal", "v 0 0 0\nv 1 0 0\nv 0 1 0\nvn 0 0 1\nf 1//1 2//1 3//1\n", 3},
		{"negative", "v 0 0 0\nv 1 0 0\nv 0 1 0\nf -3 -2 -1\n", 3},
		{"no trailing newline", "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3", 3},
		{"crlf", "v 0 0 0\r\nv 1 0 0\r\nv 0 1 0\r\nf 1 2 3\r\n", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := decode(t, tt.src)
			_, _, indices := dec.Build()
			assert.Len(t, indices, tt.corners)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"zero index", "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 0 1 2\n", "line 4: face vertex index equal to 0"},
		{"out of range", "v 0 0 0\nf 1 2 3\n", "line 2: face vertex index 2 out of range"},
		{"bad normal", "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1//1 2//1 3//1\n", "line 4: face normal index 1 out of range"},
		{"short face", "v 0 0 0\nv 1 0 0\nf 1 2\n", "line 3: face with less than 3 corners"},
		{"short vertex", "v 0 0\n", "line 1: expected 3 components, got 2"},
		{"bad float", "v 0 x 0\n", "line 1:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewOBJDecoder().Decode(strings.NewReader(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestBuildGeneratesMissingNormals(t *testing.T) {
	dec := decode(t, "v 0 0 0\nv 1 0 0\nv 0 1 0\nvn 1 0 0\nf 1//1 2 3\n")
	positions, normals, _ := dec.Build()
	require.Len(t, normals, len(positions))
	for _, n := range normals {
		assert.InDelta(t, 1.0, float64(n.Z), 1e-6)
	}
}

func TestSourceMeshPacksSixteenBitIndices(t *testing.T) {
	dec := decode(t, quad)
	src := dec.SourceMesh("quad", "stage", 7)

	assert.Equal(t, "quad", src.Name())
	assert.Equal(t, gputypes.IndexFormatUint16, src.IndexFormat())
	assert.EqualValues(t, 7, src.UpdateTime())
	assert.EqualValues(t, "stage", src.CoordinateSystem())
	assert.EqualValues(t, 12, src.VertexStride())
	assert.Len(t, src.VertexData(), 4*12)
	assert.Len(t, src.NormalData(), 4*12)
	require.Len(t, src.IndexData(), 6*2)
	assert.EqualValues(t, 3, binary.LittleEndian.Uint16(src.IndexData()[10:]))
	assert.Equal(t, math.NewVec3(1, 1, 0), math.BytesToVec3s(src.VertexData())[2])
}

func TestSourceMeshPacksThirtyTwoBitIndices(t *testing.T) {
	var b strings.Builder
	// A strip of disjoint triangles with more vertices than 16 bits address.
	const tris = maxUint16Vertices/3 + 1
	for i := 0; i < tris; i++ {
		b.WriteString("v 0 0 0\nv 1 0 0\nv 0 1 0\nf -3 -2 -1\n")
	}
	dec := decode(t, b.String())
	src := dec.SourceMesh("strip", "stage", 1)

	assert.Equal(t, gputypes.IndexFormatUint32, src.IndexFormat())
	assert.Len(t, src.IndexData(), tris*3*4)
}

func TestOBJLoaderReportsPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.obj")
	require.NoError(t, os.WriteFile(path, []byte("v 0 0 0\nf 1 1 0\n"), 0o644))

	l := &OBJLoader{System: "stage"}
	_, err := l.Load(path, "broken", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path+": line 2")

	empty := filepath.Join(dir, "empty.obj")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = l.Load(empty, "empty", 1)
	assert.ErrorContains(t, err, "no faces")

	_, err = l.Load(filepath.Join(dir, "missing.obj"), "missing", 1)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
