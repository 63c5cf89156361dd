package loaders

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

const (
	blanks    = "\r\n\t "
	invIndex  = -1
	vec3Bytes = 12
	// Meshes with fewer vertices get 16 bit indices.
	maxUint16Vertices = 0xFFFF
)

/**
 * @brief Loads Wavefront OBJ files into source meshes. Only positions,
 * normals and faces are read; texture coordinates, groups and materials
 * are skipped.
 */
type OBJLoader struct {
	// Coordinate system the positions are expressed in.
	System metadata.CoordinateSystem
}

func (l *OBJLoader) Extensions() []string {
	return []string{".obj"}
}

func (l *OBJLoader) Load(path string, name string, ts metadata.UpdateTimestamp) (metadata.SourceMesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := NewOBJDecoder()
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// Truncated writes show up as empty files.
	if dec.Triangles() == 0 {
		return nil, fmt.Errorf("%s: no faces", path)
	}
	return dec.SourceMesh(name, l.System, ts), nil
}

type corner struct {
	vertex int
	normal int
}

/** @brief Decoded OBJ contents. */
type OBJDecoder struct {
	Vertices []math.Vec3
	Normals  []math.Vec3
	// Triangulated faces, three corners each.
	corners []corner
	line    uint
}

func NewOBJDecoder() *OBJDecoder {
	return &OBJDecoder{}
}

func (dec *OBJDecoder) Decode(reader io.Reader) error {
	bufin := bufio.NewReader(reader)
	dec.line = 1
	for {
		line, err := bufin.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		if perr := dec.parseLine(strings.Trim(line, blanks)); perr != nil {
			return perr
		}
		if err == io.EOF {
			break
		}
		dec.line++
	}
	return nil
}

func (dec *OBJDecoder) formatError(msg string, args ...interface{}) error {
	return fmt.Errorf("line %d: %s", dec.line, fmt.Sprintf(msg, args...))
}

func (dec *OBJDecoder) parseLine(line string) error {
	if len(line) == 0 || line[0] == '#' {
		return nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "v":
		v, err := dec.parseVec3(fields[1:])
		if err != nil {
			return err
		}
		dec.Vertices = append(dec.Vertices, v)
	case "vn":
		n, err := dec.parseVec3(fields[1:])
		if err != nil {
			return err
		}
		dec.Normals = append(dec.Normals, n)
	case "f":
		return dec.parseFace(fields[1:])
	}
	return nil
}

func (dec *OBJDecoder) parseVec3(fields []string) (math.Vec3, error) {
	if len(fields) < 3 {
		return math.Vec3{}, dec.formatError("expected 3 components, got %d", len(fields))
	}
	var xyz [3]float32
	for i, f := range fields[:3] {
		val, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return math.Vec3{}, dec.formatError("%s", err)
		}
		xyz[i] = float32(val)
	}
	return math.NewVec3(xyz[0], xyz[1], xyz[2]), nil
}

// resolveIndex turns a 1 based or negative (relative) OBJ index into a 0
// based one.
func (dec *OBJDecoder) resolveIndex(field string, count int, kind string) (int, error) {
	val, err := strconv.ParseInt(field, 10, 32)
	if err != nil {
		return 0, dec.formatError("%s", err)
	}
	var idx int
	switch {
	case val > 0:
		idx = int(val - 1)
	case val < 0:
		idx = count + int(val)
	default:
		return 0, dec.formatError("face %s index equal to 0", kind)
	}
	if idx < 0 || idx >= count {
		return 0, dec.formatError("face %s index %d out of range", kind, val)
	}
	return idx, nil
}

// parseFace parses f v1[/vt1][/vn1] v2... and fans it into triangles.
func (dec *OBJDecoder) parseFace(fields []string) error {
	if len(fields) < 3 {
		return dec.formatError("face with less than 3 corners")
	}
	face := make([]corner, len(fields))
	for i, f := range fields {
		parts := strings.Split(f, "/")
		v, err := dec.resolveIndex(parts[0], len(dec.Vertices), "vertex")
		if err != nil {
			return err
		}
		c := corner{vertex: v, normal: invIndex}
		if len(parts) >= 3 && len(parts[2]) > 0 {
			n, err := dec.resolveIndex(parts[2], len(dec.Normals), "normal")
			if err != nil {
				return err
			}
			c.normal = n
		}
		face[i] = c
	}
	for i := 1; i+1 < len(face); i++ {
		dec.corners = append(dec.corners, face[0], face[i], face[i+1])
	}
	return nil
}

// Triangles returns the number of triangles decoded.
func (dec *OBJDecoder) Triangles() int {
	return len(dec.corners) / 3
}

/**
 * @brief Builds the vertex, normal and index streams. Corners sharing a
 * position and normal share a vertex. If any corner has no normal, every
 * normal is generated from the faces instead.
 */
func (dec *OBJDecoder) Build() (positions []math.Vec3, normals []math.Vec3, indices []uint32) {
	generate := len(dec.Normals) == 0
	for _, c := range dec.corners {
		if c.normal == invIndex {
			generate = true
			break
		}
	}

	lookup := make(map[corner]uint32, len(dec.corners))
	indices = make([]uint32, 0, len(dec.corners))
	for _, c := range dec.corners {
		key := c
		if generate {
			key.normal = invIndex
		}
		idx, ok := lookup[key]
		if !ok {
			idx = uint32(len(positions))
			lookup[key] = idx
			positions = append(positions, dec.Vertices[c.vertex])
			if !generate {
				normals = append(normals, dec.Normals[c.normal])
			}
		}
		indices = append(indices, idx)
	}
	if generate {
		normals = math.GenerateNormals(positions, indices)
	}
	return positions, normals, indices
}

// SourceMesh packs the decoded mesh into little endian GPU ready streams.
func (dec *OBJDecoder) SourceMesh(name string, system metadata.CoordinateSystem, ts metadata.UpdateTimestamp) *metadata.StaticSourceMesh {
	positions, normals, indices := dec.Build()

	format := gputypes.IndexFormatUint32
	if len(positions) < maxUint16Vertices {
		format = gputypes.IndexFormatUint16
	}
	var indexData []byte
	if format == gputypes.IndexFormatUint16 {
		indexData = make([]byte, 0, 2*len(indices))
		for _, i := range indices {
			indexData = binary.LittleEndian.AppendUint16(indexData, uint16(i))
		}
	} else {
		indexData = make([]byte, 0, 4*len(indices))
		for _, i := range indices {
			indexData = binary.LittleEndian.AppendUint32(indexData, i)
		}
	}

	return &metadata.StaticSourceMesh{
		MeshName:  name,
		Vertices:  math.Vec3sToBytes(positions),
		Normals:   math.Vec3sToBytes(normals),
		Indices:   indexData,
		VStride:   vec3Bytes,
		NStride:   vec3Bytes,
		Format:    format,
		System:    system,
		Timestamp: ts,
	}
}
