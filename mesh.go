package terrain

import (
	"unsafe"

	tin "github.com/flywave/go-tin"
	vec3d "github.com/flywave/go3d/float64/vec3"
)

func (m *MeshData) AppendMesh(mesh *tin.Mesh) {
	m.BBox[0] = vec3d.Min((*vec3d.T)(&m.BBox[0]), (*vec3d.T)(&mesh.BBox[0]))
	m.BBox[1] = vec3d.Max((*vec3d.T)(&m.BBox[1]), (*vec3d.T)(&mesh.BBox[1]))

	count := len(m.Vertices)
	for _, f := range mesh.Faces {
		m.Faces = append(m.Faces, [3]int{count + int(f[0]), count + int(f[1]), count + int(f[2])})
	}

	vts := *(*[][3]float64)(unsafe.Pointer(&mesh.Vertices))
	m.Vertices = append(m.Vertices, vts...)

	nls := *(*[][3]float64)(unsafe.Pointer(&mesh.Normals))
	m.Normals = append(m.Normals, nls...)
}

// SetTIN merges lon/lat/height TIN meshes and quantizes them into the tile.
func (t *QuantizedMeshTile) SetTIN(meshes ...*tin.Mesh) {
	data := NewMeshData()
	for _, m := range meshes {
		data.AppendMesh(m)
	}
	t.SetMesh(data)
}

// Extend grows the bounding box to hold every vertex.
func (m *MeshData) Extend() {
	for i := range m.Vertices {
		m.BBox[0] = vec3d.Min((*vec3d.T)(&m.BBox[0]), (*vec3d.T)(&m.Vertices[i]))
		m.BBox[1] = vec3d.Max((*vec3d.T)(&m.BBox[1]), (*vec3d.T)(&m.Vertices[i]))
	}
}

// HeightRange returns the lowest and highest vertex height.
func (m *MeshData) HeightRange() (float64, float64) {
	lo, hi := vec3d.MaxVal[2], vec3d.MinVal[2]
	for _, v := range m.Vertices {
		if v[2] < lo {
			lo = v[2]
		}
		if v[2] > hi {
			hi = v[2]
		}
	}
	return lo, hi
}
