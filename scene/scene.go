// Package scene holds the geometry types exchanged with the rendering engine
// and the host coordinate transform.
package scene

import (
	"math"

	vec3d "github.com/flywave/go3d/float64/vec3"
)

// AABB is an axis aligned box in scene coordinates (x east, y up, z south).
type AABB struct {
	Min vec3d.T
	Max vec3d.T
}

// NewAABB builds a box from two opposite corners given in any order.
func NewAABB(a, b vec3d.T) AABB {
	return AABB{Min: vec3d.Min(&a, &b), Max: vec3d.Max(&a, &b)}
}

// DistanceFromPoint is zero for points inside the box.
func (b AABB) DistanceFromPoint(p vec3d.T) float64 {
	dx := math.Max(math.Max(b.Min[0]-p[0], 0), p[0]-b.Max[0])
	dy := math.Max(math.Max(b.Min[1]-p[1], 0), p[1]-b.Max[1])
	dz := math.Max(math.Max(b.Min[2]-p[2], 0), p[2]-b.Max[2])
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (b AABB) Contains(p vec3d.T) bool {
	return p[0] >= b.Min[0] && p[0] <= b.Max[0] &&
		p[1] >= b.Min[1] && p[1] <= b.Max[1] &&
		p[2] >= b.Min[2] && p[2] <= b.Max[2]
}

func (b AABB) Center() vec3d.T {
	return vec3d.T{(b.Min[0] + b.Max[0]) / 2, (b.Min[1] + b.Max[1]) / 2, (b.Min[2] + b.Max[2]) / 2}
}

// Camera is the subset of camera state the LOD decision needs.
type Camera struct {
	Position vec3d.T
	// FieldOfView is the vertical field of view in degrees.
	FieldOfView float64
	// ScreenSize is the viewport size in pixels along the same axis.
	ScreenSize int
}

// ScreenSpaceError projects a world-space error at distance onto the screen
// in pixels.
func (c Camera) ScreenSpaceError(epsilon, distance float64) float64 {
	phi := c.FieldOfView * math.Pi / 180
	screenSizeWorld := 2 * distance * math.Tan(phi/2)
	if screenSizeWorld <= 0 {
		return math.Inf(1)
	}
	return epsilon * float64(c.ScreenSize) / screenSizeWorld
}

// Geometry is an indexed triangle list in local scene coordinates.
type Geometry struct {
	Positions []vec3d.T
	Normals   []vec3d.T
	Indices   []uint32
}

func (g *Geometry) TriangleCount() int {
	return len(g.Indices) / 3
}

// Transform positions a tile: scale first, then translation.
type Transform struct {
	Translation vec3d.T
	Scale       vec3d.T
}

// Apply maps a local geometry position into the scene.
func (t Transform) Apply(p vec3d.T) vec3d.T {
	return vec3d.T{
		p[0]*t.Scale[0] + t.Translation[0],
		p[1]*t.Scale[1] + t.Translation[1],
		p[2]*t.Scale[2] + t.Translation[2],
	}
}
