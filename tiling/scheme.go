// Package tiling maps tile addresses to geographic extents.
package tiling

import (
	"math"

	"github.com/flywave/go-qmterrain/tile"
	"github.com/paulmach/orb"
)

// zoomTolerance absorbs rounding in extents produced by TileToExtent so that
// they resolve back to their own level.
const zoomTolerance = 1e-6

// Scheme subdivides a fixed root extent into a 2^z x 2^z grid per level.
// Tile rows are counted from the minimum y of the root extent.
type Scheme struct {
	Extent orb.Bound
	CRS    string
}

// Geographic returns the western hemisphere root used by quantized-mesh
// tilesets in EPSG:4326.
func Geographic() Scheme {
	return New(orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{0, 90}}, "EPSG:4326")
}

func New(extent orb.Bound, crs string) Scheme {
	return Scheme{Extent: extent, CRS: crs}
}

func (s Scheme) tileSize(z uint32) (float64, float64) {
	n := float64(uint64(1) << z)
	return (s.Extent.Max[0] - s.Extent.Min[0]) / n, (s.Extent.Max[1] - s.Extent.Min[1]) / n
}

// TileToExtent returns the rectangle covered by id. Passing an invalid id is
// a programming error and panics.
func (s Scheme) TileToExtent(id tile.ID) orb.Bound {
	b, err := s.CheckedTileToExtent(id)
	if err != nil {
		panic(err)
	}
	return b
}

func (s Scheme) CheckedTileToExtent(id tile.ID) (orb.Bound, error) {
	if err := id.Check(); err != nil {
		return orb.Bound{}, err
	}
	w, h := s.tileSize(id.Z)
	x0 := s.Extent.Min[0] + float64(id.X)*w
	y0 := s.Extent.Min[1] + float64(id.Y)*h
	x1 := s.Extent.Min[0] + float64(id.X+1)*w
	y1 := s.Extent.Min[1] + float64(id.Y+1)*h
	return orb.Bound{Min: orb.Point{x0, y0}, Max: orb.Point{x1, y1}}, nil
}

// ExtentToTile picks the level whose cells are the smallest ones still at
// least as large as the extent, then the cell holding the extent centre.
func (s Scheme) ExtentToTile(extent orb.Bound) tile.ID {
	z := s.zoomFor(extent)
	w, h := s.tileSize(z)
	c := extent.Center()
	n := int64(1) << z
	x := clampCell(int64(math.Floor((c[0]-s.Extent.Min[0])/w)), n)
	y := clampCell(int64(math.Floor((c[1]-s.Extent.Min[1])/h)), n)
	return tile.ID{X: uint32(x), Y: uint32(y), Z: z}
}

func (s Scheme) zoomFor(extent orb.Bound) uint32 {
	ew := extent.Max[0] - extent.Min[0]
	eh := extent.Max[1] - extent.Min[1]
	ratio := math.Inf(1)
	if ew > 0 {
		ratio = (s.Extent.Max[0] - s.Extent.Min[0]) / ew
	}
	if eh > 0 {
		ratio = math.Min(ratio, (s.Extent.Max[1]-s.Extent.Min[1])/eh)
	}
	if ratio <= 1 {
		return 0
	}
	z := math.Floor(math.Log2(ratio) + zoomTolerance)
	if z > tile.MaxZoom || math.IsInf(z, 1) {
		return tile.MaxZoom
	}
	return uint32(z)
}

func clampCell(v, n int64) int64 {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
