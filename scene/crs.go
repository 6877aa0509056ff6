package scene

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// CoordTransform converts points from the terrain CRS to the scene CRS. It is
// treated as a pure function.
type CoordTransform interface {
	Forward(p orb.Point) (orb.Point, error)
}

type identity struct{}

func (identity) Forward(p orb.Point) (orb.Point, error) { return p, nil }

// Identity is used when the terrain and the scene share a CRS.
var Identity CoordTransform = identity{}

type webMercator struct{}

// mercatorMaxLat is the latitude at which web mercator becomes square.
const mercatorMaxLat = 85.0511287798

func (webMercator) Forward(p orb.Point) (orb.Point, error) {
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
		return orb.Point{}, fmt.Errorf("invalid point %v", p)
	}
	lat := math.Max(-mercatorMaxLat, math.Min(mercatorMaxLat, p[1]))
	return project.WGS84.ToMercator(orb.Point{p[0], lat}), nil
}

// WebMercator projects EPSG:4326 degrees to EPSG:3857 metres. Latitudes
// beyond the mercator limit are clamped to it.
var WebMercator CoordTransform = webMercator{}

// ForCRS returns the transform from EPSG:4326 to the named scene CRS.
func ForCRS(crs string) (CoordTransform, error) {
	switch crs {
	case "", "EPSG:4326":
		return Identity, nil
	case "EPSG:3857", "EPSG:900913":
		return WebMercator, nil
	}
	return nil, fmt.Errorf("unsupported scene crs %q", crs)
}

// TransformBound transforms a rectangle by its corners and edge midpoints and
// returns the bounding rectangle of the result.
func TransformBound(ct CoordTransform, b orb.Bound) (orb.Bound, error) {
	mx, my := (b.Min[0]+b.Max[0])/2, (b.Min[1]+b.Max[1])/2
	pts := []orb.Point{
		b.Min, {b.Max[0], b.Min[1]}, b.Max, {b.Min[0], b.Max[1]},
		{mx, b.Min[1]}, {b.Max[0], my}, {mx, b.Max[1]}, {b.Min[0], my},
	}
	out := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, p := range pts {
		q, err := ct.Forward(p)
		if err != nil {
			return orb.Bound{}, err
		}
		out = out.Extend(q)
	}
	return out, nil
}
