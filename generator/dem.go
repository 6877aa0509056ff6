package generator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/flywave/go-qmterrain/scene"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
	vec3d "github.com/flywave/go3d/float64/vec3"
)

// DemGenerator builds a regular grid mesh from raw elevation tiles: res x res
// little-endian float32 samples, row 0 at the north edge.
type DemGenerator struct {
	Resolver
	source     tile.Source
	resolution int
}

func NewDemGenerator(scheme tiling.Scheme, src tile.Source, resolution int) *DemGenerator {
	return &DemGenerator{Resolver: NewResolver(scheme), source: src, resolution: resolution}
}

func (g *DemGenerator) Kind() Kind {
	return Dem
}

func (g *DemGenerator) loadHeights(ctx context.Context, id tile.ID) ([]float32, error) {
	if err := g.source.EnsureAvailable(ctx, id); err != nil {
		return nil, err
	}
	data, err := g.source.ReadTile(id)
	if err != nil {
		return nil, err
	}
	want := g.resolution * g.resolution * 4
	if len(data) != want {
		return nil, fmt.Errorf("dem payload has %d bytes, want %d", len(data), want)
	}
	heights := make([]float32, g.resolution*g.resolution)
	for i := range heights {
		heights[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return heights, nil
}

func (g *DemGenerator) CreateTile(ctx context.Context, n NodeAddress, tc Context) (*Tile, error) {
	id := g.ResolveAddress(n)
	if g.resolution < 2 {
		return nil, tile.Unavailable(id, fmt.Errorf("dem resolution %d", g.resolution))
	}
	ext, err := sceneExtent(g.scheme, id, tc)
	if err != nil {
		return nil, tile.Unavailable(id, err)
	}
	heights, err := g.loadHeights(ctx, id)
	if err != nil {
		return nil, tile.Unavailable(id, err)
	}

	res := g.resolution
	x0 := ext.Min[0] - tc.Origin[0]
	zNorth := -(ext.Max[1] - tc.Origin[1])
	dx := (ext.Max[0] - ext.Min[0]) / float64(res-1)
	dz := (ext.Max[1] - ext.Min[1]) / float64(res-1)

	geom := &scene.Geometry{Positions: make([]vec3d.T, 0, res*res)}
	lo, hi := math.Inf(1), math.Inf(-1)
	for row := 0; row < res; row++ {
		for col := 0; col < res; col++ {
			h := float64(heights[row*res+col])
			lo, hi = math.Min(lo, h), math.Max(hi, h)
			geom.Positions = append(geom.Positions, vec3d.T{x0 + float64(col)*dx, h, zNorth + float64(row)*dz})
		}
	}
	for row := 0; row+1 < res; row++ {
		for col := 0; col+1 < res; col++ {
			a := uint32(row*res + col)
			r := uint32(res)
			geom.Indices = append(geom.Indices, a, a+r, a+1, a+1, a+r, a+r+1)
		}
	}

	t := newTile(Dem, id)
	t.BBox = sceneBox(ext, lo, hi, tc)
	t.Epsilon = epsilon(ext, tc)
	t.Geometry = geom
	t.Transform = scaleTransform(tc)
	return t, nil
}
