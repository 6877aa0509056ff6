package generator

import (
	"context"

	"github.com/flywave/go-qmterrain/scene"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
	vec3d "github.com/flywave/go3d/float64/vec3"
)

// FlatGenerator produces one textured quad per tile at height zero.
type FlatGenerator struct {
	Resolver
}

func NewFlatGenerator(scheme tiling.Scheme) *FlatGenerator {
	return &FlatGenerator{Resolver: NewResolver(scheme)}
}

func (g *FlatGenerator) Kind() Kind {
	return Flat
}

func (g *FlatGenerator) CreateTile(ctx context.Context, n NodeAddress, tc Context) (*Tile, error) {
	id := g.ResolveAddress(n)
	ext, err := sceneExtent(g.scheme, id, tc)
	if err != nil {
		return nil, tile.Unavailable(id, err)
	}
	x0, x1 := ext.Min[0]-tc.Origin[0], ext.Max[0]-tc.Origin[0]
	z0, z1 := -(ext.Min[1] - tc.Origin[1]), -(ext.Max[1] - tc.Origin[1])

	t := newTile(Flat, id)
	t.BBox = sceneBox(ext, 0, 0, tc)
	t.Epsilon = epsilon(ext, tc)
	t.Geometry = &scene.Geometry{
		Positions: []vec3d.T{{x0, 0, z0}, {x1, 0, z0}, {x1, 0, z1}, {x0, 0, z1}},
		Normals:   []vec3d.T{{0, 1, 0}, {0, 1, 0}, {0, 1, 0}, {0, 1, 0}},
		Indices:   []uint32{0, 1, 2, 0, 2, 3},
	}
	t.Transform = scaleTransform(tc)
	return t, nil
}
