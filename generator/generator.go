// Package generator turns quadtree nodes into renderable terrain tiles.
package generator

import (
	"context"
	"fmt"

	"github.com/flywave/go-qmterrain/scene"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
	vec3d "github.com/flywave/go3d/float64/vec3"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// Kind tags the tile variant a generator produces.
type Kind uint8

const (
	Flat Kind = iota
	Dem
	QuantizedMesh
)

func (k Kind) String() string {
	switch k {
	case Flat:
		return "flat"
	case Dem:
		return "dem"
	case QuantizedMesh:
		return "quantized-mesh"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{Flat, Dem, QuantizedMesh} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown generator %q", s)
}

// NodeAddress is the local address of a quadtree node relative to the base
// tile.
type NodeAddress struct {
	X, Y, Level uint32
}

// Context is the read-only configuration snapshot a tile is built with.
type Context struct {
	Exaggeration   float64
	TileResolution int
	SkirtHeight    float64
	Origin         orb.Point
	Transform      scene.CoordTransform
}

// Tile is the renderable entity bound to a single quadtree node.
type Tile struct {
	ID      uuid.UUID
	Kind    Kind
	Address tile.ID

	BBox    scene.AABB
	Epsilon float64

	Geometry  *scene.Geometry
	Transform scene.Transform
}

// Release drops the geometry so the payload can be collected.
func (t *Tile) Release() {
	t.Geometry = nil
}

// Generator is the capability every tile variant implements.
type Generator interface {
	Kind() Kind
	Scheme() tiling.Scheme
	// ResolveAddress maps a local node address to the tile pyramid.
	ResolveAddress(n NodeAddress) tile.ID
	BaseTile() tile.ID
	SetBaseTile(id tile.ID) error
	SetBaseTileFromExtent(extent orb.Bound) tile.ID
	// MaxLevel is the deepest local level addressable under the base tile.
	MaxLevel() uint32
	// CreateTile builds the tile of a node. It either returns a complete tile
	// or an error, typically wrapping tile.ErrTileUnavailable.
	CreateTile(ctx context.Context, n NodeAddress, tc Context) (*Tile, error)
}

// Resolver anchors a local quadtree to a base tile of a tiling scheme.
type Resolver struct {
	scheme tiling.Scheme
	base   tile.ID
}

func NewResolver(scheme tiling.Scheme) Resolver {
	return Resolver{scheme: scheme}
}

func (r *Resolver) Scheme() tiling.Scheme {
	return r.scheme
}

func (r *Resolver) BaseTile() tile.ID {
	return r.base
}

// SetBaseTile anchors the quadtree to id.
func (r *Resolver) SetBaseTile(id tile.ID) error {
	if err := id.Check(); err != nil {
		return err
	}
	r.base = id
	return nil
}

// SetBaseTileFromExtent anchors the quadtree to the tile best matching extent.
func (r *Resolver) SetBaseTileFromExtent(extent orb.Bound) tile.ID {
	r.base = r.scheme.ExtentToTile(extent)
	return r.base
}

// Extent is the extent of the base tile, i.e. of the quadtree root.
func (r *Resolver) Extent() orb.Bound {
	return r.scheme.TileToExtent(r.base)
}

// MaxLevel is the deepest local level that still maps into the pyramid.
func (r *Resolver) MaxLevel() uint32 {
	return tile.MaxZoom - r.base.Z
}

// Resolve maps local (x, y, level) to (bx*2^level + x, by*2^level + y, bz + level).
// A local address outside the quadtree is a programming error and panics.
func (r *Resolver) Resolve(x, y, level uint32) tile.ID {
	if level > r.MaxLevel() || x >= 1<<level || y >= 1<<level {
		panic(fmt.Errorf("%w: local %d/%d/%d under base %v", tile.ErrInvalidAddress, level, x, y, r.base))
	}
	return tile.ID{
		X: r.base.X<<level + x,
		Y: r.base.Y<<level + y,
		Z: r.base.Z + level,
	}
}

func (r *Resolver) ResolveAddress(n NodeAddress) tile.ID {
	return r.Resolve(n.X, n.Y, n.Level)
}

// sceneExtent transforms a tile extent into the scene CRS.
func sceneExtent(scheme tiling.Scheme, id tile.ID, tc Context) (orb.Bound, error) {
	extent, err := scheme.CheckedTileToExtent(id)
	if err != nil {
		return orb.Bound{}, err
	}
	ct := tc.Transform
	if ct == nil {
		ct = scene.Identity
	}
	return scene.TransformBound(ct, extent)
}

// sceneBox places a scene extent relative to the origin with y up and the
// map y axis inverted into scene z.
func sceneBox(ext orb.Bound, zMin, zMax float64, tc Context) scene.AABB {
	return scene.NewAABB(
		vec3d.T{ext.Min[0] - tc.Origin[0], zMin * tc.Exaggeration, -(ext.Min[1] - tc.Origin[1])},
		vec3d.T{ext.Max[0] - tc.Origin[0], zMax * tc.Exaggeration, -(ext.Max[1] - tc.Origin[1])},
	)
}

func epsilon(ext orb.Bound, tc Context) float64 {
	res := tc.TileResolution
	if res <= 0 {
		res = 1
	}
	return (ext.Max[0] - ext.Min[0]) / float64(res)
}

// ExtentBox is the box of a node before any tile exists for it: its scene
// extent at zero height.
func ExtentBox(g Generator, n NodeAddress, tc Context) (scene.AABB, error) {
	ext, err := sceneExtent(g.Scheme(), g.ResolveAddress(n), tc)
	if err != nil {
		return scene.AABB{}, err
	}
	return sceneBox(ext, 0, 0, tc), nil
}

func scaleTransform(tc Context) scene.Transform {
	return scene.Transform{Scale: vec3d.T{1, tc.Exaggeration, 1}}
}

func newTile(kind Kind, id tile.ID) *Tile {
	return &Tile{ID: uuid.New(), Kind: kind, Address: id}
}
