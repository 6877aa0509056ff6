package generator

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"

	terrain "github.com/flywave/go-qmterrain"
	"github.com/flywave/go-qmterrain/config"
	"github.com/flywave/go-qmterrain/scene"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
	vec3d "github.com/flywave/go3d/float64/vec3"
	"github.com/paulmach/orb"
)

// Decoder loads quantized-mesh payloads from a tile source.
type Decoder struct {
	Source tile.Source
}

// Load fetches the tile if missing and parses it. Every failure is reported
// as tile.ErrTileUnavailable.
func (d *Decoder) Load(ctx context.Context, id tile.ID) (*terrain.QuantizedMeshTile, error) {
	if err := d.Source.EnsureAvailable(ctx, id); err != nil {
		return nil, tile.Unavailable(id, err)
	}
	data, err := d.Source.ReadTile(id)
	if err != nil {
		return nil, tile.Unavailable(id, err)
	}
	qmt, err := terrain.Decode(data)
	if err != nil {
		return nil, tile.Unavailable(id, err)
	}
	return qmt, nil
}

// QuantizedMeshGenerator builds tiles from a quantized-mesh tileset in the
// geographic tiling scheme.
type QuantizedMeshGenerator struct {
	Resolver
	decoder Decoder
}

func NewQuantizedMeshGenerator(src tile.Source) *QuantizedMeshGenerator {
	return &QuantizedMeshGenerator{
		Resolver: NewResolver(tiling.Geographic()),
		decoder:  Decoder{Source: src},
	}
}

func (g *QuantizedMeshGenerator) Kind() Kind {
	return QuantizedMesh
}

func (g *QuantizedMeshGenerator) CreateTile(ctx context.Context, n NodeAddress, tc Context) (*Tile, error) {
	id := g.ResolveAddress(n)
	extent := g.scheme.TileToExtent(id)
	ext, err := sceneExtent(g.scheme, id, tc)
	if err != nil {
		return nil, tile.Unavailable(id, err)
	}

	qmt, err := g.decoder.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	mesh, err := qmt.GetMesh(extent)
	if err != nil {
		return nil, tile.Unavailable(id, err)
	}
	geom, err := meshGeometry(mesh, qmt, tc)
	if err != nil {
		return nil, tile.Unavailable(id, err)
	}

	t := newTile(QuantizedMesh, id)
	skirt := tc.SkirtHeight
	t.BBox = sceneBox(ext, float64(qmt.Header.MinimumHeight)-skirt, float64(qmt.Header.MaximumHeight), tc)
	t.Epsilon = epsilon(ext, tc)
	t.Geometry = geom
	t.Transform = scaleTransform(tc)
	return t, nil
}

// meshGeometry converts de-quantized vertices to local scene coordinates.
// Heights stay unscaled; exaggeration lives in the tile transform.
func meshGeometry(mesh *terrain.MeshData, qmt *terrain.QuantizedMeshTile, tc Context) (*scene.Geometry, error) {
	ct := tc.Transform
	if ct == nil {
		ct = scene.Identity
	}
	geom := &scene.Geometry{
		Positions: make([]vec3d.T, len(mesh.Vertices)),
		Indices:   make([]uint32, 0, len(mesh.Faces)*3),
	}
	for i, v := range mesh.Vertices {
		p, err := ct.Forward(orb.Point{v[0], v[1]})
		if err != nil {
			return nil, err
		}
		geom.Positions[i] = vec3d.T{p[0] - tc.Origin[0], v[2], -(p[1] - tc.Origin[1])}
	}
	for _, f := range mesh.Faces {
		geom.Indices = append(geom.Indices, uint32(f[0]), uint32(f[1]), uint32(f[2]))
	}
	if tc.SkirtHeight > 0 {
		addSkirts(geom, qmt, tc.SkirtHeight)
	}
	return geom, nil
}

// addSkirts hangs a vertical strip below every tile edge to hide cracks
// between neighbours of different levels.
func addSkirts(geom *scene.Geometry, qmt *terrain.QuantizedMeshTile, height float64) {
	edges := []struct {
		indices []uint32
		along   []uint16
	}{
		{qmt.Index.West, qmt.Data.V},
		{qmt.Index.South, qmt.Data.U},
		{qmt.Index.East, qmt.Data.V},
		{qmt.Index.North, qmt.Data.U},
	}
	for _, e := range edges {
		if len(e.indices) < 2 {
			continue
		}
		sorted := append([]uint32(nil), e.indices...)
		sort.Slice(sorted, func(i, j int) bool { return e.along[sorted[i]] < e.along[sorted[j]] })

		first := uint32(len(geom.Positions))
		for _, idx := range sorted {
			p := geom.Positions[idx]
			geom.Positions = append(geom.Positions, vec3d.T{p[0], p[1] - height, p[2]})
		}
		for k := 0; k+1 < len(sorted); k++ {
			a, b := sorted[k], sorted[k+1]
			as, bs := first+uint32(k), first+uint32(k+1)
			geom.Indices = append(geom.Indices, a, as, b, b, as, bs)
		}
	}
}

// Record is the persisted generator configuration.
type Record struct {
	XMLName xml.Name `xml:"generator"`
	Type    string   `xml:"type,attr"`
	BaseX   string   `xml:"base-x,attr"`
	BaseY   string   `xml:"base-y,attr"`
	BaseZ   string   `xml:"base-z,attr"`
}

func (g *QuantizedMeshGenerator) Record() Record {
	return Record{
		Type:  QuantizedMesh.String(),
		BaseX: strconv.FormatUint(uint64(g.base.X), 10),
		BaseY: strconv.FormatUint(uint64(g.base.Y), 10),
		BaseZ: strconv.FormatUint(uint64(g.base.Z), 10),
	}
}

func (g *QuantizedMeshGenerator) WriteXML(w io.Writer) error {
	enc := xml.NewEncoder(w)
	if err := enc.Encode(g.Record()); err != nil {
		return err
	}
	return enc.Flush()
}

// ReadXML restores the base tile. The tiling scheme is not persisted and is
// always the geographic one. Once the generator drives a lod.Terrain, use
// Terrain.ReadRecord so the quadtree is rebuilt.
func (g *QuantizedMeshGenerator) ReadXML(r io.Reader) error {
	var rec Record
	if err := xml.NewDecoder(r).Decode(&rec); err != nil {
		return fmt.Errorf("%w: generator record: %w", config.ErrConfiguration, err)
	}
	return g.SetRecord(rec)
}

// SetRecord validates rec before touching the base tile.
func (g *QuantizedMeshGenerator) SetRecord(rec Record) error {
	if rec.Type != QuantizedMesh.String() {
		return fmt.Errorf("%w: generator type %q", config.ErrConfiguration, rec.Type)
	}
	var v [3]uint32
	for i, s := range []string{rec.BaseX, rec.BaseY, rec.BaseZ} {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: base tile: %w", config.ErrConfiguration, err)
		}
		v[i] = uint32(n)
	}
	if err := g.SetBaseTile(tile.ID{X: v[0], Y: v[1], Z: v[2]}); err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	return nil
}
