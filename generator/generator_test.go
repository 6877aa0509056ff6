package generator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/flywave/go-qmterrain/config"
	"github.com/flywave/go-qmterrain/internal/qmtest"
	"github.com/flywave/go-qmterrain/scene"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
	vec3d "github.com/flywave/go3d/float64/vec3"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
)

var base = tile.ID{X: 7, Y: 5, Z: 3}

func TestResolve(t *testing.T) {
	tests := []struct {
		base    tile.ID
		x, y, l uint32
		want    tile.ID
	}{
		{tile.ID{X: 1, Y: 1, Z: 0}, 5, 2, 3, tile.ID{X: 13, Y: 10, Z: 3}},
		{tile.ID{X: 7, Y: 5, Z: 3}, 0, 0, 0, tile.ID{X: 7, Y: 5, Z: 3}},
		{tile.ID{X: 7, Y: 5, Z: 3}, 1, 0, 1, tile.ID{X: 15, Y: 10, Z: 4}},
		{tile.ID{X: 0, Y: 0, Z: 0}, 1023, 511, 10, tile.ID{X: 1023, Y: 511, Z: 10}},
	}
	for _, tt := range tests {
		r := Resolver{scheme: tiling.Geographic(), base: tt.base}
		if got := r.Resolve(tt.x, tt.y, tt.l); got != tt.want {
			t.Errorf("Resolve(%d, %d, %d) under %v = %v, want %v", tt.x, tt.y, tt.l, tt.base, got, tt.want)
		}
	}
}

func TestResolveInvalidPanics(t *testing.T) {
	r := NewResolver(tiling.Geographic())
	if err := r.SetBaseTile(base); err != nil {
		t.Fatal(err)
	}
	for _, n := range []NodeAddress{{X: 2, Y: 0, Level: 1}, {X: 0, Y: 4, Level: 2}, {Level: 28}} {
		func() {
			defer func() {
				err, _ := recover().(error)
				if !errors.Is(err, tile.ErrInvalidAddress) {
					t.Errorf("ResolveAddress(%+v) panicked with %v, want ErrInvalidAddress", n, err)
				}
			}()
			r.ResolveAddress(n)
		}()
	}
}

func TestSetBaseTileFromExtent(t *testing.T) {
	r := NewResolver(tiling.Geographic())
	got := r.SetBaseTileFromExtent(orb.Bound{Min: orb.Point{-10, 30}, Max: orb.Point{10, 50}})
	if got != base {
		t.Fatalf("base tile = %v, want %v", got, base)
	}
	want := orb.Bound{Min: orb.Point{-22.5, 22.5}, Max: orb.Point{0, 45}}
	if diff := cmp.Diff(want, r.Extent()); diff != "" {
		t.Errorf("extent mismatch (-want +got):\n%s", diff)
	}
	if got := r.MaxLevel(); got != 27 {
		t.Errorf("MaxLevel() = %d, want 27", got)
	}
	if err := r.SetBaseTile(tile.ID{X: 8, Y: 0, Z: 3}); !errors.Is(err, tile.ErrInvalidAddress) {
		t.Errorf("SetBaseTile of an invalid tile = %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	g := NewQuantizedMeshGenerator(nil)
	if err := g.SetBaseTile(base); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := g.WriteXML(&buf); err != nil {
		t.Fatalf("WriteXML failed: %v", err)
	}
	for _, attr := range []string{`base-x="7"`, `base-y="5"`, `base-z="3"`} {
		if !strings.Contains(buf.String(), attr) {
			t.Errorf("record %s lacks %s", buf.String(), attr)
		}
	}

	restored := NewQuantizedMeshGenerator(nil)
	if err := restored.ReadXML(&buf); err != nil {
		t.Fatalf("ReadXML failed: %v", err)
	}
	if got := restored.BaseTile(); got != base {
		t.Errorf("restored base tile = %v, want %v", got, base)
	}
	if diff := cmp.Diff(g.Scheme(), restored.Scheme()); diff != "" {
		t.Errorf("scheme mismatch (-want +got):\n%s", diff)
	}
}

func TestReadXMLCorrupt(t *testing.T) {
	tests := []string{
		`not xml`,
		`<generator type="quantized-mesh" base-x="a" base-y="1" base-z="1"/>`,
		`<generator type="quantized-mesh" base-x="1" base-y="1"/>`,
		`<generator type="quantized-mesh" base-x="8" base-y="0" base-z="3"/>`,
		`<generator type="flat" base-x="0" base-y="0" base-z="0"/>`,
	}
	for _, rec := range tests {
		g := NewQuantizedMeshGenerator(nil)
		if err := g.ReadXML(strings.NewReader(rec)); !errors.Is(err, config.ErrConfiguration) {
			t.Errorf("ReadXML(%q) = %v, want ErrConfiguration", rec, err)
		}
	}
}

func inflate(b scene.AABB, tol float64) scene.AABB {
	return scene.AABB{
		Min: vec3d.T{b.Min[0] - tol, b.Min[1] - tol, b.Min[2] - tol},
		Max: vec3d.T{b.Max[0] + tol, b.Max[1] + tol, b.Max[2] + tol},
	}
}

func checkContained(t *testing.T, tl *Tile) {
	t.Helper()
	box := inflate(tl.BBox, 1e-6)
	for i, p := range tl.Geometry.Positions {
		if q := tl.Transform.Apply(p); !box.Contains(q) {
			t.Errorf("vertex %d at %v outside %+v", i, q, tl.BBox)
		}
	}
}

func TestQuantizedMeshCreateTile(t *testing.T) {
	scheme := tiling.Geographic()
	src := qmtest.DirSource(t, map[tile.ID][]byte{
		base: qmtest.GridTile(t, scheme.TileToExtent(base), 9, qmtest.Slope),
	})
	g := NewQuantizedMeshGenerator(src)
	if err := g.SetBaseTile(base); err != nil {
		t.Fatal(err)
	}
	tc := Context{Exaggeration: 2, TileResolution: 225, Origin: orb.Point{-10, 30}}

	tl, err := g.CreateTile(context.Background(), NodeAddress{}, tc)
	if err != nil {
		t.Fatalf("CreateTile failed: %v", err)
	}
	if tl.Kind != QuantizedMesh || tl.Address != base {
		t.Errorf("tile kind %v address %v", tl.Kind, tl.Address)
	}
	if math.Abs(tl.Epsilon-0.1) > 1e-12 {
		t.Errorf("Epsilon = %v, want 0.1", tl.Epsilon)
	}

	lo, hi := qmtest.Slope(-22.5, 22.5), qmtest.Slope(0, 45)
	want := scene.AABB{Min: vec3d.T{-12.5, lo * 2, -15}, Max: vec3d.T{10, hi * 2, 7.5}}
	if diff := cmp.Diff(want, tl.BBox, cmp.Comparer(func(a, b float64) bool { return math.Abs(a-b) < 1e-3 })); diff != "" {
		t.Errorf("bbox mismatch (-want +got):\n%s", diff)
	}
	if got := len(tl.Geometry.Positions); got != 81 {
		t.Errorf("got %d vertices, want 81", got)
	}
	if got := tl.Geometry.TriangleCount(); got != 128 {
		t.Errorf("got %d triangles, want 128", got)
	}
	checkContained(t, tl)

	tc.SkirtHeight = 5
	skirted, err := g.CreateTile(context.Background(), NodeAddress{}, tc)
	if err != nil {
		t.Fatalf("CreateTile with skirts failed: %v", err)
	}
	if got := skirted.Geometry.TriangleCount(); got != 128+4*8*2 {
		t.Errorf("got %d triangles with skirts, want %d", got, 128+4*8*2)
	}
	if got := skirted.BBox.Min[1]; math.Abs(got-(lo-5)*2) > 1e-3 {
		t.Errorf("skirted bbox bottom = %v, want %v", got, (lo-5)*2)
	}
	checkContained(t, skirted)
}

func TestQuantizedMeshUnavailable(t *testing.T) {
	g := NewQuantizedMeshGenerator(qmtest.DirSource(t, nil))
	if err := g.SetBaseTile(base); err != nil {
		t.Fatal(err)
	}
	tl, err := g.CreateTile(context.Background(), NodeAddress{X: 1, Y: 1, Level: 1}, Context{Exaggeration: 1, TileResolution: 64})
	if !errors.Is(err, tile.ErrTileUnavailable) {
		t.Errorf("CreateTile = %v, want ErrTileUnavailable", err)
	}
	if tl != nil {
		t.Error("CreateTile returned a partial tile")
	}
}

func TestQuantizedMeshCorruptPayload(t *testing.T) {
	g := NewQuantizedMeshGenerator(qmtest.DirSource(t, map[tile.ID][]byte{base: []byte("garbage")}))
	if err := g.SetBaseTile(base); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CreateTile(context.Background(), NodeAddress{}, Context{Exaggeration: 1, TileResolution: 64}); !errors.Is(err, tile.ErrTileUnavailable) {
		t.Errorf("CreateTile = %v, want ErrTileUnavailable", err)
	}
}

func TestFlatCreateTile(t *testing.T) {
	g := NewFlatGenerator(tiling.Geographic())
	if err := g.SetBaseTile(base); err != nil {
		t.Fatal(err)
	}
	tl, err := g.CreateTile(context.Background(), NodeAddress{X: 1, Y: 0, Level: 1}, Context{Exaggeration: 1, TileResolution: 64})
	if err != nil {
		t.Fatalf("CreateTile failed: %v", err)
	}
	if tl.Address != (tile.ID{X: 15, Y: 10, Z: 4}) {
		t.Errorf("address = %v", tl.Address)
	}
	want := scene.AABB{Min: vec3d.T{-11.25, 0, -33.75}, Max: vec3d.T{0, 0, -22.5}}
	if diff := cmp.Diff(want, tl.BBox); diff != "" {
		t.Errorf("bbox mismatch (-want +got):\n%s", diff)
	}
	checkContained(t, tl)
}

func demPayload(heights []float32) []byte {
	data := make([]byte, len(heights)*4)
	for i, h := range heights {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(h))
	}
	return data
}

func TestDemCreateTile(t *testing.T) {
	src := qmtest.DirSource(t, map[tile.ID][]byte{
		base:                      demPayload([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}),
		{X: 14, Y: 10, Z: 4}: demPayload([]float32{1, 2}),
	})
	g := NewDemGenerator(tiling.Geographic(), src, 3)
	if err := g.SetBaseTile(base); err != nil {
		t.Fatal(err)
	}
	tc := Context{Exaggeration: 3, TileResolution: 225}

	tl, err := g.CreateTile(context.Background(), NodeAddress{}, tc)
	if err != nil {
		t.Fatalf("CreateTile failed: %v", err)
	}
	if tl.BBox.Min[1] != 3 || tl.BBox.Max[1] != 27 {
		t.Errorf("vertical range [%v, %v], want [3, 27]", tl.BBox.Min[1], tl.BBox.Max[1])
	}
	if got := tl.Geometry.TriangleCount(); got != 8 {
		t.Errorf("got %d triangles, want 8", got)
	}
	checkContained(t, tl)

	if _, err := g.CreateTile(context.Background(), NodeAddress{X: 0, Y: 0, Level: 1}, tc); !errors.Is(err, tile.ErrTileUnavailable) {
		t.Errorf("CreateTile of a short payload = %v, want ErrTileUnavailable", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Flat, Dem, QuantizedMesh} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("voxel"); err == nil {
		t.Error("ParseKind accepted an unknown generator")
	}
}
