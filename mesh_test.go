package terrain_test

import (
	"bytes"
	"math"
	"testing"

	terrain "github.com/flywave/go-qmterrain"
	"github.com/flywave/go-qmterrain/internal/qmtest"
	tin "github.com/flywave/go-tin"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
)

func TestGetMesh(t *testing.T) {
	extent := orb.Bound{Min: orb.Point{-22.5, 22.5}, Max: orb.Point{0, 45}}
	data := qmtest.GridTile(t, extent, 9, qmtest.Slope)

	tile, err := terrain.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	mesh, err := tile.GetMesh(extent)
	if err != nil {
		t.Fatalf("GetMesh failed: %v", err)
	}
	if got, want := len(mesh.Vertices), 81; got != want {
		t.Fatalf("len(Vertices) = %d, want %d", got, want)
	}
	if got, want := len(mesh.Faces), 2*8*8; got != want {
		t.Errorf("len(Faces) = %d, want %d", got, want)
	}

	minH, maxH := float64(tile.Header.MinimumHeight), float64(tile.Header.MaximumHeight)
	heightStep := (maxH - minH) / terrain.QUANTIZED_COORDINATE_SIZE
	for _, v := range mesh.Vertices {
		if !extent.Contains(orb.Point{v[0], v[1]}) {
			t.Errorf("vertex %v outside extent", v)
		}
		if v[2] < minH || v[2] > maxH {
			t.Errorf("vertex height %v outside [%v, %v]", v[2], minH, maxH)
		}
		if want := qmtest.Slope(v[0], v[1]); math.Abs(v[2]-want) > heightStep+1e-3 {
			t.Errorf("vertex height %v, want %v", v[2], want)
		}
	}
	if got := len(tile.Index.West); got != 9 {
		t.Errorf("len(West) = %d, want 9", got)
	}
	if got := len(tile.Index.North); got != 9 {
		t.Errorf("len(North) = %d, want 9", got)
	}
}

func TestDecodeGzip(t *testing.T) {
	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	raw := qmtest.GridTile(t, extent, 3, qmtest.Slope)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(raw)
	gz.Close()

	tile, err := terrain.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode(gzip) failed: %v", err)
	}
	if tile.Data.VertexCount != 9 {
		t.Errorf("VertexCount = %d, want 9", tile.Data.VertexCount)
	}
}

func TestAppendEmptyTIN(t *testing.T) {
	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	mesh := qmtest.GridMesh(extent, 3, qmtest.Slope)
	n, faces := len(mesh.Vertices), len(mesh.Faces)

	mesh.AppendMesh(new(tin.Mesh))
	if len(mesh.Vertices) != n || len(mesh.Faces) != faces {
		t.Errorf("empty TIN changed the mesh to %d vertices, %d faces", len(mesh.Vertices), len(mesh.Faces))
	}
	if lo, hi := mesh.HeightRange(); lo != qmtest.Slope(0, 0) || hi != qmtest.Slope(1, 1) {
		t.Errorf("HeightRange() = %v, %v", lo, hi)
	}

	var tile terrain.QuantizedMeshTile
	tile.SetTIN(new(tin.Mesh))
	if tile.Data.VertexCount != 0 || len(tile.Index.Triangles) != 0 {
		t.Errorf("SetTIN of an empty TIN produced %d vertices", tile.Data.VertexCount)
	}
}
