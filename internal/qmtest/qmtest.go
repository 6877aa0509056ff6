// Package qmtest builds quantized-mesh fixtures for tests.
package qmtest

import (
	"bytes"
	"path/filepath"
	"testing"

	terrain "github.com/flywave/go-qmterrain"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/paulmach/orb"
)

// GridMesh samples height on an n x n grid spanning extent.
func GridMesh(extent orb.Bound, n int, height func(x, y float64) float64) *terrain.MeshData {
	mesh := terrain.NewMeshData()
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			x := extent.Min[0] + (extent.Max[0]-extent.Min[0])*float64(i)/float64(n-1)
			y := extent.Min[1] + (extent.Max[1]-extent.Min[1])*float64(j)/float64(n-1)
			mesh.Vertices = append(mesh.Vertices, [3]float64{x, y, height(x, y)})
		}
	}
	for j := 0; j < n-1; j++ {
		for i := 0; i < n-1; i++ {
			a := j*n + i
			mesh.Faces = append(mesh.Faces, [3]int{a, a + 1, a + n}, [3]int{a + 1, a + n + 1, a + n})
		}
	}
	mesh.Extend()
	mesh.BBox[0][0], mesh.BBox[0][1] = extent.Min[0], extent.Min[1]
	mesh.BBox[1][0], mesh.BBox[1][1] = extent.Max[0], extent.Max[1]
	return mesh
}

// GridTile encodes GridMesh as a quantized-mesh payload.
func GridTile(tb testing.TB, extent orb.Bound, n int, height func(x, y float64) float64) []byte {
	tb.Helper()
	t := new(terrain.QuantizedMeshTile)
	t.SetMesh(GridMesh(extent, n, height))
	var buf bytes.Buffer
	if err := t.Write(&buf); err != nil {
		tb.Fatalf("Write failed: %v", err)
	}
	return buf.Bytes()
}

// Slope is a height function rising eastwards and northwards.
func Slope(x, y float64) float64 {
	return 100 + 10*x + 5*y
}

// DirSource writes tiles into a temporary directory source.
func DirSource(tb testing.TB, tiles map[tile.ID][]byte) *tile.DirSource {
	tb.Helper()
	src, err := tile.NewDirSource(filepath.Join(tb.TempDir(), tile.DefaultPattern))
	if err != nil {
		tb.Fatalf("NewDirSource failed: %v", err)
	}
	for id, data := range tiles {
		if err := src.WriteTile(id, data); err != nil {
			tb.Fatalf("WriteTile(%v) failed: %v", id, err)
		}
	}
	return src
}
