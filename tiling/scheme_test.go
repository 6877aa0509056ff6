package tiling_test

import (
	"errors"
	"testing"

	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
)

func TestTileToExtent(t *testing.T) {
	s := tiling.Geographic()
	tests := []struct {
		id   tile.ID
		want orb.Bound
	}{
		{tile.ID{}, orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{0, 90}}},
		{tile.ID{X: 1, Y: 0, Z: 1}, orb.Bound{Min: orb.Point{-90, -90}, Max: orb.Point{0, 0}}},
		{tile.ID{X: 7, Y: 5, Z: 3}, orb.Bound{Min: orb.Point{-22.5, 22.5}, Max: orb.Point{0, 45}}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, s.TileToExtent(tt.id)); diff != "" {
			t.Errorf("TileToExtent(%v) mismatch (-want+got):\n%v", tt.id, diff)
		}
	}
}

func TestCheckedTileToExtentInvalid(t *testing.T) {
	s := tiling.Geographic()
	if _, err := s.CheckedTileToExtent(tile.ID{X: 2, Z: 1}); !errors.Is(err, tile.ErrInvalidAddress) {
		t.Errorf("CheckedTileToExtent() = %v, want ErrInvalidAddress", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("TileToExtent(invalid) did not panic")
		}
	}()
	s.TileToExtent(tile.ID{X: 2, Z: 1})
}

func TestExtentToTileRoundTrip(t *testing.T) {
	schemes := []tiling.Scheme{
		tiling.Geographic(),
		tiling.New(orb.Bound{Min: orb.Point{-20037508.342789244, -20037508.342789244}, Max: orb.Point{20037508.342789244, 20037508.342789244}}, "EPSG:3857"),
		tiling.New(orb.Bound{Min: orb.Point{0.1, 0.3}, Max: orb.Point{0.8, 1.0}}, "local"),
	}
	for _, s := range schemes {
		for z := uint32(0); z < 8; z++ {
			for x := uint32(0); x < 1<<z; x++ {
				for y := uint32(0); y < 1<<z; y++ {
					id := tile.ID{X: x, Y: y, Z: z}
					if diff := cmp.Diff(id, s.ExtentToTile(s.TileToExtent(id))); diff != "" {
						t.Errorf("%s: ExtentToTile(TileToExtent(%v)) mismatch (-want+got):\n%v", s.CRS, id, diff)
					}
				}
			}
		}
		for z := uint32(8); z <= 24; z++ {
			id := tile.ID{X: 1<<z - 1, Y: 1<<z - 3, Z: z}
			if diff := cmp.Diff(id, s.ExtentToTile(s.TileToExtent(id))); diff != "" {
				t.Errorf("%s: ExtentToTile(TileToExtent(%v)) mismatch (-want+got):\n%v", s.CRS, id, diff)
			}
		}
	}
}

func TestExtentToTile(t *testing.T) {
	s := tiling.Geographic()
	tests := []struct {
		extent orb.Bound
		want   tile.ID
	}{
		// 20 degrees wide: 22.5 degree cells at z=3, centre column clamped into the root.
		{orb.Bound{Min: orb.Point{-10, 30}, Max: orb.Point{10, 50}}, tile.ID{X: 7, Y: 5, Z: 3}},
		{orb.Bound{Min: orb.Point{-400, -400}, Max: orb.Point{400, 400}}, tile.ID{}},
		// degenerate extents resolve to the deepest level
		{orb.Bound{Min: orb.Point{-100, 10}, Max: orb.Point{-100, 10}}, tile.ID{Z: tile.MaxZoom}},
	}
	for _, tt := range tests {
		got := s.ExtentToTile(tt.extent)
		if tt.want.Z == tile.MaxZoom {
			if got.Z != tile.MaxZoom || !s.TileToExtent(got).Contains(tt.extent.Min) {
				t.Errorf("ExtentToTile(%v) = %v, want level %d cell containing the point", tt.extent, got, tile.MaxZoom)
			}
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ExtentToTile(%v) mismatch (-want+got):\n%v", tt.extent, diff)
		}
	}
}
