package tile_test

import (
	"errors"
	"testing"

	"github.com/flywave/go-qmterrain/tile"
	"github.com/google/go-cmp/cmp"
)

func TestIDValid(t *testing.T) {
	tests := []struct {
		id   tile.ID
		want bool
	}{
		{tile.ID{X: 0, Y: 0, Z: 0}, true},
		{tile.ID{X: 1, Y: 0, Z: 0}, false},
		{tile.ID{X: 7, Y: 7, Z: 3}, true},
		{tile.ID{X: 8, Y: 0, Z: 3}, false},
		{tile.ID{X: 0, Y: 0, Z: tile.MaxZoom + 1}, false},
	}
	for _, tt := range tests {
		if got := tt.id.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v, want %v", tt.id, got, tt.want)
		}
		if err := tt.id.Check(); (err == nil) != tt.want {
			t.Errorf("%v.Check() = %v", tt.id, err)
		} else if err != nil && !errors.Is(err, tile.ErrInvalidAddress) {
			t.Errorf("%v.Check() = %v, want ErrInvalidAddress", tt.id, err)
		}
	}
}

func TestIDParentChild(t *testing.T) {
	id := tile.ID{X: 5, Y: 2, Z: 3}
	for q := 0; q < 4; q++ {
		child := id.Child(q)
		if diff := cmp.Diff(id, child.Parent()); diff != "" {
			t.Errorf("Child(%d).Parent() mismatch (-want+got):\n%v", q, diff)
		}
	}
	if diff := cmp.Diff(tile.ID{X: 11, Y: 5, Z: 4}, id.Child(3)); diff != "" {
		t.Errorf("Child(3) mismatch (-want+got):\n%v", diff)
	}
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("boom")
	err := tile.Unavailable(tile.ID{Z: 1}, cause)
	if !errors.Is(err, tile.ErrTileUnavailable) || !errors.Is(err, cause) {
		t.Errorf("Unavailable() = %v, want both sentinel and cause", err)
	}
}
