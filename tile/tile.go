// Package tile provides the tile address type and the tile source collaborator.
package tile

import (
	"errors"
	"fmt"
)

// MaxZoom is the deepest level addressable with 32-bit tile coordinates.
const MaxZoom = 30

var (
	ErrInvalidAddress  = errors.New("qmterrain: invalid tile address")
	ErrTileUnavailable = errors.New("qmterrain: tile unavailable")
)

// ID represents tile coordinates in a TMS pyramid (y counted from the south).
type ID struct {
	X uint32
	Y uint32
	Z uint32
}

func (t ID) Valid() bool {
	return t.Z <= MaxZoom && t.X < (1<<t.Z) && t.Y < (1<<t.Z)
}

// Check returns ErrInvalidAddress for ids outside the pyramid.
func (t ID) Check() error {
	if !t.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, t)
	}
	return nil
}

// Parent returns the tile one level up. The root is its own parent.
func (t ID) Parent() ID {
	if t.Z == 0 {
		return t
	}
	return ID{X: t.X >> 1, Y: t.Y >> 1, Z: t.Z - 1}
}

// Child returns quadrant q (0..3, x-major) one level down.
func (t ID) Child(q int) ID {
	return ID{X: t.X<<1 + uint32(q&1), Y: t.Y<<1 + uint32(q>>1), Z: t.Z + 1}
}

func (t ID) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Unavailable wraps err so that errors.Is(err, ErrTileUnavailable) holds.
func Unavailable(id ID, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %v", ErrTileUnavailable, id)
	}
	return fmt.Errorf("%w: %v: %w", ErrTileUnavailable, id, err)
}
