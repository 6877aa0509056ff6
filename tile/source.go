package tile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidPattern = errors.New("qmterrain: invalid file pattern")

// DefaultPattern lays tiles out as "{z}/{x}/{y}.terrain" below a root directory.
const DefaultPattern = "{z}/{x}/{y}.terrain"

// Source is the tile source collaborator consumed by the decoders.
type Source interface {
	// EnsureAvailable makes the tile readable locally. It is idempotent and may
	// perform network or disk I/O.
	EnsureAvailable(ctx context.Context, id ID) error

	// ReadTile returns the tile payload. A missing tile yields an empty slice
	// and no error.
	ReadTile(id ID) ([]byte, error)
}

func validatePattern(pattern string) error {
	for _, p := range []string{"{x}", "{y}", "{z}"} {
		if !strings.Contains(pattern, p) {
			return fmt.Errorf("%w: placeholder %v not found", ErrInvalidPattern, p)
		}
	}
	return nil
}

func formatPattern(pattern string, id ID) string {
	result := pattern
	result = strings.ReplaceAll(result, "{x}", fmt.Sprintf("%d", id.X))
	result = strings.ReplaceAll(result, "{y}", fmt.Sprintf("%d", id.Y))
	result = strings.ReplaceAll(result, "{z}", fmt.Sprintf("%d", id.Z))
	return result
}

// DirSource reads tiles stored as individual files following a pattern such
// as "/data/tiles/{z}/{x}/{y}.terrain".
type DirSource struct {
	filePattern string
}

// NewDirSource creates a DirSource for the given file pattern.
func NewDirSource(filePattern string) (*DirSource, error) {
	if err := validatePattern(filePattern); err != nil {
		return nil, err
	}
	return &DirSource{filePattern}, nil
}

// Path returns the file path of a tile.
func (s *DirSource) Path(id ID) string {
	return formatPattern(s.filePattern, id)
}

func (s *DirSource) EnsureAvailable(ctx context.Context, id ID) error {
	if err := id.Check(); err != nil {
		return err
	}
	if _, err := os.Stat(s.Path(id)); err != nil {
		return Unavailable(id, err)
	}
	return nil
}

func (s *DirSource) ReadTile(id ID) ([]byte, error) {
	tileData, err := os.ReadFile(s.Path(id))
	if os.IsNotExist(err) {
		return make([]byte, 0), nil
	}
	if err != nil {
		return nil, err
	}
	return tileData, nil
}

// WriteTile stores a tile, creating parent directories as needed. The file is
// written under a temporary name first so readers never see partial data.
func (s *DirSource) WriteTile(id ID, tileData []byte) error {
	filePath := s.Path(id)

	dirPath := filepath.Dir(filePath)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dirPath, ".tile-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(tileData); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filePath)
}
