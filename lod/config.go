package lod

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/flywave/go-qmterrain/config"
	"github.com/flywave/go-qmterrain/generator"
	"github.com/flywave/go-qmterrain/scene"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
)

// OptionsFromConfig converts a validated configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	ct, err := scene.ForCRS(cfg.Terrain.SceneCRS)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	tc := cfg.Terrain
	return Options{
		MaxLevel:       uint32(tc.MaxLevel),
		MaxPixelError:  tc.MaxPixelError,
		DefaultEpsilon: tc.DefaultEpsilon,
		MaxConcurrent:  cfg.Loader.MaxConcurrent,
		RetryAfter:     cfg.Loader.RetryAfter.Duration(),
		MaxAttempts:    cfg.Loader.MaxAttempts,
		Tile: generator.Context{
			Exaggeration:   tc.VerticalExaggeration,
			TileResolution: tc.TileResolution,
			SkirtHeight:    tc.SkirtHeight,
			Origin:         tc.Origin.Orb(),
			Transform:      ct,
		},
	}, nil
}

// NewSource opens the configured tile directory, fetching missing tiles from
// the remote tileset when a URL is set. It returns nil when no directory is
// configured.
func NewSource(sc config.SourceConfig, logger *log.Logger) (tile.Source, error) {
	if sc.Dir == "" {
		if sc.URL != "" {
			return nil, fmt.Errorf("%w: source url needs a cache dir", config.ErrConfiguration)
		}
		return nil, nil
	}
	dir, err := tile.NewDirSource(filepath.Join(sc.Dir, sc.Pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	if sc.URL != "" {
		return tile.NewHTTPSource(sc.URL, dir, logger), nil
	}
	return dir, nil
}

// NewGenerator builds the configured generator and anchors it to the
// configured extent.
func NewGenerator(cfg *config.Config, logger *log.Logger) (generator.Generator, error) {
	kind, err := generator.ParseKind(cfg.Terrain.Generator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	src, err := NewSource(cfg.Source, logger)
	if err != nil {
		return nil, err
	}
	if src == nil && kind != generator.Flat {
		return nil, fmt.Errorf("%w: %v generator needs a source dir", config.ErrConfiguration, kind)
	}

	var g generator.Generator
	switch kind {
	case generator.Flat:
		g = generator.NewFlatGenerator(tiling.Geographic())
	case generator.Dem:
		g = generator.NewDemGenerator(tiling.Geographic(), src, cfg.Terrain.DemResolution)
	default:
		g = generator.NewQuantizedMeshGenerator(src)
	}
	if ext, ok := cfg.Terrain.ExtentBound(); ok {
		g.SetBaseTileFromExtent(ext)
	}
	return g, nil
}

// NewFromConfig wires a Terrain from a configuration.
func NewFromConfig(cfg *config.Config, renderer Renderer, logger *log.Logger) (*Terrain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	g, err := NewGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(g, opts, renderer, logger), nil
}
