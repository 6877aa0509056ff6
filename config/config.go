// Package config holds the read-only configuration surface of the terrain.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

var ErrConfiguration = errors.New("qmterrain: invalid configuration")

// Duration accepts "30s" style strings in YAML.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: parse %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Terrain TerrainConfig `yaml:"terrain"`
	Loader  LoaderConfig  `yaml:"loader"`
	Source  SourceConfig  `yaml:"source"`
}

type TerrainConfig struct {
	Generator            string    `yaml:"generator"` // flat | dem | quantized-mesh
	VerticalExaggeration float64   `yaml:"vertical_exaggeration"`
	MaxLevel             int       `yaml:"max_level"`
	MaxPixelError        float64   `yaml:"max_pixel_error"`
	TileResolution       int       `yaml:"tile_resolution"`
	DemResolution        int       `yaml:"dem_resolution"`
	DefaultEpsilon       float64   `yaml:"default_epsilon"` // used before a node has a tile
	SkirtHeight          float64   `yaml:"skirt_height"`
	Origin               Point     `yaml:"origin"`
	SceneCRS             string    `yaml:"scene_crs"`
	Extent               []float64 `yaml:"extent"` // xmin, ymin, xmax, ymax in EPSG:4326
}

type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

func (p Point) Orb() orb.Point {
	return orb.Point{p.X, p.Y}
}

type LoaderConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	RetryAfter    Duration `yaml:"retry_after"`
	MaxAttempts   int      `yaml:"max_attempts"` // 0 retries forever
}

type SourceConfig struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"`
	URL     string `yaml:"url"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	t := &c.Terrain
	if t.Generator == "" {
		t.Generator = "quantized-mesh"
	}
	if t.VerticalExaggeration == 0 {
		t.VerticalExaggeration = 1
	}
	if t.MaxLevel == 0 {
		t.MaxLevel = 12
	}
	if t.MaxPixelError == 0 {
		t.MaxPixelError = 3
	}
	if t.TileResolution == 0 {
		t.TileResolution = 512
	}
	if t.DemResolution == 0 {
		t.DemResolution = 65
	}
	if t.DefaultEpsilon == 0 {
		t.DefaultEpsilon = 10
	}
	if t.SceneCRS == "" {
		t.SceneCRS = "EPSG:4326"
	}
	if c.Loader.MaxConcurrent == 0 {
		c.Loader.MaxConcurrent = 4
	}
	if c.Loader.RetryAfter == 0 {
		c.Loader.RetryAfter = Duration(30 * time.Second)
	}
	if c.Source.Pattern == "" {
		c.Source.Pattern = "{z}/{x}/{y}.terrain"
	}
}

// Validate applies defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	c.applyDefaults()
	t := c.Terrain
	switch {
	case t.VerticalExaggeration <= 0:
		return fmt.Errorf("%w: vertical_exaggeration must be positive", ErrConfiguration)
	case t.MaxLevel < 0 || t.MaxLevel > 30:
		return fmt.Errorf("%w: max_level %d out of [0, 30]", ErrConfiguration, t.MaxLevel)
	case t.MaxPixelError <= 0:
		return fmt.Errorf("%w: max_pixel_error must be positive", ErrConfiguration)
	case t.TileResolution <= 0:
		return fmt.Errorf("%w: tile_resolution must be positive", ErrConfiguration)
	case t.DemResolution < 2:
		return fmt.Errorf("%w: dem_resolution must be at least 2", ErrConfiguration)
	case t.DefaultEpsilon <= 0:
		return fmt.Errorf("%w: default_epsilon must be positive", ErrConfiguration)
	case t.SkirtHeight < 0:
		return fmt.Errorf("%w: skirt_height must not be negative", ErrConfiguration)
	case len(t.Extent) != 0 && len(t.Extent) != 4:
		return fmt.Errorf("%w: extent needs 4 values", ErrConfiguration)
	case len(t.Extent) == 4 && (t.Extent[2] < t.Extent[0] || t.Extent[3] < t.Extent[1]):
		return fmt.Errorf("%w: extent min exceeds max", ErrConfiguration)
	case c.Loader.MaxConcurrent < 0:
		return fmt.Errorf("%w: max_concurrent must not be negative", ErrConfiguration)
	case c.Loader.MaxAttempts < 0:
		return fmt.Errorf("%w: max_attempts must not be negative", ErrConfiguration)
	}
	switch t.Generator {
	case "flat", "dem", "quantized-mesh":
	default:
		return fmt.Errorf("%w: unknown generator %q", ErrConfiguration, t.Generator)
	}
	return nil
}

// ExtentBound returns the configured extent, if any.
func (t TerrainConfig) ExtentBound() (orb.Bound, bool) {
	if len(t.Extent) != 4 {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{t.Extent[0], t.Extent[1]}, Max: orb.Point{t.Extent[2], t.Extent[3]}}, true
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
