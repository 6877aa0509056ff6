package terrain

import (
	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
)

// LayerTiles is the tile URL template published relative to layer.json.
const LayerTiles = "tiles/{z}/{x}/{y}.terrain"

var extensionNames = []struct {
	flag TerrainExtensionFlag
	name string
}{
	{Ext_Light, "octvertexnormals"},
	{Ext_WaterMask, "watermask"},
	{Ext_Metadata, "metadata"},
}

// ExtensionNames lists the layer.json names of the extensions in flag.
func ExtensionNames(flag TerrainExtensionFlag) []string {
	var names []string
	for _, e := range extensionNames {
		if flag&e.flag != 0 {
			names = append(names, e.name)
		}
	}
	return names
}

// TileRange is an inclusive block of tile columns and rows on one level.
type TileRange struct {
	StartX uint32 `json:"startX"`
	StartY uint32 `json:"startY"`
	EndX   uint32 `json:"endX"`
	EndY   uint32 `json:"endY"`
}

func (r TileRange) Contains(x, y uint32) bool {
	return x >= r.StartX && x <= r.EndX && y >= r.StartY && y <= r.EndY
}

// Availability declares base, its ancestors and every descendant of base
// down to levels levels deeper. Entry z holds the ranges of level z.
func Availability(base tile.ID, levels uint32) [][]TileRange {
	var out [][]TileRange
	for z := uint32(0); z <= base.Z+levels && z <= tile.MaxZoom; z++ {
		var r TileRange
		if z <= base.Z {
			shift := base.Z - z
			x, y := base.X>>shift, base.Y>>shift
			r = TileRange{StartX: x, StartY: y, EndX: x, EndY: y}
		} else {
			shift := z - base.Z
			r = TileRange{
				StartX: base.X << shift, StartY: base.Y << shift,
				EndX: (base.X+1)<<shift - 1, EndY: (base.Y+1)<<shift - 1,
			}
		}
		out = append(out, []TileRange{r})
	}
	return out
}

// Layer is the layer.json document of a published geographic tileset.
// An empty Available declares every tile down to MaxZoom.
type Layer struct {
	TileJSON   string        `json:"tilejson"`
	Name       string        `json:"name,omitempty"`
	Version    string        `json:"version,omitempty"`
	Format     string        `json:"format"`
	Scheme     string        `json:"scheme"`
	Tiles      []string      `json:"tiles"`
	MinZoom    uint32        `json:"minzoom"`
	MaxZoom    uint32        `json:"maxzoom"`
	Bounds     [4]float64    `json:"bounds"`
	Projection string        `json:"projection"`
	Available  [][]TileRange `json:"available,omitempty"`
	Extensions []string      `json:"extensions,omitempty"`
}

func NewLayer(name string, maxZoom uint32, flag TerrainExtensionFlag) *Layer {
	root := tiling.Geographic().Extent
	return &Layer{
		TileJSON:   "2.1.0",
		Name:       name,
		Version:    "1.0.0",
		Format:     "quantized-mesh-1.0",
		Scheme:     "tms",
		Tiles:      []string{LayerTiles},
		MaxZoom:    maxZoom,
		Bounds:     [4]float64{root.Min[0], root.Min[1], root.Max[0], root.Max[1]},
		Projection: tiling.Geographic().CRS,
		Extensions: ExtensionNames(flag),
	}
}

// Restrict narrows the layer to the pyramid under base, levels deep, and
// to the extent of base.
func (l *Layer) Restrict(base tile.ID, levels uint32) {
	l.Available = Availability(base, levels)
	l.MaxZoom = uint32(len(l.Available) - 1)
	b := tiling.Geographic().TileToExtent(base)
	l.Bounds = [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// Declares reports whether the layer publishes id.
func (l *Layer) Declares(id tile.ID) bool {
	if id.Z > l.MaxZoom {
		return false
	}
	if len(l.Available) == 0 {
		return true
	}
	if int(id.Z) >= len(l.Available) {
		return false
	}
	for _, r := range l.Available[id.Z] {
		if r.Contains(id.X, id.Y) {
			return true
		}
	}
	return false
}

// ExtensionFlag folds the declared extension names back into a flag;
// unknown names are ignored.
func (l *Layer) ExtensionFlag() TerrainExtensionFlag {
	flag := Ext_None
	for _, n := range l.Extensions {
		for _, e := range extensionNames {
			if n == e.name {
				flag |= e.flag
			}
		}
	}
	return flag
}
