package terrain

import (
	"encoding/json"

	vec3d "github.com/flywave/go3d/float64/vec3"
)

var (
	EXT_LIGHT_HEADER     = ExtensionHeader{ExtensionId: QUANTIZED_MESH_LIGHT_EXTENSION_ID}
	EXT_WATERMASK_HEADER = ExtensionHeader{ExtensionId: QUANTIZED_MESH_WATERMASK_EXTENSION_ID}
	EXT_METADATA_HEADER  = ExtensionHeader{ExtensionId: QUANTIZED_MESH_METADATA_EXTENSION_ID}
)

type ExtensionHeader struct {
	ExtensionId     uint8
	ExtensionLength uint32
}

type OctEncodedVertexNormals struct {
	Norm []vec3d.T
}

// WaterMaskLand is the single-byte mask of a tile that is all land (0) or all
// water (255).
type WaterMaskLand struct {
	Mask uint8
}

type WaterMask struct {
	Mask [256 * 256]uint8
}

type Metadata struct {
	JsonLength uint32
	Json       json.RawMessage
}

// Available returns the "available" ranges from the metadata extension, one
// list per level below the tile.
func (m *Metadata) Available() ([][]TileRange, error) {
	var doc struct {
		Available [][]TileRange `json:"available"`
	}
	if err := json.Unmarshal(m.Json, &doc); err != nil {
		return nil, err
	}
	return doc.Available, nil
}
