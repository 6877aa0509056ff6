package terrain

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/flywave/go-proj"
	vec3d "github.com/flywave/go3d/float64/vec3"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
)

const (
	QUANTIZED_COORDINATE_SIZE             = 32767
	QUANTIZED_MESH_HEADER_SIZE            = 88
	QUANTIZED_MESH_LIGHT_EXTENSION_ID     = 1
	QUANTIZED_MESH_WATERMASK_EXTENSION_ID = 2
	QUANTIZED_MESH_METADATA_EXTENSION_ID  = 4
	QUANTIZED_MESH_WATERMASK_TILEPXS      = 65536

	// vertex counts above this use 32-bit indices
	QUANTIZED_MESH_MAX_16BIT_VERTICES = 64 * 1024

	maxElementCount = 1 << 26
)

type TerrainExtensionFlag uint32

const (
	Ext_None            TerrainExtensionFlag = 0
	Ext_Light           TerrainExtensionFlag = 1
	Ext_WaterMask       TerrainExtensionFlag = 2
	Ext_Light_WaterMask TerrainExtensionFlag = Ext_Light | Ext_WaterMask
	Ext_Metadata        TerrainExtensionFlag = 4
)

const llh_ecef_radiusX = 6378137.0
const llh_ecef_radiusY = 6378137.0
const llh_ecef_radiusZ = 6356752.3142451793

const llh_ecef_rX = 1.0 / llh_ecef_radiusX
const llh_ecef_rY = 1.0 / llh_ecef_radiusY
const llh_ecef_rZ = 1.0 / llh_ecef_radiusZ

const BaseMime = "application/vnd.quantized-mesh;extensions="

var (
	ErrMalformed = errors.New("qmterrain: malformed quantized-mesh tile")

	byteOrder = binary.LittleEndian
)

func GetTerrainMime(flag TerrainExtensionFlag) string {
	return BaseMime + strings.Join(ExtensionNames(flag), "-")
}

func quantizeCoordinate(v float64, min float64, max float64) uint16 {
	delta := max - min
	if delta == 0 {
		return 0
	}
	scaled := math.Round((v - min) / delta * QUANTIZED_COORDINATE_SIZE)
	return uint16(math.Max(0, math.Min(QUANTIZED_COORDINATE_SIZE, scaled)))
}

func dequantizeCoordinate(v uint16, min float64, max float64) float64 {
	return min + float64(v)/QUANTIZED_COORDINATE_SIZE*(max-min)
}

type QuantizedMeshHeader struct {
	CenterX float64
	CenterY float64
	CenterZ float64

	MinimumHeight float32
	MaximumHeight float32

	BoundingSphereCenterX float64
	BoundingSphereCenterY float64
	BoundingSphereCenterZ float64
	BoundingSphereRadius  float64

	HorizonOcclusionPointX float64
	HorizonOcclusionPointY float64
	HorizonOcclusionPointZ float64
}

// VertexData holds the quantized u, v and height arrays of a tile.
type VertexData struct {
	VertexCount uint32
	U           []uint16
	V           []uint16
	H           []uint16
}

// Read decodes the three zig-zag delta encoded arrays and returns the number
// of bytes consumed.
func (vd *VertexData) Read(reader io.Reader) (int, error) {
	if err := binary.Read(reader, byteOrder, &vd.VertexCount); err != nil {
		return 0, err
	}
	if vd.VertexCount > maxElementCount {
		return 0, fmt.Errorf("%w: vertex count %d", ErrMalformed, vd.VertexCount)
	}
	n := int(vd.VertexCount)
	for _, arr := range []*[]uint16{&vd.U, &vd.V, &vd.H} {
		b, err := readBytes(reader, uint64(n)*2)
		if err != nil {
			return 0, err
		}
		*arr = make([]uint16, n)
		acc := 0
		for i := range *arr {
			acc += decodeZigZag(byteOrder.Uint16(b[i*2:]))
			(*arr)[i] = uint16(acc)
		}
	}
	return 4 + n*6, nil
}

func (vd *VertexData) Write(writer io.Writer) (int, error) {
	if err := binary.Write(writer, byteOrder, vd.VertexCount); err != nil {
		return 0, err
	}
	n := int(vd.VertexCount)
	buf := make([]uint16, n)
	for _, arr := range [][]uint16{vd.U, vd.V, vd.H} {
		prev := 0
		for i := 0; i < n; i++ {
			buf[i] = encodeZigZag(int(arr[i]) - prev)
			prev = int(arr[i])
		}
		if err := binary.Write(writer, byteOrder, buf); err != nil {
			return 0, err
		}
	}
	return 4 + n*6, nil
}

func encodeZigZag(i int) uint16 {
	return uint16((i >> 15) ^ (i << 1))
}

func decodeZigZag(encoded uint16) int {
	unsignedEncoded := int(encoded)
	return unsignedEncoded>>1 ^ -(unsignedEncoded & 1)
}

func calcPadding(offset, paddingUnit int) int {
	padding := offset % paddingUnit
	if padding != 0 {
		padding = paddingUnit - padding
	}
	return padding
}

// Indices holds the triangle list and the edge vertex lists used for skirts.
// On the wire they are 16-bit unless the tile has more than 64Ki vertices.
type Indices struct {
	Triangles []uint32
	West      []uint32
	South     []uint32
	East      []uint32
	North     []uint32
}

func (ind *Indices) GetIndexCount() int {
	return len(ind.Triangles)
}

func (ind *Indices) GetIndex(i int) int {
	return int(ind.Triangles[i])
}

func decodeIndices(indices []uint32) {
	highest := uint32(0)
	for i, code := range indices {
		indices[i] = highest - code
		if code == 0 {
			highest++
		}
	}
}

func encodeIndices(indices []uint32) []uint32 {
	out := make([]uint32, len(indices))
	highest := uint32(0)
	for i, idx := range indices {
		out[i] = highest - idx
		if idx == highest {
			highest++
		}
	}
	return out
}

// readBytes reads exactly n bytes. The buffer only grows with data actually
// present, so a corrupt length field cannot force a large allocation.
func readBytes(reader io.Reader, n uint64) ([]byte, error) {
	var buf bytes.Buffer
	got, err := io.CopyN(&buf, reader, int64(n))
	if err == io.EOF {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrMalformed, got, n)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readIndexList(reader io.Reader, count uint32, wide bool) ([]uint32, error) {
	if count > 3*maxElementCount {
		return nil, fmt.Errorf("%w: index count %d", ErrMalformed, count)
	}
	width := uint64(2)
	if wide {
		width = 4
	}
	b, err := readBytes(reader, uint64(count)*width)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	for i := range out {
		if wide {
			out[i] = byteOrder.Uint32(b[i*4:])
		} else {
			out[i] = uint32(byteOrder.Uint16(b[i*2:]))
		}
	}
	return out, nil
}

func writeIndexList(writer io.Writer, indices []uint32, wide bool) error {
	if wide {
		return binary.Write(writer, byteOrder, indices)
	}
	narrow := make([]uint16, len(indices))
	for i, v := range indices {
		narrow[i] = uint16(v)
	}
	return binary.Write(writer, byteOrder, narrow)
}

func (ind *Indices) Read(reader io.Reader, wide bool) error {
	var triangleCount uint32
	if err := binary.Read(reader, byteOrder, &triangleCount); err != nil {
		return err
	}
	var err error
	if triangleCount > maxElementCount {
		return fmt.Errorf("%w: triangle count %d", ErrMalformed, triangleCount)
	}
	if ind.Triangles, err = readIndexList(reader, triangleCount*3, wide); err != nil {
		return err
	}
	decodeIndices(ind.Triangles)

	for _, edge := range []*[]uint32{&ind.West, &ind.South, &ind.East, &ind.North} {
		var count uint32
		if err := binary.Read(reader, byteOrder, &count); err != nil {
			return err
		}
		if *edge, err = readIndexList(reader, count, wide); err != nil {
			return err
		}
	}
	return nil
}

func (ind *Indices) Write(writer io.Writer, wide bool) error {
	if err := binary.Write(writer, byteOrder, uint32(ind.GetIndexCount()/3)); err != nil {
		return err
	}
	if err := writeIndexList(writer, encodeIndices(ind.Triangles), wide); err != nil {
		return err
	}
	for _, edge := range [][]uint32{ind.West, ind.South, ind.East, ind.North} {
		if err := binary.Write(writer, byteOrder, uint32(len(edge))); err != nil {
			return err
		}
		if err := writeIndexList(writer, edge, wide); err != nil {
			return err
		}
	}
	return nil
}

type QuantizedMeshTile struct {
	Header       QuantizedMeshHeader
	Data         VertexData
	Index        Indices
	LightNormals *OctEncodedVertexNormals
	WaterMasks   interface{}
	Metadata     *Metadata
}

// MeshData is a de-quantized mesh: x/y in the tile's horizontal CRS, z in
// metres.
type MeshData struct {
	BBox     [2][3]float64
	Vertices [][3]float64
	Normals  [][3]float64
	Faces    [][3]int
}

func NewMeshData() *MeshData {
	return &MeshData{
		BBox: [2][3]float64{vec3d.MaxVal, vec3d.MinVal},
	}
}

func (t *QuantizedMeshTile) wideIndices() bool {
	return t.Data.VertexCount > QUANTIZED_MESH_MAX_16BIT_VERTICES
}

// Extensions reports which extensions the tile carries.
func (t *QuantizedMeshTile) Extensions() TerrainExtensionFlag {
	flag := Ext_None
	if t.LightNormals != nil {
		flag |= Ext_Light
	}
	if t.WaterMasks != nil {
		flag |= Ext_WaterMask
	}
	if t.Metadata != nil {
		flag |= Ext_Metadata
	}
	return flag
}

// Decode parses a tile payload, transparently inflating gzip content.
func Decode(data []byte) (*QuantizedMeshTile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var reader io.Reader = bytes.NewReader(data)
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		defer gz.Close()
		reader = gz
	}
	t := new(QuantizedMeshTile)
	if err := t.Read(reader); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *QuantizedMeshTile) Read(reader io.Reader) error {
	if err := t.read(reader); err != nil {
		if errors.Is(err, ErrMalformed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func (t *QuantizedMeshTile) read(reader io.Reader) error {
	if err := binary.Read(reader, byteOrder, &t.Header); err != nil {
		return err
	}
	if t.Header.MaximumHeight < t.Header.MinimumHeight {
		return fmt.Errorf("%w: height range [%v, %v]", ErrMalformed, t.Header.MinimumHeight, t.Header.MaximumHeight)
	}
	offset, err := t.Data.Read(reader)
	if err != nil {
		return err
	}
	wide := t.wideIndices()
	if wide {
		padding := calcPadding(QUANTIZED_MESH_HEADER_SIZE+offset, 4)
		if _, err := io.CopyN(io.Discard, reader, int64(padding)); err != nil {
			return err
		}
	}
	if err := t.Index.Read(reader, wide); err != nil {
		return err
	}
	for _, list := range [][]uint32{t.Index.Triangles, t.Index.West, t.Index.South, t.Index.East, t.Index.North} {
		for _, idx := range list {
			if idx >= t.Data.VertexCount {
				return fmt.Errorf("%w: index %d out of %d vertices", ErrMalformed, idx, t.Data.VertexCount)
			}
		}
	}
	return t.readExtensions(reader)
}

func (t *QuantizedMeshTile) readExtensions(reader io.Reader) error {
	for {
		lh := ExtensionHeader{}
		err := binary.Read(reader, byteOrder, &lh)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch lh.ExtensionId {
		case QUANTIZED_MESH_LIGHT_EXTENSION_ID:
			enN, err := readBytes(reader, uint64(lh.ExtensionLength))
			if err != nil {
				return err
			}
			t.LightNormals = &OctEncodedVertexNormals{Norm: make([]vec3d.T, len(enN)/2)}
			for i := range t.LightNormals.Norm {
				t.LightNormals.Norm[i] = octDecode(enN[i*2], enN[i*2+1])
			}

		case QUANTIZED_MESH_WATERMASK_EXTENSION_ID:
			switch lh.ExtensionLength {
			case 1:
				var mask uint8
				if err := binary.Read(reader, byteOrder, &mask); err != nil {
					return err
				}
				t.WaterMasks = &WaterMaskLand{Mask: mask}
			case QUANTIZED_MESH_WATERMASK_TILEPXS:
				masks := &WaterMask{}
				if _, err := io.ReadFull(reader, masks.Mask[:]); err != nil {
					return err
				}
				t.WaterMasks = masks
			default:
				return fmt.Errorf("%w: water mask length %d", ErrMalformed, lh.ExtensionLength)
			}

		case QUANTIZED_MESH_METADATA_EXTENSION_ID:
			var jsonLen uint32
			if err := binary.Read(reader, byteOrder, &jsonLen); err != nil {
				return err
			}
			js, err := readBytes(reader, uint64(jsonLen))
			if err != nil {
				return err
			}
			t.Metadata = &Metadata{JsonLength: jsonLen, Json: json.RawMessage(js)}

		default:
			if _, err := io.CopyN(io.Discard, reader, int64(lh.ExtensionLength)); err != nil {
				return err
			}
		}
	}
}

func (t *QuantizedMeshTile) Write(writer io.Writer) error {
	var err error
	var offset int
	if err = binary.Write(writer, byteOrder, t.Header); err != nil {
		return err
	}
	if offset, err = t.Data.Write(writer); err != nil {
		return err
	}
	wide := t.wideIndices()
	if wide {
		padding := calcPadding(QUANTIZED_MESH_HEADER_SIZE+offset, 4)
		if padding > 0 {
			buf := make([]byte, padding)
			for i := 0; i < padding; i++ {
				buf[i] = 0xCA
			}
			if _, err := writer.Write(buf); err != nil {
				return err
			}
		}
	}
	if err = t.Index.Write(writer, wide); err != nil {
		return err
	}

	if t.LightNormals != nil && len(t.LightNormals.Norm) == int(t.Data.VertexCount) {
		lhead := EXT_LIGHT_HEADER
		lhead.ExtensionLength = 2 * t.Data.VertexCount

		if err = binary.Write(writer, byteOrder, lhead); err != nil {
			return err
		}

		for _, n := range t.LightNormals.Norm {
			en := octEncode(n)

			if _, err := writer.Write(en[:]); err != nil {
				return err
			}
		}
	}

	if t.WaterMasks != nil {
		lhead := EXT_WATERMASK_HEADER
		switch wm := t.WaterMasks.(type) {
		case *WaterMaskLand:
			lhead.ExtensionLength = 1

			if err = binary.Write(writer, byteOrder, lhead); err != nil {
				return err
			}

			if _, err := writer.Write([]byte{byte(wm.Mask)}); err != nil {
				return err
			}

		case *WaterMask:
			lhead.ExtensionLength = QUANTIZED_MESH_WATERMASK_TILEPXS

			if err = binary.Write(writer, byteOrder, lhead); err != nil {
				return err
			}

			if _, err := writer.Write(wm.Mask[:]); err != nil {
				return err
			}
		}
	}

	if t.Metadata != nil {
		lhead := EXT_METADATA_HEADER
		jsonLen := uint32(len(t.Metadata.Json))
		lhead.ExtensionLength = 4 + jsonLen

		if err = binary.Write(writer, byteOrder, lhead); err != nil {
			return err
		}
		if err = binary.Write(writer, byteOrder, jsonLen); err != nil {
			return err
		}
		if _, err := writer.Write(t.Metadata.Json); err != nil {
			return err
		}
	}

	return nil
}

// GetMesh de-quantizes the tile against its geographic extent and the header
// height range. No vertical exaggeration is applied.
func (t *QuantizedMeshTile) GetMesh(extent orb.Bound) (*MeshData, error) {
	if t.Data.VertexCount < 3 {
		return nil, fmt.Errorf("%w: %d vertices", ErrMalformed, t.Data.VertexCount)
	}
	faces, err := t.getFaces()
	if err != nil {
		return nil, err
	}
	minH, maxH := float64(t.Header.MinimumHeight), float64(t.Header.MaximumHeight)
	mesh := &MeshData{
		BBox: [2][3]float64{
			{extent.Min[0], extent.Min[1], minH},
			{extent.Max[0], extent.Max[1], maxH},
		},
		Vertices: make([][3]float64, t.Data.VertexCount),
		Faces:    faces,
	}
	for i := range mesh.Vertices {
		mesh.Vertices[i] = [3]float64{
			dequantizeCoordinate(t.Data.U[i], extent.Min[0], extent.Max[0]),
			dequantizeCoordinate(t.Data.V[i], extent.Min[1], extent.Max[1]),
			dequantizeCoordinate(t.Data.H[i], minH, maxH),
		}
	}
	if t.LightNormals != nil && len(t.LightNormals.Norm) == len(mesh.Vertices) {
		mesh.Normals = make([][3]float64, len(t.LightNormals.Norm))
		for i, n := range t.LightNormals.Norm {
			mesh.Normals[i] = n
		}
	}
	return mesh, nil
}

func (t *QuantizedMeshTile) getFaces() ([][3]int, error) {
	if t.Index.GetIndexCount()%3 != 0 {
		return nil, fmt.Errorf("%w: index count %d", ErrMalformed, t.Index.GetIndexCount())
	}
	tri := t.Index.GetIndexCount() / 3
	inds := make([][3]int, tri)
	for i := 0; i < tri; i++ {
		inds[i][0] = t.Index.GetIndex(i * 3)
		inds[i][1] = t.Index.GetIndex(i*3 + 1)
		inds[i][2] = t.Index.GetIndex(i*3 + 2)
	}
	return inds, nil
}

// SetMesh quantizes mesh into the tile. Mesh vertices are lon/lat/height in
// degrees and metres; BBox bounds them. Vertices are renumbered in order of
// first use, as the high-water-mark index encoding requires.
func (t *QuantizedMeshTile) SetMesh(mesh *MeshData) {
	order := make([]int, 0, len(mesh.Vertices))
	remap := make(map[int]uint32, len(mesh.Vertices))
	indices := make([]uint32, 0, len(mesh.Faces)*3)
	for _, f := range mesh.Faces {
		for _, i := range f {
			k, ok := remap[i]
			if !ok {
				k = uint32(len(order))
				remap[i] = k
				order = append(order, i)
			}
			indices = append(indices, k)
		}
	}

	n := len(order)
	t.Data = VertexData{
		VertexCount: uint32(n),
		U:           make([]uint16, n),
		V:           make([]uint16, n),
		H:           make([]uint16, n),
	}
	t.Index = Indices{Triangles: indices}
	for k, i := range order {
		vert := mesh.Vertices[i]
		u := quantizeCoordinate(vert[0], mesh.BBox[0][0], mesh.BBox[1][0])
		v := quantizeCoordinate(vert[1], mesh.BBox[0][1], mesh.BBox[1][1])
		t.Data.U[k] = u
		t.Data.V[k] = v
		t.Data.H[k] = quantizeCoordinate(vert[2], mesh.BBox[0][2], mesh.BBox[1][2])

		switch u {
		case 0:
			t.Index.West = append(t.Index.West, uint32(k))
		case QUANTIZED_COORDINATE_SIZE:
			t.Index.East = append(t.Index.East, uint32(k))
		}
		switch v {
		case 0:
			t.Index.South = append(t.Index.South, uint32(k))
		case QUANTIZED_COORDINATE_SIZE:
			t.Index.North = append(t.Index.North, uint32(k))
		}
	}

	t.LightNormals = nil
	if len(mesh.Normals) == len(mesh.Vertices) && len(mesh.Normals) > 0 {
		t.LightNormals = &OctEncodedVertexNormals{Norm: make([]vec3d.T, n)}
		for k, i := range order {
			t.LightNormals.Norm[k] = mesh.Normals[i]
		}
	}

	t.setHeader(mesh)
}

func (t *QuantizedMeshTile) setHeader(mesh *MeshData) {
	bbox := mesh.BBox
	t.Header.MinimumHeight = float32(bbox[0][2])
	t.Header.MaximumHeight = float32(bbox[1][2])

	cx, cy, cz, _ := proj.Lonlat2Ecef((bbox[0][0]+bbox[1][0])/2, (bbox[0][1]+bbox[1][1])/2, (bbox[0][2]+bbox[1][2])/2)
	center := vec3d.T{cx, cy, cz}

	t.Header.CenterX = cx
	t.Header.CenterY = cy
	t.Header.CenterZ = cz

	radius := 0.0
	for _, v := range mesh.Vertices {
		x, y, z, _ := proj.Lonlat2Ecef(v[0], v[1], v[2])
		d := vec3d.Sub(&vec3d.T{x, y, z}, &center)
		radius = math.Max(radius, d.Length())
	}
	t.Header.BoundingSphereCenterX = cx
	t.Header.BoundingSphereCenterY = cy
	t.Header.BoundingSphereCenterZ = cz
	t.Header.BoundingSphereRadius = radius

	ocp := t.ocp_fromPoints(mesh)
	t.Header.HorizonOcclusionPointX = ocp[0]
	t.Header.HorizonOcclusionPointY = ocp[1]
	t.Header.HorizonOcclusionPointZ = ocp[2]
}

// ocp_fromPoints computes the horizon occlusion point in ellipsoid-scaled
// space and returns it in ECEF.
func (t *QuantizedMeshTile) ocp_fromPoints(mesh *MeshData) vec3d.T {
	scaledCenter := vec3d.T{t.Header.BoundingSphereCenterX * llh_ecef_rX, t.Header.BoundingSphereCenterY * llh_ecef_rY, t.Header.BoundingSphereCenterZ * llh_ecef_rZ}
	direction := scaledCenter.Normalized()
	max_magnitude := -math.MaxFloat64
	for _, v := range mesh.Vertices {
		x, y, z, _ := proj.Lonlat2Ecef(v[0], v[1], v[2])
		scaledPt := vec3d.T{x * llh_ecef_rX, y * llh_ecef_rY, z * llh_ecef_rZ}
		magnitude := ocp_computeMagnitude(scaledPt, direction)
		if magnitude > max_magnitude {
			max_magnitude = magnitude
		}
	}
	direction.Scale(max_magnitude)
	return vec3d.T{direction[0] * llh_ecef_radiusX, direction[1] * llh_ecef_radiusY, direction[2] * llh_ecef_radiusZ}
}

func ocp_computeMagnitude(position vec3d.T, direction vec3d.T) float64 {
	magnitudeSquared := position.LengthSqr()
	magnitude := math.Sqrt(magnitudeSquared)
	unit := position
	unit.Scale(1 / magnitude)

	// For the purpose of this computation, points below the ellipsoid
	// are considered to be on it instead.
	magnitudeSquared = math.Max(1.0, magnitudeSquared)
	magnitude = math.Max(1.0, magnitude)

	cosAlpha := vec3d.Dot(&unit, &direction)
	sv := vec3d.Cross(&unit, &direction)
	sinAlpha := sv.Length()
	cosBeta := 1.0 / magnitude
	sinBeta := math.Sqrt(magnitudeSquared-1.0) * cosBeta

	return 1.0 / (cosAlpha*cosBeta - sinAlpha*sinBeta)
}
