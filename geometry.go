package gpkgindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// GeoPackage binary geometry header layout.
const (
	gpMagic0  = 'G'
	gpMagic1  = 'P'
	gpVersion = 0

	gpFlagLittleEndian = 0x01
	gpFlagEnvelopeMask = 0x0e
	gpFlagEmpty        = 0x10
	gpFlagExtended     = 0x20

	gpHeaderLen = 8
)

// envelopeLengths maps the envelope contents indicator to its byte length.
var envelopeLengths = [...]int{0, 32, 48, 48, 64}

// Geometry is a decoded GeoPackage binary geometry.
type Geometry struct {
	SRSID    int32
	Empty    bool
	Envelope *Envelope // Header envelope, nil when the header carries none
	Geometry orb.Geometry
}

// DecodeGeometry decodes a GeoPackage binary geometry blob: the "GP" header
// followed by a WKB body.
func DecodeGeometry(data []byte) (*Geometry, error) {
	g, body, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	geom, err := wkb.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}
	g.Geometry = geom
	if !g.Empty && isEmptyGeometry(geom) {
		g.Empty = true
	}

	return g, nil
}

// decodeHeader parses the header and returns the remaining WKB body.
func decodeHeader(data []byte) (*Geometry, []byte, error) {
	if len(data) < gpHeaderLen || data[0] != gpMagic0 || data[1] != gpMagic1 {
		return nil, nil, ErrInvalidData
	}
	if data[2] != gpVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidData, data[2])
	}

	flags := data[3]
	if flags&gpFlagExtended != 0 {
		return nil, nil, fmt.Errorf("%w: extended geometry types are not supported", ErrInvalidData)
	}

	var order binary.ByteOrder = binary.BigEndian
	if flags&gpFlagLittleEndian != 0 {
		order = binary.LittleEndian
	}

	indicator := int(flags&gpFlagEnvelopeMask) >> 1
	if indicator >= len(envelopeLengths) {
		return nil, nil, fmt.Errorf("%w: envelope indicator %d", ErrInvalidData, indicator)
	}
	end := gpHeaderLen + envelopeLengths[indicator]
	if len(data) < end {
		return nil, nil, ErrInvalidData
	}

	g := &Geometry{
		SRSID: int32(order.Uint32(data[4:8])),
		Empty: flags&gpFlagEmpty != 0,
	}

	if indicator > 0 {
		// Stored as minx, maxx, miny, maxy; z and m ranges follow and are ignored.
		f := func(i int) float64 {
			off := gpHeaderLen + i*8
			return math.Float64frombits(order.Uint64(data[off : off+8]))
		}
		g.Envelope = &Envelope{MinX: f(0), MaxX: f(1), MinY: f(2), MaxY: f(3)}
	}

	return g, data[end:], nil
}

// EncodeGeometry encodes an orb geometry as a little endian GeoPackage
// binary geometry. Non-point geometries carry an xy envelope in the header.
func EncodeGeometry(geom orb.Geometry, srsID int32) ([]byte, error) {
	if geom == nil {
		return nil, ErrNilGeometry
	}

	body, err := wkb.Marshal(geom, binary.LittleEndian)
	if err != nil {
		return nil, err
	}

	flags := byte(gpFlagLittleEndian)
	var env []float64

	empty := isEmptyGeometry(geom)
	if empty {
		flags |= gpFlagEmpty
	} else if _, ok := geom.(orb.Point); !ok {
		b := geom.Bound()
		env = []float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1]}
		flags |= 1 << 1
	}

	var buf bytes.Buffer
	buf.Grow(gpHeaderLen + len(env)*8 + len(body))
	buf.Write([]byte{gpMagic0, gpMagic1, gpVersion, flags})

	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, uint32(srsID))
	buf.Write(b[:4])
	for _, v := range env {
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		buf.Write(b)
	}
	buf.Write(body)

	return buf.Bytes(), nil
}

// BuildEnvelope returns the geometry envelope, preferring the header
// envelope over computing it from the coordinates. ok is false for empty
// geometries.
func (g *Geometry) BuildEnvelope() (env Envelope, ok bool) {
	if g == nil || g.Empty {
		return Envelope{}, false
	}
	if g.Envelope != nil {
		return *g.Envelope, g.Envelope.Valid()
	}
	if g.Geometry == nil {
		return Envelope{}, false
	}
	env = EnvelopeFromBound(g.Geometry.Bound())
	return env, env.Valid()
}

// isEmptyGeometry reports whether geom has no coordinates. Empty points are
// encoded in WKB with NaN coordinates.
func isEmptyGeometry(geom orb.Geometry) bool {
	if geom == nil {
		return true
	}
	if p, ok := geom.(orb.Point); ok {
		return math.IsNaN(p[0]) || math.IsNaN(p[1])
	}
	b := geom.Bound()
	return b.IsEmpty() || !EnvelopeFromBound(b).Valid()
}

// envelopeOf decodes only as much of a geometry blob as needed to find its
// envelope. ok is false for empty geometries.
func envelopeOf(data []byte) (env Envelope, ok bool, err error) {
	g, body, err := decodeHeader(data)
	if err != nil {
		return Envelope{}, false, err
	}
	if g.Empty {
		return Envelope{}, false, nil
	}
	if g.Envelope != nil {
		return *g.Envelope, g.Envelope.Valid(), nil
	}

	geom, err := wkb.Unmarshal(body)
	if err != nil {
		return Envelope{}, false, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}
	g.Geometry = geom
	env, ok = g.BuildEnvelope()
	return env, ok, nil
}
