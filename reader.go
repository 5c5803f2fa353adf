package gpkgindex

import (
	"context"
	"fmt"
	"strings"

	flatgeobuf "github.com/flatgeobuf/flatgeobuf/src/go"
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/paulmach/orb"
)

// FlatGeobufHeader is the metadata of a FlatGeobuf dataset.
type FlatGeobufHeader struct {
	Name          string
	Description   string
	GeometryType  string // "Point", "Polygon", "Unknown", ...
	FeaturesCount uint64
	Envelope      Envelope
	HasEnvelope   bool
	SRSID         int  // EPSG code, 0 when no CRS is set
	HasIndex      bool // Whether the dataset has a packed R-tree
	Columns       []Column
}

// FeatureTableSpec returns a spec for a feature table named name that can
// hold the dataset's features and attributes.
func (h *FlatGeobufHeader) FeatureTableSpec(name string) FeatureTableSpec {
	gt := "GEOMETRY"
	switch h.GeometryType {
	case "Point", "MultiPoint", "LineString", "MultiLineString",
		"Polygon", "MultiPolygon", "GeometryCollection":
		gt = strings.ToUpper(h.GeometryType)
	}
	return FeatureTableSpec{
		Name:         name,
		GeometryType: gt,
		SRSID:        h.SRSID,
		Columns:      h.Columns,
	}
}

// ReadFlatGeobufHeader reads the header of a FlatGeobuf dataset. Column
// types are mapped to declared SQLite types.
func ReadFlatGeobufHeader(data []byte) (*FlatGeobufHeader, error) {
	fgb, err := flatgeobuf.NewWithData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	h := fgb.Header()
	if h == nil {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidData)
	}

	header := &FlatGeobufHeader{
		Name:          string(h.Name()),
		Description:   string(h.Description()),
		GeometryType:  flattypes.EnumNamesGeometryType[h.GeometryType()],
		FeaturesCount: h.FeaturesCount(),
		HasIndex:      h.IndexNodeSize() > 0,
	}
	if h.EnvelopeLength() >= 4 {
		header.Envelope = Envelope{
			MinX: h.Envelope(0),
			MinY: h.Envelope(1),
			MaxX: h.Envelope(2),
			MaxY: h.Envelope(3),
		}
		header.HasEnvelope = true
	}

	var crs flattypes.Crs
	if h.Crs(&crs) != nil {
		header.SRSID = int(crs.Code())
	}

	for _, c := range headerSchema(h) {
		header.Columns = append(header.Columns, Column{Name: c.name, Type: sqliteType(c.typ)})
	}
	return header, nil
}

func headerSchema(h *flattypes.Header) []propertyColumn {
	n := h.ColumnsLength()
	schema := make([]propertyColumn, 0, n)
	for i := 0; i < n; i++ {
		var col flattypes.Column
		if h.Columns(&col, i) {
			schema = append(schema, propertyColumn{name: string(col.Name()), typ: col.Type()})
		}
	}
	return schema
}

// ImportFlatGeobuf inserts every feature of a FlatGeobuf dataset into the
// table in one transaction, indexing them as Insert does. Attributes without
// a matching table column are dropped. The dataset must carry its spatial
// index, which is used to enumerate the features.
func (m *IndexManager) ImportFlatGeobuf(ctx context.Context, data []byte) (int, error) {
	fgb, err := flatgeobuf.NewWithData(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	h := fgb.Header()
	if h == nil {
		return 0, fmt.Errorf("%w: missing header", ErrInvalidData)
	}
	if h.IndexNodeSize() == 0 {
		return 0, ErrNoIndex
	}
	if h.FeaturesCount() == 0 || h.EnvelopeLength() < 4 {
		return 0, nil
	}

	features, err := fgb.Search(h.Envelope(0), h.Envelope(1), h.Envelope(2), h.Envelope(3))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	schema := headerSchema(h)

	imported := 0
	err = m.table.InTransaction(ctx, func(ctx context.Context) error {
		for _, f := range features {
			geom, props, err := convertFeature(f, schema)
			if err != nil {
				return err
			}
			if _, err := m.Insert(ctx, geom, props); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.log.Info("imported flatgeobuf", "features", imported)
	return imported, nil
}

// convertFeature converts a FlatGeobuf feature to a geometry and attributes.
func convertFeature(f *flattypes.Feature, schema []propertyColumn) (orb.Geometry, map[string]any, error) {
	var g flattypes.Geometry
	var geom orb.Geometry
	if fg := f.Geometry(&g); fg != nil {
		geom = geometryFromFGB(fg)
	}

	n := f.PropertiesLength()
	if n == 0 || len(schema) == 0 {
		return geom, nil, nil
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(f.Properties(i))
	}
	props, err := decodeProperties(buf, schema)
	if err != nil {
		return nil, nil, err
	}
	return geom, props, nil
}

func geometryFromFGB(g *flattypes.Geometry) orb.Geometry {
	switch g.Type() {
	case flattypes.GeometryTypePoint:
		if g.XyLength() < 2 {
			return nil
		}
		return orb.Point{g.Xy(0), g.Xy(1)}
	case flattypes.GeometryTypeMultiPoint:
		return orb.MultiPoint(pointsFromXY(g, 0, g.XyLength()/2))
	case flattypes.GeometryTypeLineString:
		return orb.LineString(pointsFromXY(g, 0, g.XyLength()/2))
	case flattypes.GeometryTypeMultiLineString:
		parts := partsFromEnds(g)
		mls := make(orb.MultiLineString, len(parts))
		for i, p := range parts {
			mls[i] = p
		}
		return mls
	case flattypes.GeometryTypePolygon:
		return polygonFromFGB(g)
	case flattypes.GeometryTypeMultiPolygon:
		n := g.PartsLength()
		if n == 0 {
			return orb.MultiPolygon{polygonFromFGB(g)}
		}
		mp := make(orb.MultiPolygon, 0, n)
		for i := 0; i < n; i++ {
			var part flattypes.Geometry
			if g.Parts(&part, i) {
				mp = append(mp, polygonFromFGB(&part))
			}
		}
		return mp
	case flattypes.GeometryTypeGeometryCollection:
		n := g.PartsLength()
		coll := make(orb.Collection, 0, n)
		for i := 0; i < n; i++ {
			var part flattypes.Geometry
			if g.Parts(&part, i) {
				if child := geometryFromFGB(&part); child != nil {
					coll = append(coll, child)
				}
			}
		}
		return coll
	}
	return nil
}

func polygonFromFGB(g *flattypes.Geometry) orb.Polygon {
	parts := partsFromEnds(g)
	poly := make(orb.Polygon, len(parts))
	for i, p := range parts {
		poly[i] = p
	}
	return poly
}

// partsFromEnds splits the coordinates of g at its ends. Without ends all
// coordinates form one part.
func partsFromEnds(g *flattypes.Geometry) [][]orb.Point {
	total := g.XyLength() / 2
	n := g.EndsLength()
	if n == 0 {
		if total == 0 {
			return nil
		}
		return [][]orb.Point{pointsFromXY(g, 0, total)}
	}

	parts := make([][]orb.Point, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := min(int(g.Ends(i)), total)
		parts = append(parts, pointsFromXY(g, start, end))
		start = end
	}
	return parts
}

// pointsFromXY returns points [from, to) of g.
func pointsFromXY(g *flattypes.Geometry, from, to int) []orb.Point {
	if to < from {
		return nil
	}
	points := make([]orb.Point, 0, to-from)
	for i := from; i < to; i++ {
		points = append(points, orb.Point{g.Xy(2 * i), g.Xy(2*i + 1)})
	}
	return points
}
