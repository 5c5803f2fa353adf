package gpkgindex

import (
	"context"
	"io"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
)

// ExportOptions configures FlatGeobuf export.
type ExportOptions struct {
	Name         string // Dataset name (default: the table name)
	Description  string
	IncludeIndex bool // Include the packed Hilbert R-tree so the output can be searched
}

// ExportFlatGeobuf writes the features overlapping env to w as FlatGeobuf and
// returns the number written.
func (m *IndexManager) ExportFlatGeobuf(ctx context.Context, w io.Writer, env Envelope, opts *ExportOptions) (int, error) {
	ids, err := m.Query(ctx, env)
	if err != nil {
		return 0, err
	}
	rows, err := m.FeatureRows(ctx, ids)
	if err != nil {
		return 0, err
	}

	if opts == nil {
		opts = &ExportOptions{}
	}
	if opts.Name == "" {
		cp := *opts
		cp.Name = m.table.TableName()
		opts = &cp
	}
	return WriteFlatGeobuf(w, rows, m.table.Columns(), m.table.SRSID(), opts)
}

// WriteFlatGeobuf writes rows to w as FlatGeobuf. Attribute columns are typed
// from their declared SQLite types. Rows without a geometry are skipped; the
// number of features written is returned.
func WriteFlatGeobuf(w io.Writer, rows []*FeatureRow, columns []Column, srsID int, opts *ExportOptions) (int, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}

	geoms := make([]orb.Geometry, 0, len(rows))
	kept := make([]*FeatureRow, 0, len(rows))
	for _, row := range rows {
		if row == nil || row.Geometry == nil || row.Geometry.Empty || row.Geometry.Geometry == nil {
			continue
		}
		geoms = append(geoms, row.Geometry.Geometry)
		kept = append(kept, row)
	}
	if len(kept) == 0 {
		return 0, ErrNoFeatures
	}

	builder := flatbuffers.NewBuilder(4096)
	header := writer.NewHeader(builder)
	header.SetGeometryType(collectionGeometryType(geoms))
	if opts.Name != "" {
		header.SetName(opts.Name)
	}
	if opts.Description != "" {
		header.SetDescription(opts.Description)
	}

	schema := propertySchema(columns)
	if len(schema) > 0 {
		cols := make([]*writer.Column, len(schema))
		for i, c := range schema {
			col := writer.NewColumn(builder)
			col.SetName(c.name)
			col.SetTitle(c.name)
			col.SetType(c.typ)
			col.SetNullable(true)
			cols[i] = col
		}
		header.SetColumns(cols)
	}

	if srsID > 0 {
		crs := writer.NewCrs(builder)
		crs.SetOrg("EPSG")
		crs.SetCode(int32(srsID))
		header.SetCrs(crs)
	}

	gen := &rowFeatureGenerator{rows: kept, schema: schema}
	if _, err := writer.NewWriter(header, opts.IncludeIndex, gen, nil).Write(w); err != nil {
		return 0, err
	}
	return len(kept), nil
}

// collectionGeometryType returns the common type of geoms, or Unknown when
// they differ.
func collectionGeometryType(geoms []orb.Geometry) flattypes.GeometryType {
	t := fgbGeometryType(geoms[0])
	for _, g := range geoms[1:] {
		if fgbGeometryType(g) != t {
			return flattypes.GeometryTypeUnknown
		}
	}
	return t
}

// rowFeatureGenerator feeds feature rows to the FlatGeobuf writer.
type rowFeatureGenerator struct {
	rows   []*FeatureRow
	schema []propertyColumn
	next   int
}

func (g *rowFeatureGenerator) Generate() *writer.Feature {
	for g.next < len(g.rows) {
		row := g.rows[g.next]
		g.next++

		builder := flatbuffers.NewBuilder(1024)
		geom := toFGB(row.Geometry.Geometry, builder)
		if geom == nil {
			continue
		}

		feature := writer.NewFeature(builder)
		feature.SetGeometry(geom)
		if props := encodeProperties(row.Properties, g.schema); len(props) > 0 {
			feature.SetProperties(props)
		}
		return feature
	}
	return nil
}

func fgbGeometryType(geom orb.Geometry) flattypes.GeometryType {
	switch geom.(type) {
	case orb.Point:
		return flattypes.GeometryTypePoint
	case orb.MultiPoint:
		return flattypes.GeometryTypeMultiPoint
	case orb.LineString:
		return flattypes.GeometryTypeLineString
	case orb.MultiLineString:
		return flattypes.GeometryTypeMultiLineString
	case orb.Ring, orb.Polygon, orb.Bound:
		return flattypes.GeometryTypePolygon
	case orb.MultiPolygon:
		return flattypes.GeometryTypeMultiPolygon
	case orb.Collection:
		return flattypes.GeometryTypeGeometryCollection
	}
	return flattypes.GeometryTypeUnknown
}

// toFGB converts an orb geometry to a FlatGeobuf geometry. Unsupported types
// yield nil.
func toFGB(geom orb.Geometry, builder *flatbuffers.Builder) *writer.Geometry {
	switch v := geom.(type) {
	case orb.Ring:
		geom = orb.Polygon{v}
	case orb.Bound:
		geom = v.ToPolygon()
	}

	g := writer.NewGeometry(builder)
	g.SetType(fgbGeometryType(geom))

	switch v := geom.(type) {
	case orb.Point:
		g.SetXY([]float64{v[0], v[1]})
	case orb.MultiPoint:
		g.SetXY(flatXY(v))
	case orb.LineString:
		g.SetXY(flatXY(v))
	case orb.MultiLineString:
		parts := make([][]orb.Point, len(v))
		for i, ls := range v {
			parts[i] = ls
		}
		xy, ends := flatXYEnds(parts)
		g.SetXY(xy)
		g.SetEnds(ends)
	case orb.Polygon:
		xy, ends := polygonXYEnds(v)
		g.SetXY(xy)
		g.SetEnds(ends)
	case orb.MultiPolygon:
		parts := make([]writer.Geometry, 0, len(v))
		for _, poly := range v {
			if pg := toFGB(poly, builder); pg != nil {
				parts = append(parts, *pg)
			}
		}
		g.SetParts(parts)
	case orb.Collection:
		parts := make([]writer.Geometry, 0, len(v))
		for _, child := range v {
			if cg := toFGB(child, builder); cg != nil {
				parts = append(parts, *cg)
			}
		}
		g.SetParts(parts)
	default:
		return nil
	}

	return g
}

func flatXY(points []orb.Point) []float64 {
	xy := make([]float64, 0, len(points)*2)
	for _, p := range points {
		xy = append(xy, p[0], p[1])
	}
	return xy
}

// flatXYEnds flattens parts into one coordinate array plus the cumulative
// point count at the end of each part.
func flatXYEnds(parts [][]orb.Point) ([]float64, []uint32) {
	var xy []float64
	ends := make([]uint32, 0, len(parts))
	for _, part := range parts {
		xy = append(xy, flatXY(part)...)
		ends = append(ends, uint32(len(xy)/2))
	}
	return xy, ends
}

func polygonXYEnds(poly orb.Polygon) ([]float64, []uint32) {
	parts := make([][]orb.Point, len(poly))
	for i, r := range poly {
		parts[i] = r
	}
	return flatXYEnds(parts)
}
