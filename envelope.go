package gpkgindex

import (
	"math"

	"github.com/paulmach/orb"
)

// Envelope is the axis-aligned bounding rectangle of a geometry in the
// coordinate reference system of its table. Point geometries have a
// degenerate envelope with MinX == MaxX and MinY == MaxY.
type Envelope struct {
	MinX, MinY, MaxX, MaxY float64
}

// EnvelopeFromBound converts an orb.Bound.
func EnvelopeFromBound(b orb.Bound) Envelope {
	return Envelope{MinX: b.Min[0], MinY: b.Min[1], MaxX: b.Max[0], MaxY: b.Max[1]}
}

// Bound converts the envelope to an orb.Bound.
func (e Envelope) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{e.MinX, e.MinY}, Max: orb.Point{e.MaxX, e.MaxY}}
}

// Valid reports whether the minimums do not exceed the maximums. NaN
// coordinates are never valid.
func (e Envelope) Valid() bool {
	return e.MinX <= e.MaxX && e.MinY <= e.MaxY
}

// Union returns the smallest envelope containing both e and o.
func (e Envelope) Union(o Envelope) Envelope {
	return Envelope{
		MinX: math.Min(e.MinX, o.MinX),
		MinY: math.Min(e.MinY, o.MinY),
		MaxX: math.Max(e.MaxX, o.MaxX),
		MaxY: math.Max(e.MaxY, o.MaxY),
	}
}

// Expand grows the envelope by d on all four sides.
func (e Envelope) Expand(d float64) Envelope {
	return Envelope{
		MinX: e.MinX - d,
		MinY: e.MinY - d,
		MaxX: e.MaxX + d,
		MaxY: e.MaxY + d,
	}
}

// Overlaps reports whether candidate intersects query once query has been
// expanded by tolerance. Bounds are inclusive, so envelopes sharing only an
// edge or a corner overlap.
//
// Every backend must agree with this predicate. The SQL backends push down
// the equivalent minx <= qMaxX AND miny <= qMaxY AND maxx >= qMinX AND
// maxy >= qMinY over query.Expand(tolerance).
func Overlaps(query, candidate Envelope, tolerance float64) bool {
	q := query.Expand(tolerance)
	return math.Max(q.MinX, candidate.MinX) <= math.Min(q.MaxX, candidate.MaxX) &&
		math.Max(q.MinY, candidate.MinY) <= math.Min(q.MaxY, candidate.MaxY)
}

// overlapArgs returns the pushed-down range predicate arguments in the order
// used by overlapWhere: maxX, maxY, minX, minY of the expanded query.
func overlapArgs(query Envelope, tolerance float64) []any {
	q := query.Expand(tolerance)
	return []any{q.MaxX, q.MaxY, q.MinX, q.MinY}
}

// overlapWhere builds the inclusive range predicate over four envelope
// columns.
func overlapWhere(minX, minY, maxX, maxY string) string {
	return minX + " <= ? AND " + minY + " <= ? AND " + maxX + " >= ? AND " + maxY + " >= ?"
}
