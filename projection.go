package gpkgindex

import (
	"fmt"

	"github.com/paulmach/orb/project"
)

// TransformFunc maps an envelope from one spatial reference system into
// another.
type TransformFunc func(Envelope) Envelope

// Transformer builds envelope transforms between spatial reference systems
// identified by their srs_id.
type Transformer interface {
	Transformation(from, to int) (TransformFunc, error)
}

// OrbTransformer supports the identity transform and conversions between
// WGS84 (4326) and spherical Mercator (3857, 900913) using orb/project.
type OrbTransformer struct{}

func identity(e Envelope) Envelope { return e }

func canonicalSRS(srs int) int {
	if srs == SRSGoogleMercator {
		return SRSWebMercator
	}
	return srs
}

// Transformation implements Transformer.
func (OrbTransformer) Transformation(from, to int) (TransformFunc, error) {
	from, to = canonicalSRS(from), canonicalSRS(to)
	switch {
	case from == to:
		return identity, nil
	case from == SRSWGS84 && to == SRSWebMercator:
		return func(e Envelope) Envelope {
			return EnvelopeFromBound(project.Bound(e.Bound(), project.WGS84.ToMercator))
		}, nil
	case from == SRSWebMercator && to == SRSWGS84:
		return func(e Envelope) Envelope {
			return EnvelopeFromBound(project.Bound(e.Bound(), project.Mercator.ToWGS84))
		}, nil
	}
	return nil, fmt.Errorf("%w: %d to %d", ErrUnsupportedTransform, from, to)
}

// projector converts between a table's SRS and a caller's SRS.
type projector struct {
	t     Transformer
	table int
}

// toTable returns env, given in srs, in the table's SRS.
func (p projector) toTable(env Envelope, srs int) (Envelope, error) {
	fn, err := p.t.Transformation(srs, p.table)
	if err != nil {
		return Envelope{}, err
	}
	return fn(env), nil
}

// fromTable returns env, given in the table's SRS, in srs.
func (p projector) fromTable(env Envelope, srs int) (Envelope, error) {
	fn, err := p.t.Transformation(p.table, srs)
	if err != nil {
		return Envelope{}, err
	}
	return fn(env), nil
}
