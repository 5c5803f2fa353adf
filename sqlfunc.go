package gpkgindex

import (
	"database/sql/driver"

	"modernc.org/sqlite"
)

// The R-tree population statement and its triggers call these GeoPackage
// SQL functions, so they are registered for every connection the driver
// opens.
func init() {
	envelopeFuncs := map[string]func(Envelope) float64{
		"ST_MinX": func(e Envelope) float64 { return e.MinX },
		"ST_MaxX": func(e Envelope) float64 { return e.MaxX },
		"ST_MinY": func(e Envelope) float64 { return e.MinY },
		"ST_MaxY": func(e Envelope) float64 { return e.MaxY },
	}
	for name, fn := range envelopeFuncs {
		sqlite.MustRegisterDeterministicScalarFunction(name, 1, envelopeFunc(fn))
	}
	sqlite.MustRegisterDeterministicScalarFunction("ST_IsEmpty", 1, stIsEmpty)
}

type scalarFunc func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error)

// envelopeFunc returns NULL for NULL, empty or undecodable geometries.
func envelopeFunc(get func(Envelope) float64) scalarFunc {
	return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		blob, ok := args[0].([]byte)
		if !ok {
			return nil, nil
		}
		env, ok, err := envelopeOf(blob)
		if err != nil || !ok {
			return nil, nil
		}
		return get(env), nil
	}
}

// stIsEmpty returns 1 for empty geometries, 0 otherwise and NULL when the
// value is not a geometry. The triggers test NOT ST_IsEmpty(...), so NULL
// keeps unreadable blobs out of the index.
func stIsEmpty(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	blob, ok := args[0].([]byte)
	if !ok {
		return nil, nil
	}
	_, ok, err := envelopeOf(blob)
	if err != nil {
		return nil, nil
	}
	if ok {
		return int64(0), nil
	}
	return int64(1), nil
}
