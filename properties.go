package gpkgindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
)

// propertyColumn is one FlatGeobuf attribute column.
type propertyColumn struct {
	name string
	typ  flattypes.ColumnType
}

// propertySchema maps feature table columns to FlatGeobuf columns.
func propertySchema(columns []Column) []propertyColumn {
	schema := make([]propertyColumn, len(columns))
	for i, c := range columns {
		schema[i] = propertyColumn{name: c.Name, typ: columnType(c.Type)}
	}
	return schema
}

// columnType picks the FlatGeobuf type for a declared SQLite column type,
// following SQLite's type affinity rules.
func columnType(decl string) flattypes.ColumnType {
	d := strings.ToUpper(strings.TrimSpace(decl))
	switch {
	case d == "BOOLEAN":
		return flattypes.ColumnTypeBool
	case d == "DATE" || d == "DATETIME" || d == "TIMESTAMP":
		return flattypes.ColumnTypeDateTime
	case strings.Contains(d, "INT"):
		return flattypes.ColumnTypeLong
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return flattypes.ColumnTypeString
	case d == "" || strings.Contains(d, "BLOB"):
		return flattypes.ColumnTypeBinary
	}
	return flattypes.ColumnTypeDouble
}

// sqliteType is the declared SQLite type used when creating a column for a
// FlatGeobuf column type.
func sqliteType(t flattypes.ColumnType) string {
	switch t {
	case flattypes.ColumnTypeBool:
		return "BOOLEAN"
	case flattypes.ColumnTypeByte, flattypes.ColumnTypeUByte, flattypes.ColumnTypeShort,
		flattypes.ColumnTypeUShort, flattypes.ColumnTypeInt, flattypes.ColumnTypeUInt,
		flattypes.ColumnTypeLong, flattypes.ColumnTypeULong:
		return "INTEGER"
	case flattypes.ColumnTypeFloat, flattypes.ColumnTypeDouble:
		return "REAL"
	case flattypes.ColumnTypeDateTime:
		return "DATETIME"
	case flattypes.ColumnTypeBinary:
		return "BLOB"
	}
	return "TEXT"
}

// encodeProperties encodes props in FlatGeobuf property layout: for each
// non-null value a little endian uint16 column index followed by the value.
// Strings, JSON, date-times and blobs carry a uint32 length prefix. Values
// that cannot be converted to their column type are left out.
func encodeProperties(props map[string]any, schema []propertyColumn) []byte {
	if len(props) == 0 || len(schema) == 0 {
		return nil
	}

	var buf []byte
	for i, col := range schema {
		v, ok := props[col.name]
		if !ok || v == nil {
			continue
		}
		value, ok := encodeValue(v, col.typ)
		if !ok {
			continue
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(i))
		buf = append(buf, value...)
	}
	return buf
}

func encodeValue(v any, t flattypes.ColumnType) ([]byte, bool) {
	switch t {
	case flattypes.ColumnTypeBool:
		b, ok := toBool(v)
		if !ok {
			return nil, false
		}
		if b {
			return []byte{1}, true
		}
		return []byte{0}, true

	case flattypes.ColumnTypeLong:
		n, ok := toInt64(v)
		if !ok {
			return nil, false
		}
		return binary.LittleEndian.AppendUint64(nil, uint64(n)), true

	case flattypes.ColumnTypeDouble:
		f, ok := toFloat64(v)
		if !ok {
			return nil, false
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), true

	case flattypes.ColumnTypeDateTime:
		if tm, ok := v.(time.Time); ok {
			return lengthPrefixed([]byte(tm.Format(time.RFC3339Nano))), true
		}
		return lengthPrefixed([]byte(toString(v))), true

	case flattypes.ColumnTypeBinary:
		switch b := v.(type) {
		case []byte:
			return lengthPrefixed(b), true
		case string:
			return lengthPrefixed([]byte(b)), true
		}
		return nil, false

	case flattypes.ColumnTypeJson:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		return lengthPrefixed(b), true
	}

	return lengthPrefixed([]byte(toString(v))), true
}

func lengthPrefixed(b []byte) []byte {
	out := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(b)), uint32(len(b)))
	return append(out, b...)
}

// decodeProperties decodes a FlatGeobuf property buffer.
func decodeProperties(data []byte, schema []propertyColumn) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	props := make(map[string]any)
	for off := 0; off < len(data); {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated property index at %d", ErrInvalidData, off)
		}
		i := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if i >= len(schema) {
			return nil, fmt.Errorf("%w: property column %d out of range", ErrInvalidData, i)
		}

		v, n, ok := decodeValue(data[off:], schema[i].typ)
		if !ok {
			return nil, fmt.Errorf("%w: truncated value for column %q", ErrInvalidData, schema[i].name)
		}
		props[schema[i].name] = v
		off += n
	}
	return props, nil
}

// fixedWidth is the encoded size of fixed width column types.
var fixedWidth = map[flattypes.ColumnType]int{
	flattypes.ColumnTypeBool:   1,
	flattypes.ColumnTypeByte:   1,
	flattypes.ColumnTypeUByte:  1,
	flattypes.ColumnTypeShort:  2,
	flattypes.ColumnTypeUShort: 2,
	flattypes.ColumnTypeInt:    4,
	flattypes.ColumnTypeUInt:   4,
	flattypes.ColumnTypeFloat:  4,
	flattypes.ColumnTypeLong:   8,
	flattypes.ColumnTypeULong:  8,
	flattypes.ColumnTypeDouble: 8,
}

// decodeValue reads one value and returns it with the number of bytes used.
// Integers decode to int64 and floats to float64 so they bind directly as
// SQLite parameters.
func decodeValue(data []byte, t flattypes.ColumnType) (any, int, bool) {
	if w, ok := fixedWidth[t]; ok {
		if len(data) < w {
			return nil, 0, false
		}
		le := binary.LittleEndian
		switch t {
		case flattypes.ColumnTypeBool:
			return data[0] != 0, 1, true
		case flattypes.ColumnTypeByte:
			return int64(int8(data[0])), 1, true
		case flattypes.ColumnTypeUByte:
			return int64(data[0]), 1, true
		case flattypes.ColumnTypeShort:
			return int64(int16(le.Uint16(data))), 2, true
		case flattypes.ColumnTypeUShort:
			return int64(le.Uint16(data)), 2, true
		case flattypes.ColumnTypeInt:
			return int64(int32(le.Uint32(data))), 4, true
		case flattypes.ColumnTypeUInt:
			return int64(le.Uint32(data)), 4, true
		case flattypes.ColumnTypeFloat:
			return float64(math.Float32frombits(le.Uint32(data))), 4, true
		case flattypes.ColumnTypeLong, flattypes.ColumnTypeULong:
			return int64(le.Uint64(data)), 8, true
		case flattypes.ColumnTypeDouble:
			return math.Float64frombits(le.Uint64(data)), 8, true
		}
	}

	if len(data) < 4 {
		return nil, 0, false
	}
	n := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+n {
		return nil, 0, false
	}
	raw := data[4 : 4+n]

	switch t {
	case flattypes.ColumnTypeBinary:
		return append([]byte(nil), raw...), 4 + n, true
	case flattypes.ColumnTypeJson:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return string(raw), 4 + n, true
		}
		return v, 4 + n, true
	}
	return string(raw), 4 + n, true
}

// Type conversion helpers

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	}
	if n, ok := toInt64(v); ok {
		return n != 0, true
	}
	return false, false
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	if n, ok := toInt64(v); ok {
		return float64(n), true
	}
	return 0, false
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
