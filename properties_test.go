package gpkgindex

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnType(t *testing.T) {
	tests := []struct {
		decl     string
		expected flattypes.ColumnType
	}{
		{"INTEGER", flattypes.ColumnTypeLong},
		{"MEDIUMINT", flattypes.ColumnTypeLong},
		{"TEXT", flattypes.ColumnTypeString},
		{"VARCHAR(20)", flattypes.ColumnTypeString},
		{"CLOB", flattypes.ColumnTypeString},
		{"BLOB", flattypes.ColumnTypeBinary},
		{"", flattypes.ColumnTypeBinary},
		{"REAL", flattypes.ColumnTypeDouble},
		{"DOUBLE", flattypes.ColumnTypeDouble},
		{"NUMERIC", flattypes.ColumnTypeDouble},
		{"BOOLEAN", flattypes.ColumnTypeBool},
		{"boolean", flattypes.ColumnTypeBool},
		{"DATETIME", flattypes.ColumnTypeDateTime},
		{"DATE", flattypes.ColumnTypeDateTime},
	}

	for _, tt := range tests {
		t.Run(tt.decl, func(t *testing.T) {
			assert.Equal(t, tt.expected, columnType(tt.decl))
		})
	}
}

func TestSQLiteType(t *testing.T) {
	assert.Equal(t, "INTEGER", sqliteType(flattypes.ColumnTypeInt))
	assert.Equal(t, "INTEGER", sqliteType(flattypes.ColumnTypeULong))
	assert.Equal(t, "REAL", sqliteType(flattypes.ColumnTypeFloat))
	assert.Equal(t, "BOOLEAN", sqliteType(flattypes.ColumnTypeBool))
	assert.Equal(t, "DATETIME", sqliteType(flattypes.ColumnTypeDateTime))
	assert.Equal(t, "BLOB", sqliteType(flattypes.ColumnTypeBinary))
	assert.Equal(t, "TEXT", sqliteType(flattypes.ColumnTypeString))
	assert.Equal(t, "TEXT", sqliteType(flattypes.ColumnTypeJson))
}

func TestProperties_RoundTrip(t *testing.T) {
	schema := []propertyColumn{
		{"name", flattypes.ColumnTypeString},
		{"population", flattypes.ColumnTypeLong},
		{"area", flattypes.ColumnTypeDouble},
		{"capital", flattypes.ColumnTypeBool},
		{"founded", flattypes.ColumnTypeDateTime},
		{"raw", flattypes.ColumnTypeBinary},
		{"tags", flattypes.ColumnTypeJson},
		{"missing", flattypes.ColumnTypeString},
	}
	founded := time.Date(1237, 1, 1, 0, 0, 0, 0, time.UTC)

	data := encodeProperties(map[string]any{
		"name":       "Berlin",
		"population": int64(3669491),
		"area":       891.8,
		"capital":    true,
		"founded":    founded,
		"raw":        []byte{1, 2, 3},
		"tags":       []any{"a", "b"},
		"missing":    nil,
		"unknown":    "ignored",
	}, schema)

	props, err := decodeProperties(data, schema)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":       "Berlin",
		"population": int64(3669491),
		"area":       891.8,
		"capital":    true,
		"founded":    founded.Format(time.RFC3339Nano),
		"raw":        []byte{1, 2, 3},
		"tags":       []any{"a", "b"},
	}, props)
}

func TestProperties_Conversion(t *testing.T) {
	schema := []propertyColumn{
		{"i", flattypes.ColumnTypeLong},
		{"f", flattypes.ColumnTypeDouble},
		{"b", flattypes.ColumnTypeBool},
		{"s", flattypes.ColumnTypeString},
	}

	data := encodeProperties(map[string]any{"i": 7, "f": int32(2), "b": int64(1), "s": 42}, schema)
	props, err := decodeProperties(data, schema)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"i": int64(7), "f": 2.0, "b": true, "s": "42"}, props)

	// Values that cannot be converted are left out.
	data = encodeProperties(map[string]any{"i": "seven", "b": struct{}{}}, schema)
	assert.Empty(t, data)
}

func TestDecodeProperties_FixedWidth(t *testing.T) {
	schema := []propertyColumn{
		{"short", flattypes.ColumnTypeShort},
		{"uint", flattypes.ColumnTypeUInt},
		{"float", flattypes.ColumnTypeFloat},
	}

	var data []byte
	data = binary.LittleEndian.AppendUint16(data, 0)
	data = binary.LittleEndian.AppendUint16(data, uint16(0xfffe)) // -2
	data = binary.LittleEndian.AppendUint16(data, 1)
	data = binary.LittleEndian.AppendUint32(data, 70000)
	data = binary.LittleEndian.AppendUint16(data, 2)
	data = binary.LittleEndian.AppendUint32(data, 0x3fc00000) // 1.5

	props, err := decodeProperties(data, schema)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"short": int64(-2), "uint": int64(70000), "float": 1.5}, props)
}

func TestDecodeProperties_Invalid(t *testing.T) {
	schema := []propertyColumn{{"name", flattypes.ColumnTypeString}, {"n", flattypes.ColumnTypeLong}}
	valid := encodeProperties(map[string]any{"name": "abc", "n": 1}, schema)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated index", valid[:1]},
		{"truncated length", valid[:4]},
		{"truncated string", valid[:8]},
		{"truncated long", valid[:len(valid)-1]},
		{"column out of range", []byte{9, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeProperties(tt.data, schema)
			assert.ErrorIs(t, err, ErrInvalidData)
		})
	}

	props, err := decodeProperties(nil, schema)
	require.NoError(t, err)
	assert.Nil(t, props)
}
