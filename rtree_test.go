package gpkgindex

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTreeIndex_Query(t *testing.T) {
	ctx := context.Background()
	progress := &testProgress{}
	gp := openTestGeoPackage(t, &Options{Progress: progress})
	table := createTestTable(t, gp, "t", scenarioGeoms()...)
	rtree := NewRTreeIndex(gp, table)
	assert.Equal(t, "rtree_t_geom", rtree.TableName())

	_, err := rtree.Query(ctx, world)
	assert.ErrorIs(t, err, ErrNoRTree)
	_, err = rtree.Count(ctx, world)
	assert.ErrorIs(t, err, ErrNoRTree)
	_, _, err = rtree.BoundingBox(ctx)
	assert.ErrorIs(t, err, ErrNoRTree)

	created, err := rtree.Create(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, progress.count())

	created, err = rtree.Create(ctx)
	require.NoError(t, err)
	assert.False(t, created)

	tests := []struct {
		name     string
		query    Envelope
		expected []int64
	}{
		{"shared edge", env(0, 0, 1, 1), []int64{1, 3}},
		{"far corner", env(5.5, 5.5, 10, 10), []int64{2}},
		{"gap", env(3, 3, 4, 4), []int64{}},
		{"everything", world, []int64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := rtree.Query(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ids)

			count, err := rtree.Count(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, len(tt.expected), count)
		})
	}

	bbox, ok, err := rtree.BoundingBox(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, env(0, 0, 6, 6), bbox)

	require.NoError(t, rtree.Delete(ctx))
	has, err := rtree.Has(ctx)
	require.NoError(t, err)
	assert.False(t, has)
	require.NoError(t, rtree.Delete(ctx))
}

func TestRTreeIndex_ExactEnvelopes(t *testing.T) {
	ctx := context.Background()
	gp := openTestGeoPackage(t, nil)
	// 0.1 and 0.2 have no exact float32 form, so their cell is wider than
	// the feature.
	table := createTestTable(t, gp, "t", box(0.1, 0.1, 0.2, 0.2))

	rtree := NewRTreeIndex(gp, table)
	_, err := rtree.Create(ctx)
	require.NoError(t, err)
	index := NewTableIndex(gp, table)
	_, err = index.BuildIndex(ctx)
	require.NoError(t, err)

	bbox, ok, err := rtree.BoundingBox(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Less(t, bbox.MinX, 0.1, "cells are rounded outwards")

	backends := map[string]FeatureIndex{
		"rtree":    rtree,
		"geometry": index,
		"manual":   manualIndex{NewManualQuery(table, nil)},
	}

	tests := []struct {
		name     string
		query    Envelope
		expected []int64
	}{
		{"below the lower corner", env(0, 0, 0.1-1e-9, 0.1-1e-9), []int64{}},
		{"above the upper corner", env(0.2+1e-9, 0.2+1e-9, 1, 1), []int64{}},
		{"touching the lower corner", env(0, 0, 0.1, 0.1), []int64{1}},
		{"inside", env(0.15, 0.15, 0.16, 0.16), []int64{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for name, b := range backends {
				ids, err := b.Query(ctx, tt.query)
				require.NoError(t, err, name)
				assert.Equal(t, tt.expected, ids, name)

				count, err := b.Count(ctx, tt.query)
				require.NoError(t, err, name)
				assert.Equal(t, len(tt.expected), count, name)
			}
		})
	}
}

func TestRTreeIndex_Triggers(t *testing.T) {
	ctx := context.Background()
	gp := openTestGeoPackage(t, nil)
	table := createTestTable(t, gp, "t", scenarioGeoms()...)
	rtree := NewRTreeIndex(gp, table)
	_, err := rtree.Create(ctx)
	require.NoError(t, err)

	query := func(e Envelope) []int64 {
		ids, err := rtree.Query(ctx, e)
		require.NoError(t, err)
		return ids
	}

	id, err := table.Insert(ctx, box(10, 10, 11, 11), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, query(env(10, 10, 11, 11)))

	_, err = table.Update(ctx, id, box(20, 20, 21, 21), nil)
	require.NoError(t, err)
	assert.Empty(t, query(env(10, 10, 11, 11)))
	assert.Equal(t, []int64{id}, query(env(20, 20, 21, 21)))

	_, err = table.Update(ctx, id, orb.LineString{}, nil)
	require.NoError(t, err)
	assert.Empty(t, query(env(20, 20, 21, 21)), "empty geometries leave the index")

	_, err = table.Update(ctx, id, orb.Point{30, 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, query(env(30, 30, 30, 30)))

	_, err = table.Update(ctx, id, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, query(env(30, 30, 30, 30)), "null geometries leave the index")

	_, err = table.Update(ctx, 2, box(40, 40, 41, 41), nil)
	require.NoError(t, err)
	_, err = table.Delete(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, query(world))

	_, err = gp.DB().ExecContext(ctx, `UPDATE t SET fid = 50 WHERE fid = 3`)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 50}, query(world))
}

func TestRTreeIndex_SkipsRows(t *testing.T) {
	ctx := context.Background()
	gp := openTestGeoPackage(t, nil)
	table := createTestTable(t, gp, "t", box(0, 0, 1, 1), nil, orb.LineString{})
	_, err := gp.DB().ExecContext(ctx, `INSERT INTO t (geom) VALUES (?)`, []byte("garbage"))
	require.NoError(t, err)

	rtree := NewRTreeIndex(gp, table)
	_, err = rtree.Create(ctx)
	require.NoError(t, err)

	ids, err := rtree.Query(ctx, world)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestRTreeIndex_EmptyTable(t *testing.T) {
	ctx := context.Background()
	gp := openTestGeoPackage(t, nil)
	table := createTestTable(t, gp, "t")
	rtree := NewRTreeIndex(gp, table)

	_, err := rtree.Create(ctx)
	require.NoError(t, err)

	_, ok, err := rtree.BoundingBox(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := rtree.Count(ctx, world)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRTreeIndex_Projection(t *testing.T) {
	ctx := context.Background()
	gp := openTestGeoPackage(t, nil)
	table := createTestTable(t, gp, "t", scenarioGeoms()...)
	rtree := NewRTreeIndex(gp, table)
	_, err := rtree.Create(ctx)
	require.NoError(t, err)

	fn, err := OrbTransformer{}.Transformation(SRSWGS84, SRSWebMercator)
	require.NoError(t, err)
	merc := fn(env(5.25, 5.25, 5.75, 5.75))

	ids, err := rtree.QueryInProjection(ctx, merc, SRSWebMercator)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	n, err := rtree.CountInProjection(ctx, merc, SRSWebMercator)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bbox, ok, err := rtree.BoundingBoxInProjection(ctx, SRSWGS84)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, env(0, 0, 6, 6), bbox)

	_, _, err = rtree.BoundingBoxInProjection(ctx, 27700)
	assert.ErrorIs(t, err, ErrUnsupportedTransform)
}
