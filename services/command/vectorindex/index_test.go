// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"scaled is identical", []float32{1, 2, 3}, []float32{2, 4, 6}, 1.0},
		{"dimension mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0.0},
		{"empty", nil, nil, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestMemoryIndex_SearchOrdersBySimilarity(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "far", FactoryID: "f1", Vector: []float32{0, 1}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "near", FactoryID: "f1", Vector: []float32{1, 0.1}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "exact", FactoryID: "f1", Vector: []float32{1, 0}}))

	matches, err := idx.Search(ctx, "f1", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "exact", matches[0].Entry.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
	assert.Equal(t, "near", matches[1].Entry.ID)
	assert.Equal(t, "far", matches[2].Entry.ID)
}

func TestMemoryIndex_SearchIsFactoryScoped(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "mine", FactoryID: "f1", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "other", FactoryID: "f2", Vector: []float32{1, 0}}))

	matches, err := idx.Search(ctx, "f1", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "mine", matches[0].Entry.ID)
}

func TestMemoryIndex_SearchTruncatesToTopK(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	for _, e := range []Entry{
		{ID: "a", FactoryID: "f1", Vector: []float32{1, 0}},
		{ID: "b", FactoryID: "f1", Vector: []float32{0.9, 0.1}},
		{ID: "c", FactoryID: "f1", Vector: []float32{0, 1}},
	} {
		require.NoError(t, idx.Upsert(ctx, e))
	}

	matches, err := idx.Search(ctx, "f1", []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = idx.Search(ctx, "f1", []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryIndex_TiesBreakByRecency(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "old", FactoryID: "f1", Vector: []float32{1, 0}, CreatedAt: base}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "new", FactoryID: "f1", Vector: []float32{1, 0}, CreatedAt: base.Add(time.Hour)}))

	matches, err := idx.Search(ctx, "f1", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "new", matches[0].Entry.ID)
}

func TestMemoryIndex_UpsertReplacesAndDeleteIsIdempotent(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", FactoryID: "f1", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", FactoryID: "f1", Vector: []float32{0, 1}}))
	assert.Equal(t, 1, idx.Len())

	matches, err := idx.Search(ctx, "f1", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)

	require.NoError(t, idx.Delete(ctx, "a"))
	require.NoError(t, idx.Delete(ctx, "a"))
	assert.Equal(t, 0, idx.Len())
}
