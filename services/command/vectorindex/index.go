// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorindex abstracts nearest-neighbor search over
// (id, vector, payload) triples.
//
// Two implementations are provided:
//
//   - MemoryIndex: exact cosine scan guarded by a RWMutex. Used by tests
//     and single-node deployments without a vector database.
//   - WeaviateIndex: nearVector GraphQL search scoped by factory, for
//     deployments with a running Weaviate instance.
//
// All vectors in one index share a dimension; a candidate of a different
// dimension scores 0 and is never returned as a match.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Entry is one stored triple.
type Entry struct {
	ID        string
	FactoryID string
	Vector    []float32
	Payload   []byte
	CreatedAt time.Time
}

// Match is one scored search result, sorted highest similarity first.
type Match struct {
	Entry      Entry
	Similarity float64
}

// Index is the nearest-neighbor store consumed by the semantic cache and
// the tool selector.
type Index interface {
	// Upsert stores or replaces the entry under its ID.
	Upsert(ctx context.Context, e Entry) error

	// Search returns up to topK entries for the factory, sorted by cosine
	// similarity descending. Ties break by most-recent CreatedAt.
	Search(ctx context.Context, factoryID string, vector []float32, topK int) ([]Match, error)

	// Delete removes the entry if present. Deleting an absent ID is a no-op.
	Delete(ctx context.Context, id string) error
}

// Cosine computes cosine similarity between two vectors. Zero-norm or
// dimension-mismatched inputs score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MemoryIndex is an in-process Index with exact scan search.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]Entry)}
}

// Upsert stores or replaces the entry under its ID.
func (m *MemoryIndex) Upsert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
	return nil
}

// Search scans all entries for the factory and returns the topK by
// cosine similarity, most recent first among equals.
func (m *MemoryIndex) Search(_ context.Context, factoryID string, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	matches := make([]Match, 0, len(m.entries))
	for _, e := range m.entries {
		if e.FactoryID != factoryID {
			continue
		}
		matches = append(matches, Match{Entry: e, Similarity: Cosine(vector, e.Vector)})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Entry.CreatedAt.After(matches[j].Entry.CreatedAt)
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete removes the entry if present.
func (m *MemoryIndex) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Index = (*MemoryIndex)(nil)
