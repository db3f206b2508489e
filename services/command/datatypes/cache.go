// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// HitType classifies the outcome of a semantic cache lookup.
type HitType string

const (
	// HitExact is a deterministic hash match on the normalized query.
	HitExact HitType = "EXACT"

	// HitSemantic is a nearest-neighbor match above the similarity threshold.
	HitSemantic HitType = "SEMANTIC"

	// HitMiss means no usable cached entry was found.
	HitMiss HitType = "MISS"
)

// SemanticCacheEntry is one stored resolution of a normalized request
// shape. ExactHash is unique per factory. IntentResultJSON is write-once;
// ExecutionResultJSON starts null and is filled at most once by the first
// successful execution. A distinct request creates a new entry rather
// than mutating an old one.
type SemanticCacheEntry struct {
	ID                  string    `json:"id"`
	FactoryID           string    `json:"factory_id"`
	ExactHash           string    `json:"exact_hash"`
	NormalizedQuery     string    `json:"normalized_query"`
	EmbeddingVector     []float32 `json:"embedding_vector"`
	IntentCode          string    `json:"intent_code"`
	IntentResultJSON    string    `json:"intent_result_json"`
	ExecutionResultJSON string    `json:"execution_result_json,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// SemanticCacheHit is the result of a lookup. Exactly one hit type holds.
// Similarity is 1.0 for EXACT and 0.0 for MISS.
type SemanticCacheHit struct {
	Type                HitType   `json:"hit_type"`
	CacheID             string    `json:"cache_id,omitempty"`
	Similarity          float64   `json:"similarity"`
	IntentCode          string    `json:"intent_code,omitempty"`
	IntentResultJSON    string    `json:"intent_result_json,omitempty"`
	ExecutionResultJSON string    `json:"execution_result_json,omitempty"`
	CachedAt            time.Time `json:"cached_at,omitempty"`
	QueryLatencyMs      int64     `json:"query_latency_ms"`
}

// IsHit reports whether the lookup found a usable entry.
func (h SemanticCacheHit) IsHit() bool {
	return h.Type != HitMiss
}

// Miss returns a MISS hit carrying only the observed lookup latency.
func Miss(latency time.Duration) SemanticCacheHit {
	return SemanticCacheHit{Type: HitMiss, QueryLatencyMs: latency.Milliseconds()}
}

// ExactHash computes the deterministic digest identifying a normalized
// request shape within a factory. Slot values participate in sorted key
// order so the digest is independent of map iteration order.
func ExactHash(factoryID, normalizedQuery string, slots map[string]string) string {
	h := sha256.New()
	h.Write([]byte(factoryID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(normalizedQuery))))

	if len(slots) > 0 {
		keys := make([]string, 0, len(slots))
		for k := range slots {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(slots[k]))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalEntry serializes a cache entry for the backing store.
func MarshalEntry(e *SemanticCacheEntry) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEntry deserializes a stored cache entry. Callers treat a
// non-nil error as a corrupted payload (cache miss, never a turn failure).
func UnmarshalEntry(raw []byte) (*SemanticCacheEntry, error) {
	var e SemanticCacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
