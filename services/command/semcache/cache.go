// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semcache implements the semantic query cache: exact-hash
// lookup over BadgerDB plus approximate nearest-neighbor lookup over the
// vector index.
//
// # Write Semantics
//
// Writes are append-only per distinct exact hash. A write for an
// existing hash may only fill the previously-null execution result; the
// intent result is write-once. A new distinct request always creates a
// new entry, so an old side-effectful result is never forged from
// different inputs.
//
// # Failure Semantics
//
// A corrupted stored payload is treated as a MISS for that entry, never
// surfaced to the caller, and is queued for removal by the background
// sweeper.
package semcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/vectorindex"
)

var tracer = otel.Tracer("tracecommand.semcache")

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracecommand_semcache_lookups_total",
		Help: "Semantic cache lookups by hit type",
	}, []string{"hit_type"})

	cacheLookupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracecommand_semcache_lookup_seconds",
		Help:    "Semantic cache lookup latency",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	cacheCorrupted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracecommand_semcache_corrupted_total",
		Help: "Corrupted cache payloads detected during lookups",
	})

	cacheCleanupRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracecommand_semcache_cleanup_removed_total",
		Help: "Cache entries removed by the background sweeper",
	})
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the tunable semantic cache parameters. The similarity
// threshold and TTL are operational values; defaults here are starting
// points meant to be re-tuned against a labeled query set.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for accepting
	// a nearest-neighbor entry as a SEMANTIC hit. Default: 0.90.
	SimilarityThreshold float64

	// TopK is how many nearest entries to consider per lookup. Default: 8.
	TopK int

	// TTL is the validity window for cached entries. Entries older than
	// TTL are ignored by lookups and removed by the sweeper. Default: 24h.
	TTL time.Duration
}

// DefaultConfig returns the default cache configuration. Values can be
// overridden via environment variables:
//   - SEMCACHE_SIMILARITY_THRESHOLD (default: 0.90)
//   - SEMCACHE_TOP_K (default: 8)
//   - SEMCACHE_TTL (default: 24h, Go duration syntax)
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: getEnvFloat("SEMCACHE_SIMILARITY_THRESHOLD", 0.90),
		TopK:                getEnvInt("SEMCACHE_TOP_K", 8),
		TTL:                 getEnvDuration("SEMCACHE_TTL", 24*time.Hour),
	}
}

// =============================================================================
// Cache
// =============================================================================

// Cache is the shared semantic cache. Safe for concurrent use across all
// sessions and factories.
type Cache struct {
	db     *badger.DB
	index  vectorindex.Index
	config Config
	now    func() time.Time

	// corrupted collects badger keys whose payloads failed to parse;
	// drained by CleanupExpired.
	mu        sync.Mutex
	corrupted map[string]struct{}
}

// New creates a cache over the given badger store and vector index.
func New(db *badger.DB, index vectorindex.Index, config Config) *Cache {
	if config.TopK <= 0 {
		config.TopK = 8
	}
	if config.SimilarityThreshold <= 0 || config.SimilarityThreshold > 1 {
		config.SimilarityThreshold = 0.90
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	return &Cache{
		db:        db,
		index:     index,
		config:    config,
		now:       time.Now,
		corrupted: make(map[string]struct{}),
	}
}

const entryKeyPrefix = "semcache/"

func entryKey(factoryID, exactHash string) []byte {
	return []byte(entryKeyPrefix + factoryID + "/" + exactHash)
}

// Lookup resolves a normalized query against the cache.
//
// Exact-hash lookup runs first (O(1), deterministic); on miss the vector
// index is queried for the factory's nearest entries, and the best match
// is accepted as SEMANTIC only at or above the similarity threshold.
// Ties break by similarity, then most-recent creation.
func (c *Cache) Lookup(ctx context.Context, factoryID, normalizedQuery string, slots map[string]string, embedding []float32) datatypes.SemanticCacheHit {
	ctx, span := tracer.Start(ctx, "semcache.Lookup")
	defer span.End()

	start := c.now()
	hit := c.lookup(ctx, factoryID, normalizedQuery, slots, embedding)
	elapsed := c.now().Sub(start)

	hit.QueryLatencyMs = elapsed.Milliseconds()
	cacheLookups.WithLabelValues(string(hit.Type)).Inc()
	cacheLookupLatency.Observe(elapsed.Seconds())
	return hit
}

func (c *Cache) lookup(ctx context.Context, factoryID, normalizedQuery string, slots map[string]string, embedding []float32) datatypes.SemanticCacheHit {
	hash := datatypes.ExactHash(factoryID, normalizedQuery, slots)
	key := entryKey(factoryID, hash)

	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})

	switch {
	case err == nil:
		entry, parseErr := datatypes.UnmarshalEntry(raw)
		if parseErr != nil {
			c.markCorrupted(string(key))
			slog.Warn("Corrupted cache payload treated as miss",
				"factory_id", factoryID, "exact_hash", hash, "error", parseErr)
		} else if !c.expired(entry) {
			return datatypes.SemanticCacheHit{
				Type:                datatypes.HitExact,
				CacheID:             entry.ID,
				Similarity:          1.0,
				IntentCode:          entry.IntentCode,
				IntentResultJSON:    entry.IntentResultJSON,
				ExecutionResultJSON: entry.ExecutionResultJSON,
				CachedAt:            entry.CreatedAt,
			}
		}
	case err != badger.ErrKeyNotFound:
		slog.Error("Cache exact lookup failed, degrading to vector search",
			"factory_id", factoryID, "error", err)
	}

	return c.semanticLookup(ctx, factoryID, embedding)
}

// semanticLookup runs the approximate path. Any index failure degrades
// to a MISS; the turn proceeds through the full pipeline instead.
func (c *Cache) semanticLookup(ctx context.Context, factoryID string, embedding []float32) datatypes.SemanticCacheHit {
	if len(embedding) == 0 {
		return datatypes.SemanticCacheHit{Type: datatypes.HitMiss}
	}

	matches, err := c.index.Search(ctx, factoryID, embedding, c.config.TopK)
	if err != nil {
		slog.Warn("Vector search failed, treating as cache miss",
			"factory_id", factoryID, "error", err)
		return datatypes.SemanticCacheHit{Type: datatypes.HitMiss}
	}

	var best *datatypes.SemanticCacheEntry
	bestSim := 0.0
	for _, m := range matches {
		if m.Similarity < c.config.SimilarityThreshold {
			continue
		}
		entry, parseErr := datatypes.UnmarshalEntry(m.Entry.Payload)
		if parseErr != nil {
			c.markCorrupted(string(entryKey(factoryID, "")) + m.Entry.ID)
			cacheCorrupted.Inc()
			slog.Warn("Corrupted vector payload skipped", "id", m.Entry.ID, "error", parseErr)
			continue
		}
		if c.expired(entry) {
			continue
		}
		if best == nil ||
			m.Similarity > bestSim ||
			(m.Similarity == bestSim && entry.CreatedAt.After(best.CreatedAt)) {
			best = entry
			bestSim = m.Similarity
		}
	}

	if best == nil {
		return datatypes.SemanticCacheHit{Type: datatypes.HitMiss}
	}
	return datatypes.SemanticCacheHit{
		Type:                datatypes.HitSemantic,
		CacheID:             best.ID,
		Similarity:          bestSim,
		IntentCode:          best.IntentCode,
		IntentResultJSON:    best.IntentResultJSON,
		ExecutionResultJSON: best.ExecutionResultJSON,
		CachedAt:            best.CreatedAt,
	}
}

// Write stores the resolution of a normalized query.
//
// For a new exact hash a fresh entry is created in both stores. For an
// existing hash only the nullable execution result may be filled, once;
// every other field is write-once and preserved.
func (c *Cache) Write(ctx context.Context, factoryID, normalizedQuery string, slots map[string]string, embedding []float32, intentCode, intentResultJSON, executionResultJSON string) error {
	ctx, span := tracer.Start(ctx, "semcache.Write")
	defer span.End()

	hash := datatypes.ExactHash(factoryID, normalizedQuery, slots)
	key := entryKey(factoryID, hash)

	var toIndex *datatypes.SemanticCacheEntry

	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			raw, copyErr := item.ValueCopy(nil)
			if copyErr != nil {
				return copyErr
			}
			existing, parseErr := datatypes.UnmarshalEntry(raw)
			if parseErr != nil {
				// Corrupted entry: replace wholesale rather than merge.
				c.markCorrupted(string(key))
			} else {
				if existing.ExecutionResultJSON != "" || executionResultJSON == "" {
					return nil // nothing the invariant allows us to change
				}
				existing.ExecutionResultJSON = executionResultJSON
				updated, marshalErr := datatypes.MarshalEntry(existing)
				if marshalErr != nil {
					return marshalErr
				}
				return txn.Set(key, updated)
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		entry := &datatypes.SemanticCacheEntry{
			ID:                  uuid.NewString(),
			FactoryID:           factoryID,
			ExactHash:           hash,
			NormalizedQuery:     normalizedQuery,
			EmbeddingVector:     embedding,
			IntentCode:          intentCode,
			IntentResultJSON:    intentResultJSON,
			ExecutionResultJSON: executionResultJSON,
			CreatedAt:           c.now(),
		}
		raw, marshalErr := datatypes.MarshalEntry(entry)
		if marshalErr != nil {
			return marshalErr
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		toIndex = entry
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}

	if toIndex != nil && len(embedding) > 0 {
		raw, _ := datatypes.MarshalEntry(toIndex)
		if err := c.index.Upsert(ctx, vectorindex.Entry{
			ID:        toIndex.ID,
			FactoryID: factoryID,
			Vector:    embedding,
			Payload:   raw,
			CreatedAt: toIndex.CreatedAt,
		}); err != nil {
			// Exact-hash path still works; the entry just won't be found
			// by approximate search until re-written.
			slog.Warn("Vector index upsert failed", "id", toIndex.ID, "error", err)
		}
	}
	return nil
}

func (c *Cache) expired(e *datatypes.SemanticCacheEntry) bool {
	return c.now().Sub(e.CreatedAt) > c.config.TTL
}

func (c *Cache) markCorrupted(key string) {
	cacheCorrupted.Inc()
	c.mu.Lock()
	c.corrupted[key] = struct{}{}
	c.mu.Unlock()
}

// CleanupExpired removes entries past their TTL and any payloads marked
// corrupted by earlier lookups. Invoked by the background sweeper, never
// on the request path.
func (c *Cache) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0

	// Drain the corrupted set first.
	c.mu.Lock()
	corrupted := c.corrupted
	c.corrupted = make(map[string]struct{})
	c.mu.Unlock()

	for key := range corrupted {
		if err := c.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		}); err != nil {
			slog.Warn("Failed to delete corrupted cache entry", "key", key, "error", err)
			continue
		}
		removed++
	}

	// Scan for expired entries.
	type victim struct {
		key []byte
		id  string
	}
	var victims []victim

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			entry, parseErr := datatypes.UnmarshalEntry(raw)
			if parseErr != nil {
				victims = append(victims, victim{key: item.KeyCopy(nil)})
				continue
			}
			if c.expired(entry) {
				victims = append(victims, victim{key: item.KeyCopy(nil), id: entry.ID})
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cleanup scan failed: %w", err)
	}

	for _, v := range victims {
		if err := c.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(v.key)
		}); err != nil {
			slog.Warn("Failed to delete expired cache entry", "error", err)
			continue
		}
		if v.id != "" {
			if err := c.index.Delete(ctx, v.id); err != nil {
				slog.Debug("Vector index delete failed during cleanup", "id", v.id, "error", err)
			}
		}
		removed++
	}

	if removed > 0 {
		cacheCleanupRemoved.Add(float64(removed))
	}
	return removed, nil
}
