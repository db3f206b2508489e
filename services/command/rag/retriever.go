// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag retrieves few-shot grounding context for intent
// classification: prior queries similar to the current one, drawn from
// learned canonical expressions and historical match records.
//
// Retrieval is strictly best-effort. An empty or failing pool degrades
// to fewer (or zero) candidates; it never fails the turn.
package rag

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/vectorindex"
)

var tracer = otel.Tracer("tracecommand.rag")

// candidateRecord is the stored payload behind each pool entry.
type candidateRecord struct {
	UserInput  string  `json:"user_input"`
	IntentCode string  `json:"intent_code"`
	Confidence float64 `json:"confidence"`
	Confirmed  bool    `json:"confirmed"`
}

// Config holds retriever tuning.
type Config struct {
	// ConfirmedOnly restricts the match-record pool to user-confirmed
	// records for higher trust. Default: false.
	ConfirmedOnly bool

	// PerPoolLimit is how many candidates to fetch from each pool before
	// merging. Default: equal to the caller's limit.
	PerPoolLimit int
}

// Retriever fetches RAG candidates from the two pools.
//
// # Thread Safety
//
// Safe for concurrent use.
type Retriever struct {
	expressions vectorindex.Index
	records     vectorindex.Index
	config      Config
}

// New creates a retriever over the expression and match-record indexes.
func New(expressions, records vectorindex.Index, config Config) *Retriever {
	return &Retriever{expressions: expressions, records: records, config: config}
}

// Retrieve returns up to limit candidates similar to the query, highest
// similarity first. Ties break by source trust: USER_CONFIRMED over
// MATCH_RECORD over LEARNED_EXPRESSION.
func (r *Retriever) Retrieve(ctx context.Context, factoryID, query string, embedding []float32, limit int) []datatypes.RAGCandidate {
	ctx, span := tracer.Start(ctx, "rag.Retrieve")
	defer span.End()

	if limit <= 0 || len(embedding) == 0 {
		return nil
	}

	perPool := r.config.PerPoolLimit
	if perPool <= 0 {
		perPool = limit
	}

	var fromExpressions, fromRecords []datatypes.RAGCandidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fromExpressions = r.fetchPool(gctx, r.expressions, factoryID, embedding, perPool, false)
		return nil
	})
	g.Go(func() error {
		fromRecords = r.fetchPool(gctx, r.records, factoryID, embedding, perPool, true)
		return nil
	})
	_ = g.Wait() // pool failures already degraded to empty slices

	merged := append(fromExpressions, fromRecords...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].Source.Priority() > merged[j].Source.Priority()
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	slog.Debug("Retrieved RAG candidates",
		"factory_id", factoryID,
		"expressions", len(fromExpressions),
		"records", len(fromRecords),
		"returned", len(merged))
	return merged
}

// fetchPool searches one pool, converting stored records to candidates.
// Failures and unparseable payloads degrade to fewer results.
func (r *Retriever) fetchPool(ctx context.Context, index vectorindex.Index, factoryID string, embedding []float32, limit int, isRecordPool bool) []datatypes.RAGCandidate {
	matches, err := index.Search(ctx, factoryID, embedding, limit)
	if err != nil {
		slog.Warn("RAG pool search failed, continuing without it",
			"factory_id", factoryID, "record_pool", isRecordPool, "error", err)
		return nil
	}

	candidates := make([]datatypes.RAGCandidate, 0, len(matches))
	for _, m := range matches {
		var rec candidateRecord
		if err := json.Unmarshal(m.Entry.Payload, &rec); err != nil {
			slog.Debug("Skipping unparseable RAG payload", "id", m.Entry.ID, "error", err)
			continue
		}

		source := datatypes.SourceLearnedExpression
		if isRecordPool {
			source = datatypes.SourceMatchRecord
			if rec.Confirmed {
				source = datatypes.SourceUserConfirmed
			} else if r.config.ConfirmedOnly {
				continue
			}
		}

		candidates = append(candidates, datatypes.RAGCandidate{
			UserInput:  rec.UserInput,
			IntentCode: rec.IntentCode,
			Confidence: rec.Confidence,
			Similarity: m.Similarity,
			Source:     source,
		})
	}
	return candidates
}

// RecordMatch appends a historical match record for future retrieval.
// Called on the write-back path after a successfully resolved turn.
func (r *Retriever) RecordMatch(ctx context.Context, factoryID, userInput, intentCode string, confidence float64, embedding []float32, confirmed bool) error {
	raw, err := json.Marshal(candidateRecord{
		UserInput:  userInput,
		IntentCode: intentCode,
		Confidence: confidence,
		Confirmed:  confirmed,
	})
	if err != nil {
		return err
	}
	return r.records.Upsert(ctx, vectorindex.Entry{
		ID:        uuid.NewString(),
		FactoryID: factoryID,
		Vector:    embedding,
		Payload:   raw,
		CreatedAt: time.Now(),
	})
}

// AddExpression registers a learned canonical expression.
func (r *Retriever) AddExpression(ctx context.Context, factoryID, expression, intentCode string, confidence float64, embedding []float32) error {
	raw, err := json.Marshal(candidateRecord{
		UserInput:  expression,
		IntentCode: intentCode,
		Confidence: confidence,
	})
	if err != nil {
		return err
	}
	return r.expressions.Upsert(ctx, vectorindex.Entry{
		ID:        uuid.NewString(),
		FactoryID: factoryID,
		Vector:    embedding,
		Payload:   raw,
		CreatedAt: time.Now(),
	})
}
