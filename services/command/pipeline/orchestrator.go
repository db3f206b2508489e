// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline composes the command resolution components into the
// end-to-end turn flow: preprocess, cache lookup, retrieval-grounded
// classification, clarification policy, tool selection, preview staging
// for mutating intents, execution, and cache write-back.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/TraceCommand/services/command/clarify"
	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/intent"
	"github.com/AleutianAI/TraceCommand/services/command/memory"
	"github.com/AleutianAI/TraceCommand/services/command/observability"
	"github.com/AleutianAI/TraceCommand/services/command/preview"
	"github.com/AleutianAI/TraceCommand/services/command/rag"
	"github.com/AleutianAI/TraceCommand/services/command/semcache"
	"github.com/AleutianAI/TraceCommand/services/command/tools"
)

var tracer = otel.Tracer("tracecommand.pipeline")

// ErrLLMUnavailable reports that classification failed after retrying.
// Handlers map it onto a 503.
var ErrLLMUnavailable = errors.New("language model collaborator unavailable")

// Config holds pipeline tuning.
type Config struct {
	// RAGLimit is how many few-shot candidates ground the classifier.
	// Default: 5.
	RAGLimit int
}

// DefaultConfig returns pipeline defaults, overridable via RAG_LIMIT.
func DefaultConfig() Config {
	return Config{
		RAGLimit: getEnvInt("RAG_LIMIT", 5),
	}
}

// Orchestrator is the only component with the full control path.
//
// # Thread Safety
//
// Safe for concurrent use. Turns within one session are serialized via
// the conversation memory's per-session lock; turns across sessions run
// in parallel.
type Orchestrator struct {
	config    Config
	pre       *Preprocessor
	embedder  datatypes.EmbeddingProvider
	cache     *semcache.Cache
	retriever *rag.Retriever
	matcher   *intent.Matcher
	memory    *memory.Store
	clarifier *clarify.Engine
	registry  *tools.Registry
	selector  *tools.Selector
	executor  *tools.Executor
	previews  *preview.Manager
	metrics   *observability.TurnMetrics
}

// New wires the pipeline. All collaborators are required except metrics.
func New(
	config Config,
	embedder datatypes.EmbeddingProvider,
	cache *semcache.Cache,
	retriever *rag.Retriever,
	matcher *intent.Matcher,
	memoryStore *memory.Store,
	clarifier *clarify.Engine,
	registry *tools.Registry,
	selector *tools.Selector,
	executor *tools.Executor,
	previews *preview.Manager,
	metrics *observability.TurnMetrics,
) (*Orchestrator, error) {
	if embedder == nil || cache == nil || retriever == nil || matcher == nil ||
		memoryStore == nil || clarifier == nil || registry == nil ||
		selector == nil || executor == nil || previews == nil {
		return nil, errors.New("all pipeline collaborators are required")
	}
	if config.RAGLimit <= 0 {
		config.RAGLimit = 5
	}
	return &Orchestrator{
		config:    config,
		pre:       NewPreprocessor(),
		embedder:  embedder,
		cache:     cache,
		retriever: retriever,
		matcher:   matcher,
		memory:    memoryStore,
		clarifier: clarifier,
		registry:  registry,
		selector:  selector,
		executor:  executor,
		previews:  previews,
		metrics:   metrics,
	}, nil
}

// ResolveTurn handles one utterance end to end.
func (o *Orchestrator) ResolveTurn(ctx context.Context, query datatypes.Query) (*datatypes.TurnResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.ResolveTurn")
	span.SetAttributes(
		attribute.String("factory_id", query.FactoryID),
		attribute.String("session_id", query.SessionID),
	)
	defer span.End()

	start := time.Now()

	// Turns within a session are strictly ordered; memory mutation must
	// not be reordered across turns.
	lock := o.memory.TurnLock(query.SessionID)
	lock.Lock()
	defer lock.Unlock()

	result, err := o.resolveTurnLocked(ctx, query)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		o.metrics.RecordTurn("error", "none", elapsed)
		return nil, err
	}

	result.LatencyMs = elapsed.Milliseconds()
	span.SetAttributes(attribute.String("status", string(result.Status)))
	o.metrics.RecordTurn(string(result.Status), string(result.CacheHitType), elapsed)
	return result, nil
}

func (o *Orchestrator) resolveTurnLocked(ctx context.Context, query datatypes.Query) (*datatypes.TurnResult, error) {
	remembered := o.memory.Snapshot(query.SessionID)
	pre := o.pre.Process(query.Text, remembered)

	embedding, err := o.embedder.Embed(ctx, pre.RewrittenQuery)
	if err != nil {
		// Degrade: exact-hash caching and classification still work
		// without a vector; semantic recall is lost for this turn.
		slog.Warn("embedding failed, continuing without vector",
			"factory_id", query.FactoryID, "error", err)
		embedding = nil
	}

	hit := o.cache.Lookup(ctx, query.FactoryID, pre.RewrittenQuery, pre.ExtractedParams, embedding)
	if o.metrics != nil {
		o.metrics.CacheOutcomes.WithLabelValues(string(hit.Type)).Inc()
	}
	if hit.IsHit() {
		if result, ok := o.answerFromCache(ctx, query, pre, hit); ok {
			trace.SpanFromContext(ctx).AddEvent("cache_short_circuit",
				trace.WithAttributes(
					attribute.String("hit_type", string(hit.Type)),
					attribute.String("intent_code", hit.IntentCode),
				))
			return result, nil
		}
	}

	match, err := o.classify(ctx, query, pre, embedding)
	if err != nil {
		return nil, err
	}

	requirements := o.registry.Requirements(match.IntentCode)
	decision := o.clarifier.Decide(pre, match, remembered, requirements)

	if decision.NeedClarification {
		return &datatypes.TurnResult{
			Status:        datatypes.TurnNeedClarification,
			IntentCode:    match.IntentCode,
			Clarification: decision,
			CacheHitType:  hit.Type,
		}, nil
	}

	params := o.mergeParams(pre, match, decision)
	o.rememberEntities(query.SessionID, params)

	if requirements.Mutating {
		return o.stagePreview(ctx, query, match, params, decision, hit.Type)
	}

	return o.executeReadOnly(ctx, query, pre, match, params, decision, embedding, hit.Type)
}

// answerFromCache applies the short-circuit rules. Read-only intents
// answer straight from the cached results; mutating intents reuse the
// cached intent but always stage a fresh preview, a cached execution is
// never re-applied blindly.
func (o *Orchestrator) answerFromCache(ctx context.Context, query datatypes.Query, pre *datatypes.PreprocessedQuery, hit datatypes.SemanticCacheHit) (*datatypes.TurnResult, bool) {
	requirements := o.registry.Requirements(hit.IntentCode)

	var match datatypes.IntentMatchResult
	if err := json.Unmarshal([]byte(hit.IntentResultJSON), &match); err != nil {
		slog.Warn("cached intent result unreadable, falling through to classification",
			"cache_id", hit.CacheID, "error", err)
		return nil, false
	}

	params := o.mergeParams(pre, &match, nil)
	o.rememberEntities(query.SessionID, params)

	if requirements.Mutating {
		staged, err := o.previews.Stage(ctx, query.FactoryID, query.UserID, hit.IntentCode, params)
		if err != nil {
			slog.Error("staging preview from cache hit failed", "error", err)
			return nil, false
		}
		return &datatypes.TurnResult{
			Status:       datatypes.TurnNeedConfirmation,
			IntentCode:   hit.IntentCode,
			PreviewToken: staged.Token,
			ExpiresAt:    staged.ExpiresAt,
			FromCache:    true,
			CacheHitType: hit.Type,
		}, true
	}

	answer := map[string]any{}
	if hit.ExecutionResultJSON != "" {
		if err := json.Unmarshal([]byte(hit.ExecutionResultJSON), &answer); err != nil {
			slog.Warn("cached execution result unreadable, falling through",
				"cache_id", hit.CacheID, "error", err)
			return nil, false
		}
	} else {
		// Intent cached but never executed: run the tool now.
		return nil, false
	}

	return &datatypes.TurnResult{
		Status:       datatypes.TurnAnswered,
		IntentCode:   hit.IntentCode,
		Answer:       answer,
		FromCache:    true,
		CacheHitType: hit.Type,
	}, true
}

// classify runs retrieval-grounded intent matching. RAG failure
// degrades to an empty context; matcher failure aborts the turn with no
// partial cache write and no token staged.
func (o *Orchestrator) classify(ctx context.Context, query datatypes.Query, pre *datatypes.PreprocessedQuery, embedding []float32) (*datatypes.IntentMatchResult, error) {
	ragContext := o.retriever.Retrieve(ctx, query.FactoryID, pre.RewrittenQuery, embedding, o.config.RAGLimit)

	match, err := o.matcher.Match(ctx, query.FactoryID, pre.RewrittenQuery, ragContext)
	if err != nil {
		var me *intent.MatchError
		if errors.As(err, &me) && me.Retryable {
			return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
		}
		// Terminal parse/validation failure: treat as no confident match
		// and let the clarification policy take over.
		slog.Warn("intent classification unparseable, forcing clarification",
			"factory_id", query.FactoryID, "error", err)
		return &datatypes.IntentMatchResult{Confidence: 0}, nil
	}
	return match, nil
}

// stagePreview stages a mutating intent behind a confirmation token.
func (o *Orchestrator) stagePreview(ctx context.Context, query datatypes.Query, match *datatypes.IntentMatchResult, params map[string]string, decision *datatypes.ClarificationDecision, hitType datatypes.HitType) (*datatypes.TurnResult, error) {
	staged, err := o.previews.Stage(ctx, query.FactoryID, query.UserID, match.IntentCode, params)
	if err != nil {
		return nil, fmt.Errorf("staging preview: %w", err)
	}

	return &datatypes.TurnResult{
		Status:        datatypes.TurnNeedConfirmation,
		IntentCode:    match.IntentCode,
		Clarification: inferenceOnly(decision),
		PreviewToken:  staged.Token,
		ExpiresAt:     staged.ExpiresAt,
		CacheHitType:  hitType,
	}, nil
}

// executeReadOnly selects and runs the tool, records the match for
// future retrieval, and writes the cache back on success.
func (o *Orchestrator) executeReadOnly(ctx context.Context, query datatypes.Query, pre *datatypes.PreprocessedQuery, match *datatypes.IntentMatchResult, params map[string]string, decision *datatypes.ClarificationDecision, embedding []float32, hitType datatypes.HitType) (*datatypes.TurnResult, error) {
	tool, err := o.selector.Select(match.IntentCode)
	if err != nil {
		tool = o.selectDynamicFallback(pre.RewrittenQuery, embedding)
	}
	if tool == nil {
		// Clarification-worthy: the intent resolved to nothing we can run.
		return &datatypes.TurnResult{
			Status:     datatypes.TurnNeedClarification,
			IntentCode: match.IntentCode,
			Clarification: &datatypes.ClarificationDecision{
				NeedClarification:  true,
				Reason:             "no registered tool matches the request",
				Type:               datatypes.ClarifyAmbiguousAction,
				SuggestedQuestions: []string{"I don't know how to do that. Could you rephrase it?"},
				Priority:           8,
			},
			CacheHitType: hitType,
		}, nil
	}

	result := o.executor.Execute(ctx, query.FactoryID, tool, params)
	if o.metrics != nil {
		o.metrics.ExecutionsTotal.WithLabelValues(fmt.Sprintf("%t", result.Success)).Inc()
	}
	if !result.Success {
		return nil, fmt.Errorf("executing %s: %s", tool.Name, result.Message)
	}

	o.writeBack(ctx, query, pre, match, embedding, result)

	answer := map[string]any{
		"message": result.Message,
		"data":    result.Data,
	}
	return &datatypes.TurnResult{
		Status:        datatypes.TurnAnswered,
		IntentCode:    match.IntentCode,
		Answer:        answer,
		Clarification: inferenceOnly(decision),
		CacheHitType:  hitType,
	}, nil
}

// selectDynamicFallback ranks the tool catalog against the query
// embedding when the intent has no static tool mapping. Returns nil
// when nothing clears the similarity floor, which sends the turn back
// to the user as a clarification.
func (o *Orchestrator) selectDynamicFallback(queryText string, embedding []float32) *tools.Tool {
	if len(embedding) == 0 {
		return nil
	}
	ranked, err := o.selector.SelectDynamic(queryText, embedding, "")
	if err != nil || len(ranked) == 0 {
		return nil
	}
	slog.Info("intent had no static tool, using dynamic selection",
		"tool", ranked[0].Tool.Name, "similarity", ranked[0].Similarity)
	return ranked[0].Tool
}

// ConfirmPreview releases a staged mutating action: the token must be
// PENDING, owned by the user, and inside its TTL. On success the tool
// runs and the outcome is returned.
func (o *Orchestrator) ConfirmPreview(ctx context.Context, token, userID string) (*datatypes.SkillResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.ConfirmPreview")
	defer span.End()

	confirmed, err := o.previews.Confirm(ctx, token, userID)
	if err != nil {
		if o.metrics != nil {
			o.metrics.ConfirmsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.ConfirmsTotal.WithLabelValues("confirmed").Inc()
	}

	tool, serr := o.selector.Select(confirmed.IntentCode)
	if serr != nil {
		return nil, fmt.Errorf("confirmed intent %s has no tool: %w", confirmed.IntentCode, serr)
	}

	result := o.executor.Execute(ctx, confirmed.FactoryID, tool, confirmed.Params)
	if o.metrics != nil {
		o.metrics.ExecutionsTotal.WithLabelValues(fmt.Sprintf("%t", result.Success)).Inc()
	}
	return result, nil
}

// CancelPreview discards a staged action.
func (o *Orchestrator) CancelPreview(ctx context.Context, token, userID string) error {
	_, err := o.previews.Cancel(ctx, token, userID)
	return err
}

// writeBack persists the resolved turn for future cache hits and
// retrieval grounding. Best effort: a write failure costs future
// latency, not this turn's correctness.
func (o *Orchestrator) writeBack(ctx context.Context, query datatypes.Query, pre *datatypes.PreprocessedQuery, match *datatypes.IntentMatchResult, embedding []float32, result *datatypes.SkillResult) {
	intentJSON, err := json.Marshal(match)
	if err != nil {
		slog.Error("marshalling intent result for cache", "error", err)
		return
	}
	executionJSON, err := json.Marshal(map[string]any{
		"message": result.Message,
		"data":    result.Data,
	})
	if err != nil {
		slog.Error("marshalling execution result for cache", "error", err)
		return
	}

	if err := o.cache.Write(ctx, query.FactoryID, pre.RewrittenQuery, pre.ExtractedParams,
		embedding, match.IntentCode, string(intentJSON), string(executionJSON)); err != nil {
		slog.Warn("cache write-back failed", "factory_id", query.FactoryID, "error", err)
	}

	if embedding != nil {
		if err := o.retriever.RecordMatch(ctx, query.FactoryID, pre.RewrittenQuery,
			match.IntentCode, match.Confidence, embedding, false); err != nil {
			slog.Debug("recording match for retrieval failed", "error", err)
		}
	}
}

// mergeParams folds extracted, resolved, classified, and inferred values
// into one parameter map, later sources winning.
func (o *Orchestrator) mergeParams(pre *datatypes.PreprocessedQuery, match *datatypes.IntentMatchResult, decision *datatypes.ClarificationDecision) map[string]string {
	params := make(map[string]string)
	for k, v := range pre.ExtractedParams {
		params[k] = v
	}
	for k, v := range pre.ResolvedReferences {
		params[k] = v
	}
	if match != nil {
		for k, v := range match.Slots {
			if v != "" {
				params[k] = v
			}
		}
	}
	if decision != nil {
		for k, v := range decision.InferredDefaults {
			if _, present := params[k]; !present {
				params[k] = v
			}
		}
	}
	return params
}

// rememberEntities feeds resolved identifiers back into conversation
// memory for the next turn's reference resolution.
func (o *Orchestrator) rememberEntities(sessionID string, params map[string]string) {
	var slots []datatypes.EntitySlot
	for _, st := range []datatypes.SlotType{
		datatypes.SlotBatch, datatypes.SlotOrder, datatypes.SlotProduct,
		datatypes.SlotLine, datatypes.SlotMerchant,
	} {
		if v := params[string(st)]; v != "" {
			slots = append(slots, datatypes.EntitySlot{Type: st, Value: v})
		}
	}
	o.memory.RememberAll(sessionID, slots)
}

// inferenceOnly passes a decision through only when it carries a
// disclosed inference worth surfacing.
func inferenceOnly(decision *datatypes.ClarificationDecision) *datatypes.ClarificationDecision {
	if decision != nil && decision.CanProceedWithInference {
		return decision
	}
	return nil
}
