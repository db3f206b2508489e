// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TraceCommand/services/command/clarify"
	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/intent"
	"github.com/AleutianAI/TraceCommand/services/command/memory"
	"github.com/AleutianAI/TraceCommand/services/command/preview"
	"github.com/AleutianAI/TraceCommand/services/command/rag"
	"github.com/AleutianAI/TraceCommand/services/command/semcache"
	"github.com/AleutianAI/TraceCommand/services/command/storage/badgerdb"
	"github.com/AleutianAI/TraceCommand/services/command/tools"
	"github.com/AleutianAI/TraceCommand/services/command/vectorindex"
	"github.com/AleutianAI/TraceCommand/services/llm"
)

// hashEmbedder maps text to a deterministic unit vector: identical text
// gets identical vectors, similar wording stays nearby.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 16)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, r := range word {
			h = h*31 + int(r)
		}
		if h < 0 {
			h = -h
		}
		vec[h%16]++
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		inv := 1 / float32(sqrt64(float64(norm)))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func sqrt64(f float64) float64 {
	if f <= 0 {
		return 0
	}
	x := f
	for i := 0; i < 20; i++ {
		x = (x + f/x) / 2
	}
	return x
}

// scriptedLLM classifies by substring of the user message.
type scriptedLLM struct {
	calls atomic.Int64
	fail  bool
}

func (s *scriptedLLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.calls.Add(1)
	if s.fail {
		return nil, &llm.TransportError{Err: errors.New("connection refused")}
	}
	text := ""
	if len(req.Messages) > 0 {
		text = strings.ToLower(req.Messages[len(req.Messages)-1].Content)
	}
	switch {
	case strings.Contains(text, "cancel") && strings.Contains(text, "order"):
		return &llm.Response{Content: `{"intent_code":"CANCEL_ORDER","confidence":0.92,"slots":{}}`}, nil
	case strings.Contains(text, "genealogy"):
		return &llm.Response{Content: `{"intent_code":"TRACE_GENEALOGY","confidence":0.9,"slots":{}}`}, nil
	case strings.Contains(text, "output"):
		return &llm.Response{Content: `{"intent_code":"QUERY_PRODUCTION_OUTPUT","confidence":0.9,"slots":{}}`}, nil
	case strings.Contains(text, "batch"):
		return &llm.Response{Content: `{"intent_code":"QUERY_BATCH_STATUS","confidence":0.95,"slots":{}}`}, nil
	default:
		return &llm.Response{Content: `{"intent_code":"QUERY_BATCH_STATUS","confidence":0.1,"slots":{}}`}, nil
	}
}

// recordingAccess is the CRUD collaborator double.
type recordingAccess struct {
	deletes atomic.Int64
	reads   atomic.Int64
}

func (r *recordingAccess) Read(_ context.Context, _, _, id string) (map[string]any, error) {
	r.reads.Add(1)
	return map[string]any{"id": id, "status": "IN_PROGRESS"}, nil
}

func (r *recordingAccess) List(_ context.Context, _, entity string, _ map[string]string) ([]map[string]any, error) {
	return []map[string]any{{"entity": entity, "total": 1200}}, nil
}

func (r *recordingAccess) Create(_ context.Context, _, _ string, _ map[string]string) (map[string]any, error) {
	return map[string]any{"created": true}, nil
}

func (r *recordingAccess) Update(_ context.Context, _, _, id string, _ map[string]string) (map[string]any, error) {
	return map[string]any{"id": id}, nil
}

func (r *recordingAccess) Delete(_ context.Context, _, _, _ string) error {
	r.deletes.Add(1)
	return nil
}

type harness struct {
	orchestrator *Orchestrator
	llm          *scriptedLLM
	access       *recordingAccess
	previews     *preview.Manager
	memory       *memory.Store
	cache        *semcache.Cache
	scheduler    *Scheduler
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithTokenTTL(t, 5*time.Minute)
}

func newHarnessWithTokenTTL(t *testing.T, tokenTTL time.Duration) *harness {
	t.Helper()

	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry, err := tools.LoadRegistry("")
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	embedder := hashEmbedder{}
	cache := semcache.New(db, vectorindex.NewMemoryIndex(), semcache.Config{
		SimilarityThreshold: 0.9,
		TopK:                5,
		TTL:                 24 * time.Hour,
	})
	retriever := rag.New(vectorindex.NewMemoryIndex(), vectorindex.NewMemoryIndex(), rag.Config{PerPoolLimit: 10})

	client := &scriptedLLM{}
	var briefs []intent.IntentBrief
	for _, pair := range registry.Intents() {
		briefs = append(briefs, intent.IntentBrief{Code: pair[0], Brief: pair[1]})
	}
	matcherCfg := intent.DefaultConfig()
	matcherCfg.RetryBackoff = time.Millisecond
	matcher, err := intent.New(client, briefs, matcherCfg)
	require.NoError(t, err)

	memoryStore := memory.NewStore(memory.Config{SlotTTL: 10 * time.Minute, SessionIdleTTL: 30 * time.Minute})
	clarifier := clarify.New(clarify.Config{MinConfidence: 0.5})

	selector, err := tools.NewSelector(context.Background(), registry, embedder, tools.DefaultSelectorConfig())
	require.NoError(t, err)
	t.Cleanup(selector.Close)

	access := &recordingAccess{}
	executor := tools.NewExecutor(access, selector, time.Second)

	previews, err := preview.NewManager(db, preview.Config{TTL: tokenTTL})
	require.NoError(t, err)

	orchestrator, err := New(Config{RAGLimit: 5}, embedder, cache, retriever, matcher,
		memoryStore, clarifier, registry, selector, executor, previews, nil)
	require.NoError(t, err)

	return &harness{
		orchestrator: orchestrator,
		llm:          client,
		access:       access,
		previews:     previews,
		memory:       memoryStore,
		cache:        cache,
		scheduler:    NewScheduler(previews, cache, memoryStore, SchedulerConfig{Interval: time.Hour}),
	}
}

func query(text string) datatypes.Query {
	return datatypes.Query{
		Text:      text,
		SessionID: "session-1",
		UserID:    "user-1",
		FactoryID: "factory-1",
		Timestamp: time.Now(),
	}
}

func TestResolveTurn_ReadOnlyAnswered(t *testing.T) {
	h := newHarness(t)

	result, err := h.orchestrator.ResolveTurn(context.Background(), query("show batch B-1042 status"))
	require.NoError(t, err)

	assert.Equal(t, datatypes.TurnAnswered, result.Status)
	assert.Equal(t, "QUERY_BATCH_STATUS", result.IntentCode)
	assert.False(t, result.FromCache)
	assert.EqualValues(t, 1, h.access.reads.Load())
	require.NotNil(t, result.Answer)
}

func TestResolveTurn_SecondIdenticalQueryIsExactHit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orchestrator.ResolveTurn(ctx, query("show batch B-1042 status"))
	require.NoError(t, err)
	require.Equal(t, datatypes.TurnAnswered, first.Status)
	callsAfterFirst := h.llm.calls.Load()

	second, err := h.orchestrator.ResolveTurn(ctx, query("show batch B-1042 status"))
	require.NoError(t, err)

	assert.Equal(t, datatypes.TurnAnswered, second.Status)
	assert.True(t, second.FromCache)
	assert.Equal(t, datatypes.HitExact, second.CacheHitType)
	assert.Equal(t, first.IntentCode, second.IntentCode)
	assert.Equal(t, callsAfterFirst, h.llm.calls.Load(), "cache hit must not re-invoke the classifier")
	assert.EqualValues(t, 1, h.access.reads.Load(), "cache hit must not re-run the tool")
}

func TestResolveTurn_UnmappedIntentUsesDynamicSelection(t *testing.T) {
	h := newHarness(t)

	// TRACE_GENEALOGY has no static tool mapping; the query wording sits
	// next to the batch history tool's description, so the embedding
	// ranking picks that tool instead of bouncing the turn back.
	result, err := h.orchestrator.ResolveTurn(context.Background(),
		query("retrieve the full processing genealogy of a production batch"))
	require.NoError(t, err)

	assert.Equal(t, datatypes.TurnAnswered, result.Status)
	assert.Equal(t, "TRACE_GENEALOGY", result.IntentCode)
	require.NotNil(t, result.Answer)
}

func TestResolveTurn_LowConfidenceNeedsClarification(t *testing.T) {
	h := newHarness(t)

	result, err := h.orchestrator.ResolveTurn(context.Background(), query("do the usual"))
	require.NoError(t, err)

	assert.Equal(t, datatypes.TurnNeedClarification, result.Status)
	require.NotNil(t, result.Clarification)
	assert.True(t, result.Clarification.NeedClarification)
	require.NoError(t, result.Clarification.Validate())
}

func TestResolveTurn_MissingTimeProceedsWithInference(t *testing.T) {
	h := newHarness(t)

	result, err := h.orchestrator.ResolveTurn(context.Background(), query("production output totals"))
	require.NoError(t, err)

	assert.Equal(t, datatypes.TurnAnswered, result.Status)
	require.NotNil(t, result.Clarification, "disclosed inference travels with the answer")
	assert.True(t, result.Clarification.CanProceedWithInference)
	assert.NotEmpty(t, result.Clarification.InferenceExplanation)
}

func TestResolveTurn_MutatingStagesPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.orchestrator.ResolveTurn(ctx, query("cancel order O-7"))
	require.NoError(t, err)

	assert.Equal(t, datatypes.TurnNeedConfirmation, result.Status)
	assert.NotEmpty(t, result.PreviewToken)
	assert.EqualValues(t, 0, h.access.deletes.Load(), "nothing executes before confirmation")

	skill, err := h.orchestrator.ConfirmPreview(ctx, result.PreviewToken, "user-1")
	require.NoError(t, err)
	assert.True(t, skill.Success)
	assert.EqualValues(t, 1, h.access.deletes.Load())
}

func TestConfirmPreview_WrongUserNoSideEffect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.orchestrator.ResolveTurn(ctx, query("cancel order O-7"))
	require.NoError(t, err)

	_, err = h.orchestrator.ConfirmPreview(ctx, result.PreviewToken, "someone-else")
	assert.True(t, errors.Is(err, preview.ErrUserMismatch))
	assert.EqualValues(t, 0, h.access.deletes.Load())
}

func TestCancelPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.orchestrator.ResolveTurn(ctx, query("cancel order O-7"))
	require.NoError(t, err)

	require.NoError(t, h.orchestrator.CancelPreview(ctx, result.PreviewToken, "user-1"))

	_, err = h.orchestrator.ConfirmPreview(ctx, result.PreviewToken, "user-1")
	assert.True(t, errors.Is(err, preview.ErrNotPending))
	assert.EqualValues(t, 0, h.access.deletes.Load())
}

func TestResolveTurn_ReferenceResolutionAcrossTurns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orchestrator.ResolveTurn(ctx, query("show batch B-1042 status"))
	require.NoError(t, err)
	require.Equal(t, datatypes.TurnAnswered, first.Status)

	second, err := h.orchestrator.ResolveTurn(ctx, query("show that batch status again"))
	require.NoError(t, err)

	assert.Equal(t, datatypes.TurnAnswered, second.Status)
	assert.Equal(t, "QUERY_BATCH_STATUS", second.IntentCode)
}

func TestResolveTurn_LLMDownSurfacesTypedFailure(t *testing.T) {
	h := newHarness(t)
	h.llm.fail = true

	_, err := h.orchestrator.ResolveTurn(context.Background(), query("show batch B-1042 status"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLLMUnavailable))

	// No partial state: nothing cached, nothing staged.
	removed, cerr := h.cache.CleanupExpired(context.Background())
	require.NoError(t, cerr)
	assert.Zero(t, removed)
}

func TestScheduler_SweepExpiresTokens(t *testing.T) {
	h := newHarnessWithTokenTTL(t, time.Millisecond)
	ctx := context.Background()

	result, err := h.orchestrator.ResolveTurn(ctx, query("cancel order O-7"))
	require.NoError(t, err)

	staged, err := h.previews.Get(result.PreviewToken)
	require.NoError(t, err)
	require.Equal(t, datatypes.TokenPending, staged.Status)

	time.Sleep(10 * time.Millisecond)
	sweep := h.scheduler.RunNow(ctx)
	assert.Equal(t, 1, sweep.TokensExpired)

	_, err = h.orchestrator.ConfirmPreview(ctx, result.PreviewToken, "user-1")
	assert.Error(t, err)
	assert.EqualValues(t, 0, h.access.deletes.Load(), "expired preview must never execute")
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.scheduler.Start(ctx))
	assert.Error(t, h.scheduler.Start(ctx), "double start is rejected")
	h.scheduler.Stop()
	h.scheduler.Stop() // idempotent
	require.NoError(t, h.scheduler.Start(ctx), "restart after stop")
	h.scheduler.Stop()
}
