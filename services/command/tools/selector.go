// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/vectorindex"
)

// ErrNoToolMatch reports that no tool cleared the similarity floor.
// Propagates upstream as a clarification-worthy condition, never a
// silent default.
var ErrNoToolMatch = errors.New("no tool matches the request")

// RankedTool is one dynamic selection candidate.
type RankedTool struct {
	Tool       *Tool
	Similarity float64
}

// SelectorConfig holds dynamic selection tuning.
type SelectorConfig struct {
	// SimilarityFloor is the minimum cosine similarity for a dynamic
	// match. Default: 0.65.
	SimilarityFloor float64

	// MaxResults caps the ranked result list. Default: 3.
	MaxResults int
}

// DefaultSelectorConfig returns selector defaults, overridable via
// TOOL_SIMILARITY_FLOOR and TOOL_MAX_RESULTS.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		SimilarityFloor: getEnvFloat("TOOL_SIMILARITY_FLOOR", 0.65),
		MaxResults:      getEnvInt("TOOL_MAX_RESULTS", 3),
	}
}

// Selector resolves intents to tools. Statically mapped intents go
// straight through the registry; dynamic intents rank tool embeddings by
// cosine similarity after a keyword pre-filter trims the candidate set.
type Selector struct {
	registry *Registry
	config   SelectorConfig

	mu         sync.RWMutex
	embeddings map[string]*datatypes.ToolEmbedding

	statsCh chan usageEvent
	done    chan struct{}
	stopped sync.Once
}

// usageEvent is one recorded invocation, applied off the request path.
type usageEvent struct {
	toolName string
	elapsed  time.Duration
	at       time.Time
}

// NewSelector creates a selector over the registry. Tool embeddings are
// computed once per registered tool from its description via the
// embedding collaborator; a tool whose embedding fails stays selectable
// statically but is skipped by dynamic ranking.
func NewSelector(ctx context.Context, registry *Registry, embedder datatypes.EmbeddingProvider, config SelectorConfig) (*Selector, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if config.SimilarityFloor <= 0 {
		config.SimilarityFloor = 0.65
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 3
	}

	s := &Selector{
		registry:   registry,
		config:     config,
		embeddings: make(map[string]*datatypes.ToolEmbedding),
		statsCh:    make(chan usageEvent, 256),
		done:       make(chan struct{}),
	}

	if embedder != nil {
		for _, tool := range registry.All() {
			vector, err := embedder.Embed(ctx, tool.Description)
			if err != nil {
				slog.Warn("tool embedding failed, tool excluded from dynamic selection",
					"tool", tool.Name, "error", err)
				continue
			}
			s.embeddings[tool.Name] = &datatypes.ToolEmbedding{
				ToolName:        tool.Name,
				Description:     tool.Description,
				EmbeddingVector: vector,
				Category:        tool.Category,
				Keywords:        tool.Keywords,
			}
		}
	}

	go s.statsLoop()
	return s, nil
}

// Close stops the usage-stats worker.
func (s *Selector) Close() {
	s.stopped.Do(func() { close(s.done) })
}

// Select resolves a statically-mapped intent to its tool.
func (s *Selector) Select(intentCode string) (*Tool, error) {
	tool, ok := s.registry.ByIntent(intentCode)
	if !ok {
		selectionFailures.Inc()
		return nil, fmt.Errorf("%w: intent %s has no registered tool", ErrNoToolMatch, intentCode)
	}
	toolSelections.WithLabelValues(tool.Name, "static").Inc()
	return tool, nil
}

// SelectDynamic ranks tools against a free query embedding, highest
// similarity first. The keyword pre-filter trims candidates before the
// vector comparison; when it matches nothing the whole catalog is
// scanned. candidateCategory, when non-empty, restricts to one category.
func (s *Selector) SelectDynamic(queryText string, queryEmbedding []float32, candidateCategory string) ([]RankedTool, error) {
	candidates := s.registry.FindByKeywords(queryText)
	if len(candidates) == 0 {
		for _, tool := range s.registry.All() {
			candidates = append(candidates, tool.Name)
		}
	}

	s.mu.RLock()
	ranked := make([]RankedTool, 0, len(candidates))
	for _, name := range candidates {
		embedding, ok := s.embeddings[name]
		if !ok {
			continue
		}
		if candidateCategory != "" && embedding.Category != candidateCategory {
			continue
		}
		tool, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		sim := vectorindex.Cosine(queryEmbedding, embedding.EmbeddingVector)
		if sim >= s.config.SimilarityFloor {
			ranked = append(ranked, RankedTool{Tool: tool, Similarity: sim})
		}
	}
	s.mu.RUnlock()

	if len(ranked) == 0 {
		selectionFailures.Inc()
		return nil, ErrNoToolMatch
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Similarity > ranked[j].Similarity })
	if len(ranked) > s.config.MaxResults {
		ranked = ranked[:s.config.MaxResults]
	}
	toolSelections.WithLabelValues(ranked[0].Tool.Name, "dynamic").Inc()
	return ranked, nil
}

// RecordUsage queues one invocation for the stats worker. Non-blocking:
// under pressure the event is dropped rather than stalling the request.
func (s *Selector) RecordUsage(toolName string, elapsed time.Duration) {
	select {
	case s.statsCh <- usageEvent{toolName: toolName, elapsed: elapsed, at: time.Now()}:
	default:
		slog.Debug("usage stats queue full, dropping event", "tool", toolName)
	}
}

// Usage returns a copy of the recorded statistics for a tool.
func (s *Selector) Usage(toolName string) (datatypes.ToolEmbedding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.embeddings[toolName]; ok {
		out := *e
		return out, true
	}
	return datatypes.ToolEmbedding{}, false
}

func (s *Selector) statsLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.statsCh:
			s.mu.Lock()
			if e, ok := s.embeddings[ev.toolName]; ok {
				e.RecordUsage(ev.elapsed, ev.at)
			}
			s.mu.Unlock()
		}
	}
}
