// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the data model shared by the command
// resolution pipeline: queries, cache entries, retrieval candidates,
// clarification decisions, preview tokens, and execution results.
package datatypes

import (
	"time"
)

// Query is a single raw user utterance with its routing context.
// Ephemeral: it lives for the duration of one turn.
type Query struct {
	Text      string    `json:"text"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	FactoryID string    `json:"factory_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TimeRange is a resolved absolute time window with the natural-language
// expression it was derived from ("this week", "yesterday", ...).
type TimeRange struct {
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	OriginalExpression string    `json:"original_expression"`
}

// IsZero reports whether the range carries no resolved window.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// PreprocessedQuery is the normalized form of a raw utterance, produced
// fresh per turn by the pipeline's preprocessing stage. It is never
// persisted as-is; only derived artifacts (cache entries, match records)
// are stored.
type PreprocessedQuery struct {
	OriginalInput       string            `json:"original_input"`
	ProcessedInput      string            `json:"processed_input"`
	RewrittenQuery      string            `json:"rewritten_query"`
	WasRewritten        bool              `json:"was_rewritten"`
	ChangesMade         []string          `json:"changes_made"`
	Assumptions         []string          `json:"assumptions"`
	QualityScore        float64           `json:"quality_score"`
	ExtractedParams     map[string]string `json:"extracted_params"`
	ResolvedReferences  map[string]string `json:"resolved_references"`
	NormalizedTimeRange TimeRange         `json:"normalized_time_range"`
	RewriteConfidence   float64           `json:"rewrite_confidence"`
}

// SlotType identifies a domain concept a conversation can refer back to.
type SlotType string

const (
	SlotBatch     SlotType = "batch_id"
	SlotProduct   SlotType = "product_id"
	SlotOrder     SlotType = "order_id"
	SlotLine      SlotType = "line_id"
	SlotMerchant  SlotType = "merchant_id"
	SlotTimeRange SlotType = "time_range"
	SlotStatus    SlotType = "status"
	SlotQuantity  SlotType = "quantity"
)

// EntitySlot is one remembered entity reference within a session.
// Slots are owned by the session and mutated only by the pipeline after
// each completed turn.
type EntitySlot struct {
	Type      SlotType  `json:"type"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SkillResult is the outcome of one execution attempt, successful or not.
// Immutable after construction; ExecutedTools preserves the tool chain in
// invocation order for audit.
type SkillResult struct {
	Success         bool           `json:"success"`
	SkillName       string         `json:"skill_name"`
	Data            map[string]any `json:"data,omitempty"`
	Message         string         `json:"message"`
	ExecutedTools   []string       `json:"executed_tools"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// TurnStatus is the outward-facing disposition of a resolved turn.
type TurnStatus string

const (
	TurnAnswered          TurnStatus = "ANSWERED"
	TurnNeedClarification TurnStatus = "NEED_CLARIFICATION"
	TurnNeedConfirmation  TurnStatus = "NEED_CONFIRMATION"
)

// TurnResult is the envelope returned to the surrounding application
// for every resolved turn.
type TurnResult struct {
	Status        TurnStatus             `json:"status"`
	IntentCode    string                 `json:"intent_code,omitempty"`
	Answer        map[string]any         `json:"answer,omitempty"`
	Clarification *ClarificationDecision `json:"clarification,omitempty"`
	PreviewToken  string                 `json:"preview_token,omitempty"`
	ExpiresAt     time.Time              `json:"expires_at,omitempty"`
	FromCache     bool                   `json:"from_cache"`
	CacheHitType  HitType                `json:"cache_hit_type,omitempty"`
	LatencyMs     int64                  `json:"latency_ms"`
}
