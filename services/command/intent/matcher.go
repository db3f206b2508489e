// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies a preprocessed utterance into an intent code
// with confidence and extracted slot values, delegating to the LLM
// collaborator with retrieved few-shot context.
package intent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/llm"
)

var tracer = otel.Tracer("tracecommand.intent")

// matchPromptTemplate is the classification prompt. Few-shot examples
// come from RAG retrieval; the intent list comes from the tool registry.
const matchPromptTemplate = `You are an intent classifier for a manufacturing traceability assistant.

Classify the user's request into exactly one of these intents:
{{range .Intents}}- {{.Code}}: {{.Brief}}
{{end}}
{{if .Examples}}
Similar past requests:
{{range .Examples}}- "{{.UserInput}}" -> {{.IntentCode}} (confidence {{printf "%.2f" .Confidence}})
{{end}}{{end}}
Extract any parameter values the request states (batch_id, product_id, order_id, line_id, merchant_id, time_range, status, quantity).

Respond with ONLY valid JSON (no markdown, no preamble):
{"intent_code":"...","confidence":0.0,"slots":{}}`

// IntentBrief names one candidate intent for the prompt.
type IntentBrief struct {
	Code  string
	Brief string
}

// MatchError is a typed classification failure. Retryable marks
// transient collaborator failures; parse and validation failures are
// terminal and push the turn into the clarification path.
type MatchError struct {
	Retryable bool
	Err       error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("intent match failed (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *MatchError) Unwrap() error {
	return e.Err
}

// Config holds matcher tuning.
type Config struct {
	// Timeout bounds one LLM call. Default: 20s.
	Timeout time.Duration

	// MaxRetries is how many additional attempts are made on transient
	// failures. Default: 1.
	MaxRetries int

	// RetryBackoff is the base backoff between attempts. Default: 500ms.
	RetryBackoff time.Duration

	// MaxConcurrent bounds in-flight LLM calls. 0 disables the limit.
	MaxConcurrent int

	// Temperature for classification calls. Default: 0.1.
	Temperature float32

	// MaxTokens for the response. Default: 300.
	MaxTokens int
}

// DefaultConfig returns matcher defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       20 * time.Second,
		MaxRetries:    1,
		RetryBackoff:  500 * time.Millisecond,
		MaxConcurrent: 8,
		Temperature:   0.1,
		MaxTokens:     300,
	}
}

// Matcher classifies queries via the LLM collaborator.
//
// # Thread Safety
//
// Safe for concurrent use. Identical concurrent queries are coalesced
// into a single LLM call.
type Matcher struct {
	client    llm.Client
	intents   []IntentBrief
	config    Config
	tmpl      *template.Template
	inflight  singleflight.Group
	semaphore chan struct{}
}

// New creates a matcher over the given client and intent catalog.
func New(client llm.Client, intents []IntentBrief, config Config) (*Matcher, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if len(intents) == 0 {
		return nil, errors.New("intents must not be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}

	tmpl, err := template.New("match").Parse(matchPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile prompt template: %w", err)
	}

	var semaphore chan struct{}
	if config.MaxConcurrent > 0 {
		semaphore = make(chan struct{}, config.MaxConcurrent)
	}

	return &Matcher{
		client:    client,
		intents:   intents,
		config:    config,
		tmpl:      tmpl,
		semaphore: semaphore,
	}, nil
}

// Match classifies a query given its retrieval context.
//
// Confidence outside [0,1] (or absent) clamps to 0, which downstream
// treats as "no confident match". Transport failures are retried up to
// MaxRetries with backoff and then surfaced as a retryable MatchError;
// unparseable responses are surfaced as terminal MatchErrors.
func (m *Matcher) Match(ctx context.Context, factoryID, query string, ragContext []datatypes.RAGCandidate) (*datatypes.IntentMatchResult, error) {
	ctx, span := tracer.Start(ctx, "intent.Match")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return &datatypes.IntentMatchResult{Confidence: 0}, nil
	}

	key := factoryID + "\x00" + strings.ToLower(query)
	result, err, _ := m.inflight.Do(key, func() (interface{}, error) {
		return m.matchWithRetry(ctx, query, ragContext)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "match failed")
		return nil, err
	}

	match := result.(*datatypes.IntentMatchResult)
	span.SetAttributes(
		attribute.String("intent_code", match.IntentCode),
		attribute.Float64("confidence", match.Confidence),
	)
	return match, nil
}

// matchWithRetry retries transient failures with exponential backoff.
func (m *Matcher) matchWithRetry(ctx context.Context, query string, ragContext []datatypes.RAGCandidate) (*datatypes.IntentMatchResult, error) {
	var lastErr error

	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.config.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, &MatchError{Retryable: true, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		result, err := m.doMatch(ctx, query, ragContext)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var me *MatchError
		if errors.As(err, &me) && !me.Retryable {
			return nil, err
		}
		slog.Debug("intent match attempt failed, retrying",
			"attempt", attempt+1, "max_retries", m.config.MaxRetries, "error", err)
	}
	return nil, lastErr
}

// doMatch performs one classification attempt.
func (m *Matcher) doMatch(ctx context.Context, query string, ragContext []datatypes.RAGCandidate) (*datatypes.IntentMatchResult, error) {
	if m.semaphore != nil {
		select {
		case m.semaphore <- struct{}{}:
			defer func() { <-m.semaphore }()
		case <-ctx.Done():
			return nil, &MatchError{Retryable: true, Err: ctx.Err()}
		}
	}

	prompt, err := m.buildPrompt(ragContext)
	if err != nil {
		return nil, &MatchError{Err: fmt.Errorf("build prompt: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	resp, err := m.client.Complete(reqCtx, &llm.Request{
		SystemPrompt: prompt,
		Messages:     []llm.Message{{Role: "user", Content: query}},
		Temperature:  m.config.Temperature,
		MaxTokens:    m.config.MaxTokens,
	})
	if err != nil {
		return nil, &MatchError{Retryable: llm.IsRetryable(err) || reqCtx.Err() != nil, Err: err}
	}

	result, err := parseMatchResponse(resp.Content)
	if err != nil {
		return nil, &MatchError{Err: fmt.Errorf("parse response: %w", err)}
	}

	if !m.knownIntent(result.IntentCode) {
		slog.Warn("LLM returned unknown intent code, clamping confidence",
			"intent_code", result.IntentCode)
		result.Confidence = 0
	}
	return result, nil
}

// buildPrompt renders the classification prompt.
func (m *Matcher) buildPrompt(ragContext []datatypes.RAGCandidate) (string, error) {
	data := struct {
		Intents  []IntentBrief
		Examples []datatypes.RAGCandidate
	}{
		Intents:  m.intents,
		Examples: ragContext,
	}

	var buf bytes.Buffer
	if err := m.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (m *Matcher) knownIntent(code string) bool {
	for _, in := range m.intents {
		if in.Code == code {
			return true
		}
	}
	return false
}
