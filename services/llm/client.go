// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the LLM completion client abstraction consumed by
// the intent matcher. The model itself is an external collaborator; this
// package only standardizes the call shape and the error taxonomy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Temperature  float32
	MaxTokens    int
}

// Response is the model's reply.
type Response struct {
	Content string
}

// Client defines the standard interface for any LLM backend.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// TransportError wraps a transient collaborator failure (unreachable,
// timed out). Callers may retry once; explicit classification or
// validation errors are never wrapped in it.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err represents a transient failure worth
// one retry.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// NewClient creates the configured backend client.
// Valid backends: "openai", "ollama".
func NewClient(backend string) (Client, error) {
	switch backend {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown LLM backend: %q", backend)
	}
}
