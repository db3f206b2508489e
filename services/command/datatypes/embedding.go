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
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// EmbeddingProvider maps text to a fixed-length real vector. The vector
// dimension is constant for the lifetime of the process; every component
// (cache, retriever, tool selector) shares the same space.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder implements EmbeddingProvider against the OpenAI
// embeddings endpoint.
//
// # Thread Safety
//
// Safe for concurrent use. Outbound calls share a rate limiter.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	limiter *rate.Limiter
	timeout time.Duration
}

// NewOpenAIEmbedder creates an embedder from environment configuration.
//
// Environment variables:
//   - OPENAI_API_KEY: required (or /run/secrets/openai_api_key).
//   - EMBEDDING_MODEL: optional, default text-embedding-3-small.
//   - EMBEDDING_RPS: optional requests-per-second limit, default 10.
func NewOpenAIEmbedder() (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API Key from secrets")
	}

	model := openai.EmbeddingModel(os.Getenv("EMBEDDING_MODEL"))
	if model == "" {
		model = openai.SmallEmbedding3
	}

	rps := getEnvInt("EMBEDDING_RPS", 10)
	slog.Info("Initializing OpenAI embedder", "model", string(model), "rps", rps)

	return &OpenAIEmbedder{
		client:  openai.NewClient(apiKey),
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		timeout: 15 * time.Second,
	}, nil
}

// Embed returns the embedding vector for text. Transient network
// failures are retried once; explicit API errors are not.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: e.model,
		})
		cancel()
		if err == nil {
			if len(resp.Data) == 0 {
				return nil, fmt.Errorf("embedding service returned no vectors")
			}
			return resp.Data[0].Embedding, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("Embedding request failed, retrying once", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("embedding request failed: %w", lastErr)
}
