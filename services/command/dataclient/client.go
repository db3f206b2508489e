// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataclient talks to the traceability CRUD backend over HTTP.
//
// The command service never owns factory records; batches, orders,
// production lines and products live in the conventional backend. This
// client implements the tools.DataAccess contract against that REST
// surface so confirmed commands read and mutate the real data.
package dataclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/TraceCommand/pkg/validation"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds connection settings for the traceability backend.
type Config struct {
	// BaseURL is the backend root, e.g. "http://trace-backend:8080".
	BaseURL string

	// Timeout bounds a single backend call.
	Timeout time.Duration

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// RequestsPerSecond throttles outbound calls. Zero disables the
	// limiter.
	RequestsPerSecond float64
}

// DefaultConfig returns settings tuned by environment variables.
func DefaultConfig() Config {
	return Config{
		Timeout:           time.Duration(getEnvInt("DATA_BACKEND_TIMEOUT_SECONDS", 15)) * time.Second,
		RequestsPerSecond: getEnvFloat("DATA_BACKEND_RATE_LIMIT", 50),
	}
}

// =============================================================================
// Client
// =============================================================================

// BackendError reports a non-2xx response from the backend.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// Client is an HTTP implementation of the data-access contract.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a backend client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("data backend base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid data backend URL %q: %w", base, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond))
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}, nil
}

// Read fetches one record by identifier.
func (c *Client) Read(ctx context.Context, factoryID, entity, id string) (map[string]any, error) {
	if err := validation.ValidateIdentifiers([]string{factoryID, entity, id}); err != nil {
		return nil, err
	}
	var out map[string]any
	err := c.do(ctx, http.MethodGet, c.entityPath(factoryID, entity)+"/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// List fetches records matching the filter.
func (c *Client) List(ctx context.Context, factoryID, entity string, filter map[string]string) ([]map[string]any, error) {
	if err := validation.ValidateIdentifiers([]string{factoryID, entity}); err != nil {
		return nil, err
	}
	query := url.Values{}
	for k, v := range filter {
		query.Set(k, v)
	}
	var out struct {
		Items []map[string]any `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.entityPath(factoryID, entity), query, nil, &out)
	return out.Items, err
}

// Create inserts a new record.
func (c *Client) Create(ctx context.Context, factoryID, entity string, fields map[string]string) (map[string]any, error) {
	if err := validation.ValidateIdentifiers([]string{factoryID, entity}); err != nil {
		return nil, err
	}
	var out map[string]any
	err := c.do(ctx, http.MethodPost, c.entityPath(factoryID, entity), nil, fields, &out)
	return out, err
}

// Update patches an existing record.
func (c *Client) Update(ctx context.Context, factoryID, entity, id string, fields map[string]string) (map[string]any, error) {
	if err := validation.ValidateIdentifiers([]string{factoryID, entity, id}); err != nil {
		return nil, err
	}
	var out map[string]any
	err := c.do(ctx, http.MethodPatch, c.entityPath(factoryID, entity)+"/"+url.PathEscape(id), nil, fields, &out)
	return out, err
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, factoryID, entity, id string) error {
	if err := validation.ValidateIdentifiers([]string{factoryID, entity, id}); err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, c.entityPath(factoryID, entity)+"/"+url.PathEscape(id), nil, nil, nil)
}

// =============================================================================
// Internals
// =============================================================================

func (c *Client) entityPath(factoryID, entity string) string {
	return fmt.Sprintf("%s/v1/factories/%s/%s",
		c.baseURL, url.PathEscape(factoryID), url.PathEscape(entity))
}

func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &BackendError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode backend response: %w", err)
		}
	}
	return nil
}
