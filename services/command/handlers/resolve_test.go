// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TraceCommand/services/command/pipeline"
	"github.com/AleutianAI/TraceCommand/services/command/preview"
	"github.com/AleutianAI/TraceCommand/services/command/tools"
)

func performJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleResolve_RejectsMissingFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	// Binding failures never reach the pipeline, so no orchestrator is needed.
	router.POST("/v1/command/resolve", HandleResolve(nil))

	tests := []struct {
		name string
		body map[string]string
	}{
		{"empty body", map[string]string{}},
		{"missing text", map[string]string{
			"session_id": "s1", "user_id": "u1", "factory_id": "f1"}},
		{"missing session", map[string]string{
			"text": "show batch B-1", "user_id": "u1", "factory_id": "f1"}},
		{"missing factory", map[string]string{
			"text": "show batch B-1", "session_id": "s1", "user_id": "u1"}},
		{"unsafe factory id", map[string]string{
			"text": "show batch B-1", "session_id": "s1", "user_id": "u1",
			"factory_id": "../other"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := performJSON(router, http.MethodPost, "/v1/command/resolve", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Contains(t, resp.Error, "invalid request")
		})
	}
}

func TestHandleConfirmPreview_RejectsMissingUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/command/preview/:token/confirm", HandleConfirmPreview(nil))

	w := performJSON(router, http.MethodPost, "/v1/command/preview/tok-1/confirm", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := performJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestMapPipelineError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"llm unavailable", pipeline.ErrLLMUnavailable, http.StatusServiceUnavailable},
		{"no tool match", tools.ErrNoToolMatch, http.StatusUnprocessableEntity},
		{"wrapped llm unavailable", errors.Join(errors.New("turn"), pipeline.ErrLLMUnavailable), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := mapPipelineError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestMapPreviewError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", preview.ErrTokenNotFound, http.StatusNotFound},
		{"user mismatch", preview.ErrUserMismatch, http.StatusForbidden},
		{"expired", preview.ErrTokenExpired, http.StatusConflict},
		{"already resolved", preview.ErrNotPending, http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := mapPreviewError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.NotEmpty(t, msg)
		})
	}
}
