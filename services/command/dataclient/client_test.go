// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Read(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/factories/plant-7/batch/B-1001", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"batch_id": "B-1001", "status": "RELEASED"})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	record, err := client.Read(context.Background(), "plant-7", "batch", "B-1001")
	require.NoError(t, err)
	assert.Equal(t, "RELEASED", record["status"])
}

func TestClient_ListSendsFilterAsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-06-02T00:00:00Z", r.URL.Query().Get("start"))
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"order_id": "O-1"}, {"order_id": "O-2"}},
		})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	items, err := client.List(context.Background(), "plant-7", "order",
		map[string]string{"start": "2025-06-02T00:00:00Z"})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestClient_CreateSendsJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "widget-a", body["product_id"])
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"order_id": "O-99"})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	record, err := client.Create(context.Background(), "plant-7", "order",
		map[string]string{"product_id": "widget-a", "quantity": "500"})
	require.NoError(t, err)
	assert.Equal(t, "O-99", record["order_id"])
}

func TestClient_DeleteSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, APIKey: "secret"})
	require.NoError(t, err)

	require.NoError(t, client.Delete(context.Background(), "plant-7", "order", "O-42"))
}

func TestClient_NonSuccessStatusIsBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "batch not found", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Read(context.Background(), "plant-7", "batch", "missing")
	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, http.StatusNotFound, backendErr.StatusCode)
	assert.Contains(t, backendErr.Body, "batch not found")
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClient_RejectsUnsafeIdentifiers(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Read(context.Background(), "../other-tenant", "batch", "B-1")
	assert.Error(t, err)
	assert.Error(t, client.Delete(context.Background(), "plant-7", "order", "O-1/../O-2"))
	assert.False(t, called, "unsafe identifiers must never reach the backend")
}
