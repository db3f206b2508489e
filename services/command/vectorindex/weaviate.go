// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorindex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("tracecommand.vectorindex")

// WeaviateIndex implements Index against a Weaviate class.
//
// # Description
//
// Entries are stored as objects of the configured class with their vector
// attached, the factory id as a filterable property, and the payload as a
// base64 text property. Search issues a nearVector query filtered to the
// factory and converts certainty back to cosine similarity.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client pools connections.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
}

// NewWeaviateIndex creates an index over the given class, ensuring the
// class exists with the expected properties.
func NewWeaviateIndex(ctx context.Context, client *weaviate.Client, className string) (*WeaviateIndex, error) {
	idx := &WeaviateIndex{client: client, className: className}
	if err := idx.ensureClass(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure class %s: %w", className, err)
	}
	return idx, nil
}

// ensureClass creates the backing class if it does not exist yet.
func (w *WeaviateIndex) ensureClass(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.className).Do(ctx)
	if err != nil {
		return fmt.Errorf("class existence check failed: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      w.className,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "factory_id", DataType: []string{"text"}},
			{Name: "payload", DataType: []string{"text"}},
			{Name: "created_at", DataType: []string{"int"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("class creation failed: %w", err)
	}
	slog.Info("Created Weaviate class", "class", w.className)
	return nil
}

// Upsert stores or replaces the entry under its ID.
func (w *WeaviateIndex) Upsert(ctx context.Context, e Entry) error {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Upsert")
	defer span.End()

	_, err := w.client.Data().Creator().
		WithClassName(w.className).
		WithID(e.ID).
		WithVector(e.Vector).
		WithProperties(map[string]any{
			"factory_id": e.FactoryID,
			"payload":    base64.StdEncoding.EncodeToString(e.Payload),
			"created_at": e.CreatedAt.UnixMilli(),
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate upsert failed: %w", err)
	}
	return nil
}

// searchResponse is the typed shape of the nearVector query result.
// The class key is injected at parse time via json.RawMessage.
type searchObject struct {
	FactoryID  string `json:"factory_id"`
	Payload    string `json:"payload"`
	CreatedAt  int64  `json:"created_at"`
	Additional struct {
		ID        string  `json:"id"`
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

// Search returns up to topK entries for the factory by cosine similarity.
func (w *WeaviateIndex) Search(ctx context.Context, factoryID string, vector []float32, topK int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Search")
	defer span.End()

	if topK <= 0 {
		return nil, nil
	}

	factoryFilter := filters.Where().
		WithPath([]string{"factory_id"}).
		WithOperator(filters.Equal).
		WithValueString(factoryID)

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	fields := []graphql.Field{
		{Name: "factory_id"},
		{Name: "payload"},
		{Name: "created_at"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithWhere(factoryFilter).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	objects, err := w.parseSearch(result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	matches := make([]Match, 0, len(objects))
	for _, obj := range objects {
		payload, decErr := base64.StdEncoding.DecodeString(obj.Payload)
		if decErr != nil {
			slog.Warn("Skipping entry with undecodable payload", "id", obj.Additional.ID)
			continue
		}
		matches = append(matches, Match{
			Entry: Entry{
				ID:        obj.Additional.ID,
				FactoryID: obj.FactoryID,
				Vector:    nil, // not round-tripped; similarity already computed
				Payload:   payload,
				CreatedAt: time.UnixMilli(obj.CreatedAt),
			},
			// Weaviate certainty is (1+cosine)/2 for cosine distance.
			Similarity: 2*obj.Additional.Certainty - 1,
		})
	}
	return matches, nil
}

// parseSearch converts the dynamic GraphQL response into typed objects.
func (w *WeaviateIndex) parseSearch(resp *models.GraphQLResponse) ([]searchObject, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}

	var envelope struct {
		Get map[string]json.RawMessage `json:"Get"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	classRaw, ok := envelope.Get[w.className]
	if !ok {
		return nil, nil
	}

	var objects []searchObject
	if err := json.Unmarshal(classRaw, &objects); err != nil {
		return nil, fmt.Errorf("failed to unmarshal class objects: %w", err)
	}
	return objects, nil
}

// Delete removes the entry if present.
func (w *WeaviateIndex) Delete(ctx context.Context, id string) error {
	err := w.client.Data().Deleter().
		WithClassName(w.className).
		WithID(id).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate delete failed: %w", err)
	}
	return nil
}

var _ Index = (*WeaviateIndex)(nil)
