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
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

var executorTracer = otel.Tracer("tracecommand.tools.executor")

// DataAccess is the backing CRUD collaborator. The surrounding
// application provides the implementation; this package only sequences
// calls against it.
type DataAccess interface {
	Read(ctx context.Context, factoryID, entity, id string) (map[string]any, error)
	List(ctx context.Context, factoryID, entity string, filter map[string]string) ([]map[string]any, error)
	Create(ctx context.Context, factoryID, entity string, fields map[string]string) (map[string]any, error)
	Update(ctx context.Context, factoryID, entity, id string, fields map[string]string) (map[string]any, error)
	Delete(ctx context.Context, factoryID, entity, id string) error
}

// Executor runs a selected tool against the data-access collaborator and
// folds the outcome into a SkillResult. Execution never returns a Go
// error to the pipeline; failures are carried inside the result.
type Executor struct {
	access   DataAccess
	selector *Selector
	timeout  time.Duration
}

// NewExecutor creates an executor. timeout bounds one backing call;
// zero means 10s.
func NewExecutor(access DataAccess, selector *Selector, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{access: access, selector: selector, timeout: timeout}
}

// Execute runs one tool with the resolved parameters.
func (e *Executor) Execute(ctx context.Context, factoryID string, tool *Tool, params map[string]string) *datatypes.SkillResult {
	ctx, span := executorTracer.Start(ctx, "tools.Execute")
	span.SetAttributes(
		attribute.String("tool", tool.Name),
		attribute.String("operation", tool.Operation),
	)
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := e.run(ctx, factoryID, tool, params)
	elapsed := time.Since(start)

	success := err == nil
	toolExecutionSeconds.WithLabelValues(tool.Name, strconv.FormatBool(success)).Observe(elapsed.Seconds())
	if e.selector != nil {
		e.selector.RecordUsage(tool.Name, elapsed)
	}

	result := &datatypes.SkillResult{
		Success:         success,
		SkillName:       tool.Name,
		Data:            data,
		ExecutedTools:   []string{tool.Name},
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if err != nil {
		span.RecordError(err)
		result.Message = err.Error()
	} else {
		result.Message = fmt.Sprintf("%s completed", tool.Name)
	}
	return result
}

func (e *Executor) run(ctx context.Context, factoryID string, tool *Tool, params map[string]string) (map[string]any, error) {
	switch tool.Operation {
	case "read":
		id, err := targetID(tool, params)
		if err != nil {
			return nil, err
		}
		row, err := e.access.Read(ctx, factoryID, tool.Entity, id)
		if err != nil {
			return nil, fmt.Errorf("reading %s %s: %w", tool.Entity, id, err)
		}
		return row, nil

	case "list":
		rows, err := e.access.List(ctx, factoryID, tool.Entity, params)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", tool.Entity, err)
		}
		return map[string]any{"items": rows, "count": len(rows)}, nil

	case "create":
		row, err := e.access.Create(ctx, factoryID, tool.Entity, params)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", tool.Entity, err)
		}
		return row, nil

	case "update":
		id, err := targetID(tool, params)
		if err != nil {
			return nil, err
		}
		row, err := e.access.Update(ctx, factoryID, tool.Entity, id, params)
		if err != nil {
			return nil, fmt.Errorf("updating %s %s: %w", tool.Entity, id, err)
		}
		return row, nil

	case "delete":
		id, err := targetID(tool, params)
		if err != nil {
			return nil, err
		}
		if err := e.access.Delete(ctx, factoryID, tool.Entity, id); err != nil {
			return nil, fmt.Errorf("deleting %s %s: %w", tool.Entity, id, err)
		}
		return map[string]any{"deleted": id}, nil

	default:
		return nil, fmt.Errorf("tool %s has unknown operation %q", tool.Name, tool.Operation)
	}
}

// targetID finds the primary identifier among the resolved parameters:
// the first required id-typed slot the tool declares.
func targetID(tool *Tool, params map[string]string) (string, error) {
	for _, slot := range tool.RequiredSlots {
		if !strings.HasSuffix(string(slot), "_id") {
			continue
		}
		if v := params[string(slot)]; v != "" {
			return v, nil
		}
		return "", fmt.Errorf("tool %s requires %s", tool.Name, slot)
	}
	return "", fmt.Errorf("tool %s declares no identifier slot", tool.Name)
}
