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

import "time"

// ToolEmbedding is the registered metadata and vector for one executable
// tool. Created once per tool; usage statistics are updated after each
// invocation; never deleted while the tool exists.
type ToolEmbedding struct {
	ToolName           string    `json:"tool_name"`
	Description        string    `json:"description"`
	EmbeddingVector    []float32 `json:"embedding_vector"`
	Category           string    `json:"category"`
	Keywords           []string  `json:"keywords"`
	UsageCount         int64     `json:"usage_count"`
	AvgExecutionTimeMs float64   `json:"avg_execution_time_ms"`
	LastUsedAt         time.Time `json:"last_used_at"`
}

// RecordUsage folds one invocation into the running statistics.
// UsageCount is monotonically non-decreasing; AvgExecutionTimeMs is a
// running average over all invocations.
func (t *ToolEmbedding) RecordUsage(elapsed time.Duration, at time.Time) {
	ms := float64(elapsed.Milliseconds())
	t.AvgExecutionTimeMs = (t.AvgExecutionTimeMs*float64(t.UsageCount) + ms) / float64(t.UsageCount+1)
	t.UsageCount++
	t.LastUsedAt = at
}
