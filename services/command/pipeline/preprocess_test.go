// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

// Wednesday, so week windows have days on both sides.
var preprocessNow = time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

func newTestPreprocessor() *Preprocessor {
	p := NewPreprocessor()
	p.now = func() time.Time { return preprocessNow }
	return p
}

func TestProcess_NormalizesWhitespaceAndCase(t *testing.T) {
	pre := newTestPreprocessor().Process("  Show   Batch B-1001  Status ", nil)

	assert.Equal(t, "show batch b-1001 status", pre.ProcessedInput)
	assert.Contains(t, pre.ChangesMade, "normalized whitespace and case")
}

func TestProcess_ExtractsIdentifierSlots(t *testing.T) {
	pre := newTestPreprocessor().Process("move batch B-1001 from line 3 to order ORD-77", nil)

	assert.Equal(t, "B-1001", pre.ExtractedParams[string(datatypes.SlotBatch)])
	assert.Equal(t, "3", pre.ExtractedParams[string(datatypes.SlotLine)])
	assert.Equal(t, "ORD-77", pre.ExtractedParams[string(datatypes.SlotOrder)])
}

func TestProcess_ExtractsQuantity(t *testing.T) {
	pre := newTestPreprocessor().Process("create an order for 500 units of product widget-a", nil)

	assert.Equal(t, "500", pre.ExtractedParams[string(datatypes.SlotQuantity)])
	assert.Equal(t, "widget-a", pre.ExtractedParams[string(datatypes.SlotProduct)])
}

func TestProcess_SkipsStopwordExtractions(t *testing.T) {
	// "batch was late" would otherwise extract "was" as an identifier.
	pre := newTestPreprocessor().Process("the batch was late again", nil)

	assert.NotContains(t, pre.ExtractedParams, string(datatypes.SlotBatch))
}

func TestProcess_ResolvesThatBatchFromMemory(t *testing.T) {
	remembered := []datatypes.EntitySlot{
		{Type: datatypes.SlotBatch, Value: "B-1001", UpdatedAt: preprocessNow},
	}

	pre := newTestPreprocessor().Process("show the history of that batch", remembered)

	assert.Equal(t, "B-1001", pre.ResolvedReferences[string(datatypes.SlotBatch)])
	require.NotEmpty(t, pre.Assumptions)
	assert.Contains(t, pre.Assumptions[0], "B-1001")
	assert.True(t, pre.WasRewritten)
	assert.Contains(t, pre.RewrittenQuery, "batch b-1001")
}

func TestProcess_BareItResolvesToMostRecentEntity(t *testing.T) {
	remembered := []datatypes.EntitySlot{
		{Type: datatypes.SlotOrder, Value: "ORD-9", UpdatedAt: preprocessNow},
		{Type: datatypes.SlotBatch, Value: "B-1", UpdatedAt: preprocessNow.Add(-time.Minute)},
	}

	pre := newTestPreprocessor().Process("cancel it", remembered)

	assert.Equal(t, "ORD-9", pre.ResolvedReferences[string(datatypes.SlotOrder)])
}

func TestProcess_ExplicitIdentifierWinsOverMemory(t *testing.T) {
	remembered := []datatypes.EntitySlot{
		{Type: datatypes.SlotBatch, Value: "B-OLD", UpdatedAt: preprocessNow},
	}

	pre := newTestPreprocessor().Process("show batch B-NEW status", remembered)

	assert.Equal(t, "B-NEW", pre.ExtractedParams[string(datatypes.SlotBatch)])
	assert.Empty(t, pre.ResolvedReferences)
}

func TestProcess_NoMemoryMeansNoResolution(t *testing.T) {
	pre := newTestPreprocessor().Process("show the history of that batch", nil)

	assert.Empty(t, pre.ResolvedReferences)
}

func TestProcess_TimeWindows(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "today",
			text:      "what was produced today",
			wantStart: time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "yesterday",
			text:      "output for yesterday",
			wantStart: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "this week starts Monday",
			text:      "show this week's output",
			wantStart: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "last week",
			text:      "show last week's output",
			wantStart: time.Date(2025, 5, 26, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "this month",
			text:      "orders created this month",
			wantStart: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "last month",
			text:      "orders created last month",
			wantStart: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pre := newTestPreprocessor().Process(tt.text, nil)

			require.False(t, pre.NormalizedTimeRange.Start.IsZero(), "expected a time window")
			assert.True(t, pre.NormalizedTimeRange.Start.Equal(tt.wantStart),
				"start: got %v want %v", pre.NormalizedTimeRange.Start, tt.wantStart)
			assert.True(t, pre.NormalizedTimeRange.End.Equal(tt.wantEnd),
				"end: got %v want %v", pre.NormalizedTimeRange.End, tt.wantEnd)
			assert.Contains(t, pre.ExtractedParams, string(datatypes.SlotTimeRange))
		})
	}
}

func TestProcess_NoRelativeTimeLeavesRangeUnset(t *testing.T) {
	pre := newTestPreprocessor().Process("show batch B-1 status", nil)

	assert.True(t, pre.NormalizedTimeRange.Start.IsZero())
	assert.NotContains(t, pre.ExtractedParams, string(datatypes.SlotTimeRange))
}

func TestQualityScore_RisesWithSignal(t *testing.T) {
	p := newTestPreprocessor()

	vague := p.Process("status", nil)
	specific := p.Process("show batch B-1001 status on line 3", nil)

	assert.Greater(t, specific.QualityScore, vague.QualityScore)
	assert.LessOrEqual(t, specific.QualityScore, 1.0)
}
