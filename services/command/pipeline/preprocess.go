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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

// Slot extraction patterns. Identifiers keep their original casing; only
// the surrounding text is matched case-insensitively.
var (
	batchPattern    = regexp.MustCompile(`(?i)\b(?:batch|lot)\s*#?\s*([A-Za-z0-9][A-Za-z0-9_-]*)`)
	orderPattern    = regexp.MustCompile(`(?i)\border\s*#?\s*([A-Za-z0-9][A-Za-z0-9_-]*)`)
	linePattern     = regexp.MustCompile(`(?i)\bline\s*#?\s*([A-Za-z0-9][A-Za-z0-9_-]*)`)
	productPattern  = regexp.MustCompile(`(?i)\bproduct\s*#?\s*([A-Za-z0-9][A-Za-z0-9_-]*)`)
	quantityPattern = regexp.MustCompile(`(?i)\b(\d+)\s*(?:units?|pcs|pieces)\b`)

	whitespacePattern = regexp.MustCompile(`\s+`)
	bareItPattern     = regexp.MustCompile(`(?i)\bit\b`)
)

// referentNouns maps the noun in "that <noun>" style references to the
// slot type it refers back to.
var referentNouns = map[string]datatypes.SlotType{
	"batch":   datatypes.SlotBatch,
	"lot":     datatypes.SlotBatch,
	"order":   datatypes.SlotOrder,
	"product": datatypes.SlotProduct,
	"line":    datatypes.SlotLine,
}

// stopSlotWords are extracted "identifiers" that are really sentence
// continuations ("the batch was late" extracts "was").
var stopSlotWords = map[string]struct{}{
	"is": {}, "was": {}, "be": {}, "the": {}, "a": {}, "an": {},
	"status": {}, "history": {}, "number": {}, "id": {},
	"that": {}, "this": {}, "it": {}, "and": {}, "on": {}, "for": {},
}

// Preprocessor normalizes raw utterances: whitespace and case folding
// for the cache key, slot extraction, reference resolution against
// conversation memory, and relative time expression normalization.
type Preprocessor struct {
	// now is swappable in tests.
	now func() time.Time
}

// NewPreprocessor creates a preprocessor.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{now: time.Now}
}

// Process normalizes one utterance. remembered is the session's fresh
// entity snapshot used for reference resolution.
func (p *Preprocessor) Process(text string, remembered []datatypes.EntitySlot) *datatypes.PreprocessedQuery {
	pre := &datatypes.PreprocessedQuery{
		OriginalInput:      text,
		ExtractedParams:    make(map[string]string),
		ResolvedReferences: make(map[string]string),
	}

	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")
	pre.ProcessedInput = normalized
	if normalized != text {
		pre.ChangesMade = append(pre.ChangesMade, "normalized whitespace and case")
	}

	p.extractParams(text, pre)
	p.resolveReferences(normalized, remembered, pre)
	p.normalizeTime(normalized, pre)

	pre.RewrittenQuery = p.rewrite(normalized, pre)
	pre.WasRewritten = pre.RewrittenQuery != normalized
	pre.RewriteConfidence = 1.0
	pre.QualityScore = qualityScore(pre)
	return pre
}

func (p *Preprocessor) extractParams(text string, pre *datatypes.PreprocessedQuery) {
	extract := func(pattern *regexp.Regexp, slot datatypes.SlotType) {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			return
		}
		value := m[1]
		if _, stop := stopSlotWords[strings.ToLower(value)]; stop {
			return
		}
		pre.ExtractedParams[string(slot)] = value
		pre.ChangesMade = append(pre.ChangesMade, fmt.Sprintf("extracted %s=%s", slot, value))
	}
	extract(batchPattern, datatypes.SlotBatch)
	extract(orderPattern, datatypes.SlotOrder)
	extract(linePattern, datatypes.SlotLine)
	extract(productPattern, datatypes.SlotProduct)
	extract(quantityPattern, datatypes.SlotQuantity)
}

// resolveReferences rewrites "that batch" / "it" style anaphora to the
// most recently remembered matching entity.
func (p *Preprocessor) resolveReferences(normalized string, remembered []datatypes.EntitySlot, pre *datatypes.PreprocessedQuery) {
	if len(remembered) == 0 {
		return
	}

	for noun, slot := range referentNouns {
		if _, already := pre.ExtractedParams[string(slot)]; already {
			continue
		}
		for _, marker := range []string{"that " + noun, "this " + noun, "the same " + noun, "the " + noun} {
			if !strings.Contains(normalized, marker) {
				continue
			}
			if value := latestOfType(remembered, slot); value != "" {
				pre.ResolvedReferences[string(slot)] = value
				pre.Assumptions = append(pre.Assumptions,
					fmt.Sprintf("%q refers to %s %s from earlier in the conversation", marker, noun, value))
			}
			break
		}
	}

	// A bare "it" falls back to the most recent entity of any type.
	if len(pre.ResolvedReferences) == 0 && len(pre.ExtractedParams) == 0 &&
		bareItPattern.MatchString(normalized) {
		latest := remembered[0]
		pre.ResolvedReferences[string(latest.Type)] = latest.Value
		pre.Assumptions = append(pre.Assumptions,
			fmt.Sprintf("\"it\" refers to %s %s from earlier in the conversation", latest.Type, latest.Value))
	}
}

// normalizeTime resolves relative expressions to absolute windows.
func (p *Preprocessor) normalizeTime(normalized string, pre *datatypes.PreprocessedQuery) {
	now := p.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekStart := dayStart.AddDate(0, 0, -(weekday - 1))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var window datatypes.TimeRange
	switch {
	case strings.Contains(normalized, "yesterday"):
		window = datatypes.TimeRange{Start: dayStart.AddDate(0, 0, -1), End: dayStart, OriginalExpression: "yesterday"}
	case strings.Contains(normalized, "today"):
		window = datatypes.TimeRange{Start: dayStart, End: dayStart.AddDate(0, 0, 1), OriginalExpression: "today"}
	case strings.Contains(normalized, "this week"):
		window = datatypes.TimeRange{Start: weekStart, End: weekStart.AddDate(0, 0, 7), OriginalExpression: "this week"}
	case strings.Contains(normalized, "last week"):
		window = datatypes.TimeRange{Start: weekStart.AddDate(0, 0, -7), End: weekStart, OriginalExpression: "last week"}
	case strings.Contains(normalized, "this month"):
		window = datatypes.TimeRange{Start: monthStart, End: monthStart.AddDate(0, 1, 0), OriginalExpression: "this month"}
	case strings.Contains(normalized, "last month"):
		window = datatypes.TimeRange{Start: monthStart.AddDate(0, -1, 0), End: monthStart, OriginalExpression: "last month"}
	default:
		return
	}

	pre.NormalizedTimeRange = window
	pre.ExtractedParams[string(datatypes.SlotTimeRange)] = fmt.Sprintf("%s/%s",
		window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339))
	pre.ChangesMade = append(pre.ChangesMade,
		fmt.Sprintf("resolved %q to %s", window.OriginalExpression, pre.ExtractedParams[string(datatypes.SlotTimeRange)]))
}

// rewrite folds resolved references into the query text so the cache key
// and the classifier both see the concrete entity.
func (p *Preprocessor) rewrite(normalized string, pre *datatypes.PreprocessedQuery) string {
	out := normalized
	for slotName, value := range pre.ResolvedReferences {
		slot := datatypes.SlotType(slotName)
		for noun, mapped := range referentNouns {
			if mapped != slot {
				continue
			}
			for _, marker := range []string{"that " + noun, "this " + noun, "the same " + noun, "the " + noun} {
				if strings.Contains(out, marker) {
					out = strings.Replace(out, marker, noun+" "+strings.ToLower(value), 1)
				}
			}
		}
	}
	return out
}

func latestOfType(remembered []datatypes.EntitySlot, slot datatypes.SlotType) string {
	for _, s := range remembered {
		if s.Type == slot {
			return s.Value
		}
	}
	return ""
}

// qualityScore is a coarse signal of how actionable the utterance looks.
func qualityScore(pre *datatypes.PreprocessedQuery) float64 {
	score := 0.4
	if len(pre.ExtractedParams) > 0 {
		score += 0.3
	}
	if len(pre.ResolvedReferences) > 0 {
		score += 0.2
	}
	if len(strings.Fields(pre.ProcessedInput)) >= 3 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}
