// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clarify decides whether a resolved request is actionable as-is,
// can proceed with disclosed inferred defaults, or must block on a
// clarifying question. Decide is a pure function of its inputs; it never
// touches storage or the network.
package clarify

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

// IntentRequirements describes what one intent needs before execution.
// Supplied by the tool registry.
type IntentRequirements struct {
	IntentCode    string
	RequiredSlots []datatypes.SlotType
	Mutating      bool
}

// Config holds clarification policy tuning.
type Config struct {
	// MinConfidence is the classification confidence below which the
	// intent itself is treated as ambiguous. Default: 0.5.
	MinConfidence float64
}

// DefaultConfig returns policy defaults, overridable via
// CLARIFY_MIN_CONFIDENCE.
func DefaultConfig() Config {
	return Config{
		MinConfidence: getEnvFloat("CLARIFY_MIN_CONFIDENCE", 0.5),
	}
}

// Engine applies the three-tier clarification policy:
//
//  1. All required slots present: proceed, no clarification.
//  2. A gap with a safe, reversible default (an implicit current
//     day/week for a missing time window, or a still-fresh entity from
//     conversation memory on a read-only intent): proceed with the
//     inference disclosed.
//  3. Otherwise: block with one templated question per missing slot.
//
// Asking about every gap makes the assistant exhausting; guessing on
// every gap risks silent wrong actions. The middle tier is what keeps
// both failure modes rare.
type Engine struct {
	config Config

	// now is swappable in tests.
	now func() time.Time
}

// New creates a clarification engine.
func New(config Config) *Engine {
	if config.MinConfidence <= 0 {
		config.MinConfidence = 0.5
	}
	return &Engine{config: config, now: time.Now}
}

// Decide evaluates one turn. remembered is the session's fresh entity
// snapshot from conversation memory; req describes the matched intent's
// needs. First applicable rule wins.
func (e *Engine) Decide(
	pre *datatypes.PreprocessedQuery,
	match *datatypes.IntentMatchResult,
	remembered []datatypes.EntitySlot,
	req IntentRequirements,
) *datatypes.ClarificationDecision {
	if match == nil || match.IntentCode == "" || match.Confidence < e.config.MinConfidence {
		return e.ambiguousIntent(match)
	}

	present := presentSlots(pre, match)

	var missing []datatypes.SlotType
	for _, slot := range req.RequiredSlots {
		if _, ok := present[slot]; !ok {
			missing = append(missing, slot)
		}
	}

	if len(missing) == 0 {
		return &datatypes.ClarificationDecision{
			Type:                           datatypes.ClarifyNone,
			ConfidenceWithoutClarification: match.Confidence,
			DetectedEntities:               stringKeys(present),
		}
	}

	inferred, explanations, unresolved := e.infer(missing, remembered, pre, req)
	if len(unresolved) == 0 {
		return &datatypes.ClarificationDecision{
			Type:                           clarificationTypeFor(missing, pre),
			ConfidenceWithoutClarification: match.Confidence,
			DetectedEntities:               stringKeys(present),
			InferredDefaults:               inferred,
			CanProceedWithInference:        true,
			Priority:                       2,
			InferenceExplanation:           strings.Join(explanations, "; "),
		}
	}

	return e.needClarification(match, present, inferred, unresolved, pre)
}

// ambiguousIntent is the low-confidence path: no intent we trust enough
// to name required slots for.
func (e *Engine) ambiguousIntent(match *datatypes.IntentMatchResult) *datatypes.ClarificationDecision {
	confidence := 0.0
	reason := "no confident intent match"
	if match != nil {
		confidence = match.Confidence
		if match.IntentCode != "" {
			reason = fmt.Sprintf("intent %s matched below the confidence floor", match.IntentCode)
		}
	}
	return &datatypes.ClarificationDecision{
		NeedClarification:              true,
		Reason:                         reason,
		ConfidenceWithoutClarification: confidence,
		Type:                           datatypes.ClarifyAmbiguousAction,
		SuggestedQuestions: []string{
			"I'm not sure what you'd like me to do. Could you rephrase that?",
		},
		Priority: 9,
	}
}

// infer attempts a safe default for each missing slot. Returns the
// inferred values, one human-readable explanation per inference, and the
// slots that stay unresolved.
func (e *Engine) infer(
	missing []datatypes.SlotType,
	remembered []datatypes.EntitySlot,
	pre *datatypes.PreprocessedQuery,
	req IntentRequirements,
) (map[string]string, []string, []datatypes.SlotType) {
	inferred := make(map[string]string)
	var explanations []string
	var unresolved []datatypes.SlotType

	for _, slot := range missing {
		switch {
		case slot == datatypes.SlotTimeRange:
			window, label := e.defaultTimeWindow(pre)
			inferred[string(slot)] = window
			explanations = append(explanations, fmt.Sprintf("assumed the time range %s since none was given", label))

		case !req.Mutating && rememberedValue(remembered, slot) != "":
			value := rememberedValue(remembered, slot)
			inferred[string(slot)] = value
			explanations = append(explanations, fmt.Sprintf("assumed %s %s from earlier in this conversation", slotLabel(slot), value))

		default:
			// Entity gaps on mutating intents are never guessed.
			unresolved = append(unresolved, slot)
		}
	}
	return inferred, explanations, unresolved
}

// defaultTimeWindow picks the implicit window: the current ISO week when
// the utterance speaks in weeks, otherwise the current day.
func (e *Engine) defaultTimeWindow(pre *datatypes.PreprocessedQuery) (string, string) {
	now := e.now()
	text := ""
	if pre != nil {
		text = strings.ToLower(pre.OriginalInput)
	}

	if strings.Contains(text, "week") {
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7 // treat Sunday as the end of the week
		}
		start := now.AddDate(0, 0, -(weekday - 1)).Truncate(24 * time.Hour)
		end := start.AddDate(0, 0, 7)
		return fmt.Sprintf("%s/%s", start.Format(time.RFC3339), end.Format(time.RFC3339)), "current week"
	}

	start := now.Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, 1)
	return fmt.Sprintf("%s/%s", start.Format(time.RFC3339), end.Format(time.RFC3339)), "today"
}

// needClarification builds the blocking decision with one question per
// unresolved slot, ordered most central first.
func (e *Engine) needClarification(
	match *datatypes.IntentMatchResult,
	present map[datatypes.SlotType]string,
	inferred map[string]string,
	unresolved []datatypes.SlotType,
	pre *datatypes.PreprocessedQuery,
) *datatypes.ClarificationDecision {
	missingNames := make([]string, 0, len(unresolved))
	questions := make([]string, 0, len(unresolved))
	priority := 0
	for _, slot := range orderByCentrality(unresolved) {
		missingNames = append(missingNames, string(slot))
		questions = append(questions, questionFor(slot))
		if c := slotCentrality(slot); c > priority {
			priority = c
		}
	}

	return &datatypes.ClarificationDecision{
		NeedClarification:              true,
		Reason:                         fmt.Sprintf("intent %s is missing required information", match.IntentCode),
		MissingSlots:                   missingNames,
		ConfidenceWithoutClarification: match.Confidence,
		Type:                           clarificationTypeFor(unresolved, pre),
		SuggestedQuestions:             questions,
		DetectedEntities:               stringKeys(present),
		InferredDefaults:               inferred,
		Priority:                       priority,
	}
}

// presentSlots merges slot values the matcher extracted with parameters
// the preprocessor pulled out of the text. Matcher output wins on
// conflict since it saw the retrieval context.
func presentSlots(pre *datatypes.PreprocessedQuery, match *datatypes.IntentMatchResult) map[datatypes.SlotType]string {
	present := make(map[datatypes.SlotType]string)
	if pre != nil {
		for k, v := range pre.ExtractedParams {
			if v != "" {
				present[datatypes.SlotType(k)] = v
			}
		}
		for k, v := range pre.ResolvedReferences {
			if v != "" {
				present[datatypes.SlotType(k)] = v
			}
		}
		if !pre.NormalizedTimeRange.IsZero() {
			present[datatypes.SlotTimeRange] = fmt.Sprintf("%s/%s",
				pre.NormalizedTimeRange.Start.Format(time.RFC3339),
				pre.NormalizedTimeRange.End.Format(time.RFC3339))
		}
	}
	if match != nil {
		for k, v := range match.Slots {
			if v != "" {
				present[datatypes.SlotType(k)] = v
			}
		}
	}
	return present
}

func rememberedValue(remembered []datatypes.EntitySlot, slot datatypes.SlotType) string {
	for _, s := range remembered {
		if s.Type == slot {
			return s.Value
		}
	}
	return ""
}

// clarificationTypeFor picks the dominant gap category.
func clarificationTypeFor(missing []datatypes.SlotType, pre *datatypes.PreprocessedQuery) datatypes.ClarificationType {
	if pre != nil && len(pre.ResolvedReferences) == 0 && hasDanglingReference(pre.OriginalInput) {
		return datatypes.ClarifyUnresolvedReference
	}

	timeOnly := true
	hasEntity := false
	for _, slot := range missing {
		if slot != datatypes.SlotTimeRange {
			timeOnly = false
		}
		if slotCentrality(slot) >= 8 {
			hasEntity = true
		}
	}
	switch {
	case len(missing) == 0:
		return datatypes.ClarifyNone
	case timeOnly:
		return datatypes.ClarifyMissingTime
	case hasEntity:
		return datatypes.ClarifyMissingEntity
	default:
		return datatypes.ClarifyIncompleteParams
	}
}

// hasDanglingReference spots anaphora that survived reference resolution.
func hasDanglingReference(text string) bool {
	lower := " " + strings.ToLower(text) + " "
	for _, marker := range []string{" it ", " that ", " those ", " them ", " the same "} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// slotCentrality scores how blocking a missing slot is: target entities
// outrank time windows, which outrank secondary filters.
func slotCentrality(slot datatypes.SlotType) int {
	switch slot {
	case datatypes.SlotBatch, datatypes.SlotOrder, datatypes.SlotProduct,
		datatypes.SlotLine, datatypes.SlotMerchant:
		return 8
	case datatypes.SlotTimeRange:
		return 5
	case datatypes.SlotQuantity:
		return 4
	default:
		return 3
	}
}

func orderByCentrality(slots []datatypes.SlotType) []datatypes.SlotType {
	out := make([]datatypes.SlotType, len(slots))
	copy(out, slots)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && slotCentrality(out[j]) > slotCentrality(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func questionFor(slot datatypes.SlotType) string {
	switch slot {
	case datatypes.SlotBatch:
		return "Which batch do you mean? Please give the batch number."
	case datatypes.SlotProduct:
		return "Which product is this about?"
	case datatypes.SlotOrder:
		return "Which order should I use? Please give the order number."
	case datatypes.SlotLine:
		return "Which production line is this for?"
	case datatypes.SlotMerchant:
		return "Which merchant or customer is this about?"
	case datatypes.SlotTimeRange:
		return "For what time period?"
	case datatypes.SlotStatus:
		return "Which status should I filter on?"
	case datatypes.SlotQuantity:
		return "What quantity should I use?"
	default:
		return fmt.Sprintf("Could you provide the %s?", slotLabel(slot))
	}
}

func slotLabel(slot datatypes.SlotType) string {
	return strings.ReplaceAll(strings.TrimSuffix(string(slot), "_id"), "_", " ")
}

func stringKeys(in map[datatypes.SlotType]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}
