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

import "fmt"

// ClarificationType categorizes why a request cannot proceed as-is.
type ClarificationType string

const (
	ClarifyMissingTime          ClarificationType = "MISSING_TIME"
	ClarifyMissingEntity        ClarificationType = "MISSING_ENTITY"
	ClarifyAmbiguousAction      ClarificationType = "AMBIGUOUS_ACTION"
	ClarifyIncompleteParams     ClarificationType = "INCOMPLETE_PARAMS"
	ClarifyUnresolvedReference  ClarificationType = "UNRESOLVED_REFERENCE"
	ClarifyMultiIntentAmbiguity ClarificationType = "MULTI_INTENT_AMBIGUITY"
	ClarifyNone                 ClarificationType = "NONE"
)

// ClarificationDecision is the output of the clarification policy for one
// turn. Invariants (checked by Validate):
//
//   - NeedClarification implies !CanProceedWithInference, and the two are
//     never both true.
//   - A proceed-with-inference decision with a non-NONE type must carry an
//     inference explanation, so the caller can disclose what was assumed.
type ClarificationDecision struct {
	NeedClarification              bool              `json:"need_clarification"`
	Reason                         string            `json:"reason,omitempty"`
	MissingSlots                   []string          `json:"missing_slots,omitempty"`
	ConfidenceWithoutClarification float64           `json:"confidence_without_clarification"`
	Type                           ClarificationType `json:"clarification_type"`
	SuggestedQuestions             []string          `json:"suggested_questions,omitempty"`
	DetectedEntities               map[string]string `json:"detected_entities,omitempty"`
	InferredDefaults               map[string]string `json:"inferred_defaults,omitempty"`
	Priority                       int               `json:"priority"`
	CanProceedWithInference        bool              `json:"can_proceed_with_inference"`
	InferenceExplanation           string            `json:"inference_explanation,omitempty"`
}

// Validate checks the structural invariants of the decision.
func (d *ClarificationDecision) Validate() error {
	if d.NeedClarification && d.CanProceedWithInference {
		return fmt.Errorf("clarification decision cannot both need clarification and proceed with inference")
	}
	if d.CanProceedWithInference && d.Type != ClarifyNone && d.InferenceExplanation == "" {
		return fmt.Errorf("inference decision of type %s requires an explanation", d.Type)
	}
	if d.Priority < 0 || d.Priority > 10 {
		return fmt.Errorf("priority %d out of range [0,10]", d.Priority)
	}
	if d.ConfidenceWithoutClarification < 0 || d.ConfidenceWithoutClarification > 1 {
		return fmt.Errorf("confidence %f out of range [0,1]", d.ConfidenceWithoutClarification)
	}
	return nil
}
