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

// CandidateSource identifies which pool a retrieval candidate came from.
type CandidateSource string

const (
	// SourceLearnedExpression is a canonical expression learned offline.
	SourceLearnedExpression CandidateSource = "LEARNED_EXPRESSION"

	// SourceMatchRecord is a historical match record.
	SourceMatchRecord CandidateSource = "MATCH_RECORD"

	// SourceUserConfirmed is a match record explicitly confirmed by a user.
	SourceUserConfirmed CandidateSource = "USER_CONFIRMED"
)

// sourcePriority orders candidate sources for tie-breaking: confirmed
// records are trusted over raw match records over learned expressions.
func (s CandidateSource) Priority() int {
	switch s {
	case SourceUserConfirmed:
		return 3
	case SourceMatchRecord:
		return 2
	case SourceLearnedExpression:
		return 1
	default:
		return 0
	}
}

// RAGCandidate is a read-only projection of a prior resolved query used
// as few-shot grounding context for intent classification. Never mutated
// after construction.
type RAGCandidate struct {
	UserInput  string          `json:"user_input"`
	IntentCode string          `json:"intent_code"`
	Confidence float64         `json:"confidence"`
	Similarity float64         `json:"similarity"`
	Source     CandidateSource `json:"source"`
}

// IntentMatchResult is the parsed output of one classification call.
type IntentMatchResult struct {
	IntentCode string            `json:"intent_code"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
}
