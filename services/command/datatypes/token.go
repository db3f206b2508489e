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

// TokenStatus is the state of a preview token. PENDING is the only
// initial state; CONFIRMED, CANCELLED, and EXPIRED are terminal.
type TokenStatus string

const (
	TokenPending   TokenStatus = "PENDING"
	TokenConfirmed TokenStatus = "CONFIRMED"
	TokenCancelled TokenStatus = "CANCELLED"
	TokenExpired   TokenStatus = "EXPIRED"
)

// Terminal reports whether no further transition out of the status is
// permitted.
func (s TokenStatus) Terminal() bool {
	return s == TokenConfirmed || s == TokenCancelled || s == TokenExpired
}

// IntentPreviewToken stages a state-changing action behind an explicit
// user confirmation. Transitions are PENDING -> {CONFIRMED, CANCELLED,
// EXPIRED}, each terminal and setting ResolvedAt; attempting a transition
// out of a terminal state fails, it never silently succeeds.
type IntentPreviewToken struct {
	Token             string            `json:"token"`
	FactoryID         string            `json:"factory_id"`
	UserID            string            `json:"user_id"`
	IntentCode        string            `json:"intent_code"`
	Status            TokenStatus       `json:"status"`
	Params            map[string]string `json:"params"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	ResolutionMessage string            `json:"resolution_message,omitempty"`
}
