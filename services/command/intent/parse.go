// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

// matchResponse mirrors the JSON schema the prompt demands.
type matchResponse struct {
	IntentCode string            `json:"intent_code"`
	Confidence *float64          `json:"confidence"`
	Slots      map[string]string `json:"slots"`
}

// parseMatchResponse decodes a model reply, tolerating markdown fences
// and surrounding prose. Missing or out-of-range confidence clamps to 0.
func parseMatchResponse(raw string) (*datatypes.IntentMatchResult, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, errors.New("no JSON object in response")
	}

	var resp matchResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, err
	}
	if resp.IntentCode == "" {
		return nil, errors.New("response missing intent_code")
	}

	confidence := 0.0
	if resp.Confidence != nil && *resp.Confidence >= 0 && *resp.Confidence <= 1 {
		confidence = *resp.Confidence
	}

	slots := resp.Slots
	if slots == nil {
		slots = map[string]string{}
	}

	return &datatypes.IntentMatchResult{
		IntentCode: resp.IntentCode,
		Confidence: confidence,
		Slots:      slots,
	}, nil
}

// extractJSON pulls the first balanced top-level JSON object out of a
// reply that may wrap it in ```json fences or explanation text.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if fenced := stripFence(raw); fenced != "" {
		raw = fenced
	}

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return raw[start : i+1]
				}
			}
		}
	}
	return ""
}

// stripFence removes a surrounding ``` or ```json code fence.
func stripFence(raw string) string {
	if !strings.HasPrefix(raw, "```") {
		return ""
	}
	body := strings.TrimPrefix(raw, "```json")
	body = strings.TrimPrefix(body, "```")
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
