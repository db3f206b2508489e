// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// WSRequest is one inbound websocket frame: a turn, a confirm, or a
// cancel.
type WSRequest struct {
	Action    string `json:"action"` // "resolve" (default), "confirm", "cancel"
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	FactoryID string `json:"factory_id"`
	Token     string `json:"token,omitempty"`
}

// WSResponse is one outbound frame.
type WSResponse struct {
	Turn   *datatypes.TurnResult  `json:"turn,omitempty"`
	Result *datatypes.SkillResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// HandleCommandWebSocket drives a conversational session over one
// socket: resolve frames stream turns, confirm/cancel frames settle
// staged previews without a round trip through HTTP.
func HandleCommandWebSocket(orchestrator *pipeline.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		ctx := c.Request.Context()
		for {
			var req WSRequest
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Warn("websocket read failed", "error", err)
				}
				return
			}

			var resp WSResponse
			switch req.Action {
			case "", "resolve":
				if req.Text == "" || req.SessionID == "" || req.UserID == "" || req.FactoryID == "" {
					resp.Error = "text, session_id, user_id, and factory_id are required"
					break
				}
				turn, err := orchestrator.ResolveTurn(ctx, datatypes.Query{
					Text:      req.Text,
					SessionID: req.SessionID,
					UserID:    req.UserID,
					FactoryID: req.FactoryID,
					Timestamp: time.Now(),
				})
				if err != nil {
					_, resp.Error = mapPipelineError(err)
				} else {
					resp.Turn = turn
				}

			case "confirm":
				result, err := orchestrator.ConfirmPreview(ctx, req.Token, req.UserID)
				if err != nil {
					_, resp.Error = mapPreviewError(err)
				} else {
					resp.Result = result
				}

			case "cancel":
				if err := orchestrator.CancelPreview(ctx, req.Token, req.UserID); err != nil {
					_, resp.Error = mapPreviewError(err)
				} else {
					resp.Result = &datatypes.SkillResult{Success: true, Message: "preview cancelled"}
				}

			default:
				resp.Error = "unknown action: " + req.Action
			}

			if err := ws.WriteJSON(resp); err != nil {
				slog.Warn("websocket write failed", "error", err)
				return
			}
		}
	}
}
