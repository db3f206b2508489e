// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the command pipeline over HTTP.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/TraceCommand/pkg/validation"
	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/pipeline"
	"github.com/AleutianAI/TraceCommand/services/command/preview"
	"github.com/AleutianAI/TraceCommand/services/command/tools"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return validation.ValidateIdentifier(fl.Field().String()) == nil
		})
	}
}

// ResolveRequest is the body of POST /v1/command/resolve.
type ResolveRequest struct {
	Text      string `json:"text" binding:"required,min=1,max=2000"`
	SessionID string `json:"session_id" binding:"required,identifier"`
	UserID    string `json:"user_id" binding:"required,identifier"`
	FactoryID string `json:"factory_id" binding:"required,identifier"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HandleResolve runs one turn through the pipeline.
func HandleResolve(orchestrator *pipeline.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}

		result, err := orchestrator.ResolveTurn(c.Request.Context(), datatypes.Query{
			Text:      req.Text,
			SessionID: req.SessionID,
			UserID:    req.UserID,
			FactoryID: req.FactoryID,
			Timestamp: time.Now(),
		})
		if err != nil {
			status, msg := mapPipelineError(err)
			slog.Error("resolve turn failed",
				"factory_id", req.FactoryID, "session_id", req.SessionID, "error", err)
			c.JSON(status, ErrorResponse{Error: msg})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// ConfirmRequest is the body of the confirm/cancel endpoints.
type ConfirmRequest struct {
	UserID string `json:"user_id" binding:"required,identifier"`
}

// HandleConfirmPreview executes a staged mutating action.
func HandleConfirmPreview(orchestrator *pipeline.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		var req ConfirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}

		result, err := orchestrator.ConfirmPreview(c.Request.Context(), token, req.UserID)
		if err != nil {
			status, msg := mapPreviewError(err)
			c.JSON(status, ErrorResponse{Error: msg})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandleCancelPreview discards a staged mutating action.
func HandleCancelPreview(orchestrator *pipeline.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		var req ConfirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}

		if err := orchestrator.CancelPreview(c.Request.Context(), token, req.UserID); err != nil {
			status, msg := mapPreviewError(err)
			c.JSON(status, ErrorResponse{Error: msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true, "token": token})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func mapPipelineError(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrLLMUnavailable):
		return http.StatusServiceUnavailable, "the language model is temporarily unavailable, please retry"
	case errors.Is(err, tools.ErrNoToolMatch):
		return http.StatusUnprocessableEntity, "no tool matches the request"
	default:
		return http.StatusInternalServerError, "internal error resolving the request"
	}
}

func mapPreviewError(err error) (int, string) {
	switch {
	case errors.Is(err, preview.ErrTokenNotFound):
		return http.StatusNotFound, "preview token not found"
	case errors.Is(err, preview.ErrUserMismatch):
		return http.StatusForbidden, "preview token belongs to a different user"
	case errors.Is(err, preview.ErrTokenExpired):
		return http.StatusConflict, "preview token has expired"
	case errors.Is(err, preview.ErrNotPending):
		return http.StatusConflict, "preview token was already resolved"
	default:
		return http.StatusInternalServerError, "internal error resolving the preview"
	}
}
