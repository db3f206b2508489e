// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for TraceCommand components.
//
// The package is a thin layer over the standard library slog:
//
//   - Default: JSON output on stdout for container log collectors
//   - Optional: file logging with automatic directory creation
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Config{Service: "command"})
//	if err != nil { ... }
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// When LogDir is set, a `{service}_{date}.log` JSON file is written
// alongside stdout.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure user command text, tokens and secrets are logged as
// metadata only (presence, length), never verbatim.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// ParseLevel maps a level name to a slog.Level. Unknown names fall
// back to Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger behavior. A zero-value Config creates
// a logger that writes Info+ JSON messages to stdout.
type Config struct {
	// Level sets the minimum log level. Default: Info.
	Level slog.Level

	// LogDir enables file logging to the specified directory.
	// The file is named "{Service}_{YYYY-MM-DD}.log". The directory
	// is created with 0750 permissions if it does not exist.
	// Default: "" (file logging disabled).
	LogDir string

	// Service is included in every entry as the "service" attribute.
	// Default: "command".
	Service string

	// Quiet disables stdout output. Useful under test.
	Quiet bool
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the slog handler stack and the optional log file.
type Logger struct {
	slog *slog.Logger
	file *os.File
}

// New creates a logger from the configuration.
func New(cfg Config) (*Logger, error) {
	if cfg.Service == "" {
		cfg.Service = "command"
	}

	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stdout)
	}

	logger := &Logger{}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", cfg.LogDir, err)
		}
		name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(cfg.LogDir, name),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.file = file
		writers = append(writers, file)
	}

	var out io.Writer = io.Discard
	if len(writers) == 1 {
		out = writers[0]
	} else if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Level})
	logger.slog = slog.New(handler).With("service", cfg.Service)
	return logger, nil
}

// Slog returns the underlying slog logger, suitable for
// slog.SetDefault.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
