// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command command starts the TraceCommand natural-language command server.
//
// # Environment Variables
//
//   - COMMAND_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND_TYPE: LLM provider - openai, ollama (default: ollama)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - DATA_BACKEND_URL: traceability CRUD backend root (required)
//   - DATA_BACKEND_API_KEY: bearer token for the CRUD backend (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: otel-collector:4317)
//   - BADGER_PATH: storage directory for cache and preview tokens
//   - TOOL_REGISTRY_PATH: external tool registry YAML (optional)
//   - SWEEP_INTERVAL_SECONDS: background sweep interval
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_DIR: write JSON log files alongside stdout (optional)
//
// # Usage
//
//	# Build
//	go build -o command ./cmd/command
//
//	# Run
//	DATA_BACKEND_URL=http://trace-backend:8080 ./command serve
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/TraceCommand/pkg/logging"
	"github.com/AleutianAI/TraceCommand/services/command"
)

var (
	flagPort           int
	flagLLMBackend     string
	flagWeaviateURL    string
	flagDataBackendURL string
	flagBadgerPath     string
	flagRegistryPath   string

	rootCmd = &cobra.Command{
		Use:   "command",
		Short: "TraceCommand natural-language command service",
		Long: "Resolves natural-language factory commands into previewed, " +
			"confirmed operations against the traceability backend.",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
)

func main() {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		LogDir:  os.Getenv("LOG_DIR"),
		Service: "command",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	serveCmd.Flags().IntVar(&flagPort, "port", getEnvInt("COMMAND_PORT", 12310), "HTTP server port")
	serveCmd.Flags().StringVar(&flagLLMBackend, "llm-backend", getEnvString("LLM_BACKEND_TYPE", "ollama"), "LLM provider (openai, ollama)")
	serveCmd.Flags().StringVar(&flagWeaviateURL, "weaviate-url", os.Getenv("WEAVIATE_SERVICE_URL"), "Weaviate vector DB URL")
	serveCmd.Flags().StringVar(&flagDataBackendURL, "data-backend-url", os.Getenv("DATA_BACKEND_URL"), "Traceability CRUD backend root")
	serveCmd.Flags().StringVar(&flagBadgerPath, "badger-path", getEnvString("BADGER_PATH", "./data/command"), "Storage directory")
	serveCmd.Flags().StringVar(&flagRegistryPath, "tool-registry", os.Getenv("TOOL_REGISTRY_PATH"), "External tool registry YAML")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := command.Config{
		Port:              flagPort,
		LLMBackend:        flagLLMBackend,
		WeaviateURL:       flagWeaviateURL,
		DataBackendURL:    flagDataBackendURL,
		DataBackendAPIKey: os.Getenv("DATA_BACKEND_API_KEY"),
		OTelEndpoint:      getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317"),
		BadgerPath:        flagBadgerPath,
		ToolRegistryPath:  flagRegistryPath,
		SweepInterval:     time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
	}

	slog.Info("Starting command service",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
		"data_backend_url", cfg.DataBackendURL,
	)

	svc, err := command.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create command service: %w", err)
	}

	return svc.Run()
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
