// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package command assembles the natural-language command service.
//
// The package wires the full resolution pipeline (preprocessing,
// semantic cache, RAG retrieval, intent matching, clarification, tool
// selection, preview tokens) behind a Gin HTTP surface, and owns the
// shared infrastructure: badger storage, the optional Weaviate vector
// backend, OpenTelemetry tracing and the background sweep scheduler.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/TraceCommand/services/command/clarify"
	"github.com/AleutianAI/TraceCommand/services/command/dataclient"
	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/intent"
	"github.com/AleutianAI/TraceCommand/services/command/memory"
	"github.com/AleutianAI/TraceCommand/services/command/observability"
	"github.com/AleutianAI/TraceCommand/services/command/pipeline"
	"github.com/AleutianAI/TraceCommand/services/command/preview"
	"github.com/AleutianAI/TraceCommand/services/command/rag"
	"github.com/AleutianAI/TraceCommand/services/command/routes"
	"github.com/AleutianAI/TraceCommand/services/command/semcache"
	"github.com/AleutianAI/TraceCommand/services/command/storage/badgerdb"
	"github.com/AleutianAI/TraceCommand/services/command/tools"
	"github.com/AleutianAI/TraceCommand/services/command/vectorindex"
	"github.com/AleutianAI/TraceCommand/services/llm"
)

// Weaviate class names for the three vector pools.
const (
	cacheClassName       = "CommandCacheEntry"
	expressionClassName  = "CommandExpression"
	matchRecordClassName = "CommandMatchRecord"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the command-service lifecycle contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should be called at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds command-service configuration options.
//
// All fields are optional except DataBackendURL; defaults are applied
// by New().
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// LLMBackend selects the intent-matching provider.
	// Valid values: "openai", "ollama". Default: "ollama".
	LLMBackend string

	// WeaviateURL is the Weaviate vector database URL.
	// If empty, in-process vector indexes are used instead.
	WeaviateURL string

	// DataBackendURL is the traceability CRUD backend root. Required:
	// tool execution has nowhere to go without it.
	DataBackendURL string

	// DataBackendAPIKey authenticates against the CRUD backend.
	DataBackendAPIKey string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "otel-collector:4317".
	OTelEndpoint string

	// EnableMetrics enables the Prometheus turn metrics.
	// Default: true.
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Empty uses the GIN_MODE env var.
	GinMode string

	// BadgerPath is the directory for the badger store holding cache
	// entries and preview tokens. Default: "./data/command".
	BadgerPath string

	// ToolRegistryPath points at an external tool registry YAML.
	// Empty uses the embedded registry.
	ToolRegistryPath string

	// SweepInterval is how often the background scheduler expires
	// tokens, prunes the cache and evicts idle sessions. Default: 1m.
	SweepInterval time.Duration
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "otel-collector:4317"
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "./data/command"
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	cfg.EnableMetrics = true
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
type service struct {
	config         Config
	router         *gin.Engine
	weaviateClient *weaviate.Client
	registry       *tools.Registry
	scheduler      *pipeline.Scheduler
	orchestrator   *pipeline.Orchestrator
	tracerCleanup  func(context.Context)
	closeDB        func() error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a command Service with the given configuration.
//
// Initialization order:
//  1. Apply configuration defaults
//  2. OpenTelemetry tracing
//  3. Prometheus turn metrics
//  4. Weaviate client (optional; in-process indexes otherwise)
//  5. Badger store for cache entries and preview tokens
//  6. Tool registry (embedded or external YAML, with hot reload)
//  7. Pipeline collaborators and the orchestrator
//  8. Background sweep scheduler
//  9. HTTP router
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metrics *observability.TurnMetrics
	if s.config.EnableMetrics {
		metrics = observability.InitTurnMetrics()
		slog.Info("Initialized Prometheus turn metrics")
	}

	// Weaviate is optional; without it the vector pools live in process
	// and do not survive restarts.
	if err := s.initWeaviate(); err != nil {
		slog.Warn("Weaviate initialization failed, using in-process vector indexes",
			"error", err)
	}

	ctx := context.Background()

	cacheIndex, expressionIndex, recordIndex, err := s.buildIndexes(ctx)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to build vector indexes: %w", err)
	}

	db, err := badgerdb.Open(badgerdb.Config{
		Path:       s.config.BadgerPath,
		SyncWrites: true,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	s.closeDB = db.Close

	s.registry, err = tools.LoadRegistry(s.config.ToolRegistryPath)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to load tool registry: %w", err)
	}
	if s.config.ToolRegistryPath != "" {
		if err := s.registry.Watch(); err != nil {
			slog.Warn("Tool registry hot reload unavailable", "error", err)
		}
	}

	embedder, err := datatypes.NewOpenAIEmbedder()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	llmClient, err := llm.NewClient(s.config.LLMBackend)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	slog.Info("Using LLM backend", "backend", s.config.LLMBackend)

	matcher, err := intent.New(llmClient, intentBriefs(s.registry), intent.DefaultConfig())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create intent matcher: %w", err)
	}

	backendConfig := dataclient.DefaultConfig()
	backendConfig.BaseURL = s.config.DataBackendURL
	backendConfig.APIKey = s.config.DataBackendAPIKey
	access, err := dataclient.New(backendConfig)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create data backend client: %w", err)
	}

	selector, err := tools.NewSelector(ctx, s.registry, embedder, tools.DefaultSelectorConfig())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create tool selector: %w", err)
	}

	cache := semcache.New(db, cacheIndex, semcache.DefaultConfig())
	retriever := rag.New(expressionIndex, recordIndex, rag.Config{})
	memoryStore := memory.NewStore(memory.DefaultConfig())
	clarifier := clarify.New(clarify.DefaultConfig())
	executor := tools.NewExecutor(access, selector, 0)

	previews, err := preview.NewManager(db, preview.DefaultConfig())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create preview manager: %w", err)
	}

	s.orchestrator, err = pipeline.New(
		pipeline.DefaultConfig(),
		embedder,
		cache,
		retriever,
		matcher,
		memoryStore,
		clarifier,
		s.registry,
		selector,
		executor,
		previews,
		metrics,
	)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	schedulerConfig := pipeline.DefaultSchedulerConfig()
	schedulerConfig.Interval = s.config.SweepInterval
	s.scheduler = pipeline.NewScheduler(previews, cache, memoryStore, schedulerConfig)
	if err := s.scheduler.Start(ctx); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to start sweep scheduler: %w", err)
	}

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting command server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing against the
// configured OTLP collector.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("command-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initWeaviate creates a Weaviate client if WeaviateURL is configured.
// Returns nil and leaves the client unset when the URL is empty.
func (s *service) initWeaviate() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("Weaviate URL not configured, vector pools stay in process")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}

	s.weaviateClient, err = weaviate.NewClient(clientConf)
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	slog.Info("Weaviate client initialized", "url", weaviateURL)
	return nil
}

// buildIndexes returns the three vector pools: semantic cache entries,
// RAG expressions and RAG match records. Weaviate-backed when the
// client is available, in-process otherwise.
func (s *service) buildIndexes(ctx context.Context) (cache, expressions, records vectorindex.Index, err error) {
	if s.weaviateClient == nil {
		return vectorindex.NewMemoryIndex(), vectorindex.NewMemoryIndex(), vectorindex.NewMemoryIndex(), nil
	}

	cache, err = vectorindex.NewWeaviateIndex(ctx, s.weaviateClient, cacheClassName)
	if err != nil {
		return nil, nil, nil, err
	}
	expressions, err = vectorindex.NewWeaviateIndex(ctx, s.weaviateClient, expressionClassName)
	if err != nil {
		return nil, nil, nil, err
	}
	records, err = vectorindex.NewWeaviateIndex(ctx, s.weaviateClient, matchRecordClassName)
	if err != nil {
		return nil, nil, nil, err
	}
	return cache, expressions, records, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("command-service"))

	routes.SetupRoutes(s.router, s.orchestrator)
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	if s.registry != nil {
		s.registry.Close()
	}

	if s.closeDB != nil {
		if err := s.closeDB(); err != nil {
			slog.Warn("badger close error", "error", err)
		}
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// intentBriefs converts the registry catalog into matcher prompt briefs.
func intentBriefs(registry *tools.Registry) []intent.IntentBrief {
	pairs := registry.Intents()
	briefs := make([]intent.IntentBrief, 0, len(pairs))
	for _, pair := range pairs {
		briefs = append(briefs, intent.IntentBrief{Code: pair[0], Brief: pair[1]})
	}
	return briefs
}
