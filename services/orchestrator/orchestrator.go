// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles and runs the conversational
// orchestration service: HTTP routing, the shared model rate limiter,
// prompt resolution, conversation history, and observability.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/agents"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/chatagent"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/classifier"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/handlers"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/history"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/observability"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/prompts"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/provider"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/ratelimit"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/routes"
)

// LimiterName is the shared limiter gating all language-model calls
// in this process.
const LimiterName = "LLM_API"

// Config configures the orchestrator service. Zero values use
// defaults from applyConfigDefaults.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// AgentID identifies the chat agent whose prompts drive runs.
	AgentID string

	// PromptDir holds one YAML prompt file per agent. The directory
	// must exist; New fails otherwise.
	PromptDir string

	// HistoryDir is the Badger database path for transcripts. Empty
	// selects the in-memory store (development only).
	HistoryDir string

	// AnalysisEngineURL is the base URL of the code analysis engine
	// backing the blast radius agent. Empty disables tool routing.
	AnalysisEngineURL string

	// OTelEndpoint is the OTLP gRPC collector address.
	OTelEndpoint string

	// EnableMetrics controls Prometheus metric registration.
	EnableMetrics bool

	// StrictClassification aborts runs on classification failure
	// instead of degrading to context-only answers.
	StrictClassification bool

	// Limiter configures the shared model limiter.
	Limiter ratelimit.Config
}

// Service is the assembled orchestrator.
type Service struct {
	config        Config
	router        *gin.Engine
	promptSvc     *prompts.FileService
	historyStore  history.Service
	badger        *history.BadgerStore
	tracerCleanup func(context.Context)
	logger        *slog.Logger
}

// New wires the service from config.
//
// # Description
//
// Initialization order: tracing, metrics, rate limiter, provider,
// prompts, history, classifier, tool agent, chat agent, router. Any
// failure tears down what was already initialized and returns the
// error.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{config: applyConfigDefaults(cfg), logger: logger}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metrics *observability.ChatMetrics
	if s.config.EnableMetrics {
		metrics = observability.InitMetrics()
	}

	registry := ratelimit.NewRegistry(s.config.Limiter)
	limiter := registry.Get(LimiterName)

	providerSvc := &provider.EnvService{}

	s.promptSvc, err = prompts.NewFileService(s.config.PromptDir)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("initialize prompt service: %w", err)
	}
	promptCache := prompts.NewCache(s.promptSvc, prompts.DefaultCacheCapacity)

	if err := s.initHistory(); err != nil {
		s.cleanup()
		return nil, err
	}

	router, tool, err := s.initRouting(providerSvc)
	if err != nil {
		s.cleanup()
		return nil, err
	}

	agent, err := chatagent.New(
		chatagent.Config{
			AgentID:              s.config.AgentID,
			StrictClassification: s.config.StrictClassification,
		},
		limiter,
		providerSvc,
		promptCache,
		s.historyStore,
		router,
		tool,
		metrics,
		logger,
	)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("initialize chat agent: %w", err)
	}

	streamHandler := handlers.NewChatStreamHandler(agent, s.historyStore, logger)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("kodiak-orchestrator"))
	routes.SetupRoutes(engine, streamHandler)
	s.router = engine

	return s, nil
}

// Run starts the HTTP server and blocks. Cleanup runs on return.
func (s *Service) Run() error {
	defer s.cleanup()
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info("starting orchestrator server", slog.Int("port", s.config.Port))
	return s.router.Run(addr)
}

// Router exposes the gin engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8300
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "code_changes_agent"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "kodiak-otel-collector:4317"
	}
	return cfg
}

// initHistory selects the Badger-backed store when a directory is
// configured, falling back to memory otherwise.
func (s *Service) initHistory() error {
	if s.config.HistoryDir == "" {
		s.logger.Warn("no history directory configured, transcripts will not survive restarts")
		s.historyStore = history.NewMemoryStore()
		return nil
	}
	store, err := history.NewBadgerStore(s.config.HistoryDir, s.logger)
	if err != nil {
		return fmt.Errorf("initialize history store: %w", err)
	}
	s.badger = store
	s.historyStore = store
	return nil
}

// initRouting builds the classifier and tool agent pair, or neither
// when no analysis engine is configured.
func (s *Service) initRouting(providerSvc provider.Service) (chatagent.QueryRouter, agents.ToolAgent, error) {
	if s.config.AnalysisEngineURL == "" {
		s.logger.Info("no analysis engine configured, all queries answer from context")
		return nil, nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	model, err := providerSvc.GetSmallLanguageModel(ctx, provider.AgentTypeClassifier)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize classifier model: %w", err)
	}

	router, err := classifier.New(model, classifier.DefaultConfig(), s.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize classifier: %w", err)
	}

	tool := agents.NewBlastRadiusAgent(s.config.AnalysisEngineURL, nil, s.logger)
	return router, tool, nil
}

func (s *Service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("kodiak-orchestrator")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown OTLP exporter", slog.String("error", err.Error()))
		}
	}, nil
}

// cleanup releases everything New managed to initialize.
func (s *Service) cleanup() {
	if s.promptSvc != nil {
		if err := s.promptSvc.Close(); err != nil {
			s.logger.Warn("closing prompt service", slog.String("error", err.Error()))
		}
	}
	if s.badger != nil {
		if err := s.badger.Close(); err != nil {
			s.logger.Warn("closing history store", slog.String("error", err.Error()))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
