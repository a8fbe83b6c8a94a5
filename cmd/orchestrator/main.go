// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator starts the Kodiak conversational orchestration
// server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 8300)
//   - CHAT_AGENT_ID: agent identity for prompt resolution
//     (default: code_changes_agent)
//   - PROMPT_DIR: directory of per-agent YAML prompt files (required)
//   - HISTORY_DIR: Badger transcript database path (empty: in-memory)
//   - ANALYSIS_ENGINE_URL: code analysis engine base URL (empty:
//     tool routing disabled)
//   - MODEL_BACKEND_TYPE: openai or ollama (default: ollama)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP collector (default:
//     kodiak-otel-collector:4317)
//   - STRICT_CLASSIFICATION: "true" aborts runs when query
//     classification fails instead of answering from context
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_DIR: optional directory for JSON log files
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	./orchestrator serve
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/KodiakAI/KodiakCore/pkg/logging"
	"github.com/KodiakAI/KodiakCore/services/orchestrator"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/ratelimit"
)

var (
	flagPort      int
	flagPromptDir string

	rootCmd = &cobra.Command{
		Use:   "orchestrator",
		Short: "Kodiak conversational orchestration server",
		Long: `The orchestrator streams citation-annotated AI responses over SSE,
coordinating a rate-limited language model and an optional code
analysis agent.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port (overrides ORCHESTRATOR_PORT)")
	serveCmd.Flags().StringVar(&flagPromptDir, "prompt-dir", "", "prompt directory (overrides PROMPT_DIR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "orchestrator",
		LogDir:  os.Getenv("LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := orchestrator.Config{
		Port:                 getEnvInt("ORCHESTRATOR_PORT", 8300),
		AgentID:              os.Getenv("CHAT_AGENT_ID"),
		PromptDir:            os.Getenv("PROMPT_DIR"),
		HistoryDir:           os.Getenv("HISTORY_DIR"),
		AnalysisEngineURL:    os.Getenv("ANALYSIS_ENGINE_URL"),
		OTelEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EnableMetrics:        true,
		StrictClassification: os.Getenv("STRICT_CLASSIFICATION") == "true",
		Limiter: ratelimit.Config{
			Slots:          int64(getEnvInt("LLM_API_SLOTS", ratelimit.DefaultSlots)),
			AcquireTimeout: ratelimit.DefaultAcquireTimeout,
			Cooldown:       ratelimit.DefaultCooldown,
		},
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagPromptDir != "" {
		cfg.PromptDir = flagPromptDir
	}

	logger.Info("starting orchestrator",
		"port", cfg.Port,
		"agent_id", cfg.AgentID,
		"history_dir", cfg.HistoryDir,
		"analysis_engine", cfg.AnalysisEngineURL,
	)

	svc, err := orchestrator.New(cfg, logger.Slog())
	if err != nil {
		return err
	}
	return svc.Run()
}

func getEnvInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}
