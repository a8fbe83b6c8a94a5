// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package provider instantiates language model handles for the
// orchestration core.
//
// The provider is the only place that talks to model vendor SDKs and
// the only place that inspects vendor errors. Everything downstream
// sees an llms.Model handle and typed error kinds (ErrQuotaExceeded),
// never raw HTTP status codes or error strings.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Sentinel errors for the provider package.
var (
	// ErrQuotaExceeded indicates the vendor rejected a call for quota or
	// overload reasons (HTTP 429 and equivalents).
	ErrQuotaExceeded = errors.New("model quota exceeded")

	// ErrBackendUnconfigured indicates no usable backend configuration
	// was found.
	ErrBackendUnconfigured = errors.New("model backend not configured")
)

// AgentType selects which model class an agent receives. Today all
// agent types map to the configured small model; the parameter exists
// so per-agent model routing can be added without changing callers.
type AgentType string

const (
	// AgentTypeChat is the conversational agent model class.
	AgentTypeChat AgentType = "CHAT"

	// AgentTypeClassifier is the lightweight classification model class.
	AgentTypeClassifier AgentType = "CLASSIFIER"
)

// Service hands out language model handles.
//
// Description:
//
//	GetSmallLanguageModel is fallible: vendor construction or an eager
//	connectivity probe may fail, including with quota signals. Callers
//	must classify errors with IsQuotaExceeded rather than inspecting
//	messages.
type Service interface {
	GetSmallLanguageModel(ctx context.Context, agentType AgentType) (llms.Model, error)
}

// IsQuotaExceeded reports whether err carries a quota/overload signal.
//
// Description:
//
//	Recognizes the typed ErrQuotaExceeded sentinel and, for errors that
//	escaped a vendor SDK unwrapped, the go-openai APIError with status
//	429. This is the single place such classification happens.
func IsQuotaExceeded(err error) bool {
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	return false
}

// EnvService builds model handles from environment configuration, the
// same way the rest of the service is configured.
//
// Environment:
//
//	MODEL_BACKEND_TYPE - "openai" or "ollama" (default "ollama")
//	OPENAI_API_KEY     - API key for the openai backend
//	OPENAI_BASE_URL    - optional override for OpenAI-compatible servers
//	OPENAI_MODEL       - model name (default "gpt-4o-mini")
//	OLLAMA_BASE_URL    - ollama server URL
//	OLLAMA_MODEL       - ollama model name (default "llama3.1")
type EnvService struct{}

// GetSmallLanguageModel implements Service.
func (s *EnvService) GetSmallLanguageModel(ctx context.Context, agentType AgentType) (llms.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	backend := os.Getenv("MODEL_BACKEND_TYPE")
	switch backend {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrBackendUnconfigured)
		}
		model := os.Getenv("OPENAI_MODEL")
		if model == "" {
			model = "gpt-4o-mini"
		}
		slog.Info("using OpenAI model backend", "model", model, "agent_type", agentType)
		return NewOpenAIModel(apiKey, os.Getenv("OPENAI_BASE_URL"), model), nil
	case "ollama", "":
		baseURL := strings.TrimSuffix(os.Getenv("OLLAMA_BASE_URL"), "/")
		model := os.Getenv("OLLAMA_MODEL")
		if model == "" {
			model = "llama3.1"
		}
		opts := []ollama.Option{ollama.WithModel(model)}
		if baseURL != "" {
			opts = append(opts, ollama.WithServerURL(baseURL))
		}
		handle, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("initialize ollama backend: %w", err)
		}
		slog.Info("using Ollama model backend", "model", model, "agent_type", agentType)
		return handle, nil
	default:
		return nil, fmt.Errorf("%w: unknown MODEL_BACKEND_TYPE %q", ErrBackendUnconfigured, backend)
	}
}

// Ensure EnvService implements Service.
var _ Service = (*EnvService)(nil)
