// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier decides whether a user query needs deep tool-based
// analysis or can be answered from conversation context alone.
package classifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/outputparser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

// ErrClassificationFailure indicates the model call or response parse
// failed after retries. Callers apply their configured fallback.
var ErrClassificationFailure = errors.New("query classification failed")

// Decision is the routing outcome for a query.
type Decision string

const (
	// AgentRequired routes the query through the analysis agent before
	// generation.
	AgentRequired Decision = "AGENT_REQUIRED"
	// NoAgentRequired answers from conversation context alone.
	NoAgentRequired Decision = "NO_AGENT_REQUIRED"
)

// HistoryWindow is the number of trailing conversation turns included
// in the classification prompt. Older turns rarely change the routing
// decision and inflate token cost.
const HistoryWindow = 5

// classificationPromptTemplate frames the routing decision for the
// model. Kept short: the classifier runs on every message.
const classificationPromptTemplate = `You are a query router for a code-change analysis assistant.

Given the user's query and recent conversation, decide whether answering
requires running impact analysis tools against the codebase.

Choose {{.AgentRequired}} when the query asks about the effects, blast
radius, or downstream impact of code changes and the conversation does
not already contain the needed analysis.
Choose {{.NoAgentRequired}} for greetings, general questions, or
follow-ups fully answerable from the conversation so far.

Recent conversation:
{{range .History}}{{.Type}}: {{.Content}}
{{end}}
Query: {{.Query}}

{{.FormatInstructions}}`

type promptData struct {
	AgentRequired      Decision
	NoAgentRequired    Decision
	History            []datatypes.Message
	Query              string
	FormatInstructions string
}

// Config controls retry and fallback behavior.
type Config struct {
	// MaxRetries is the number of additional attempts after the first
	// failure.
	MaxRetries int
	// RetryBackoff is the base delay between attempts, doubled each
	// retry.
	RetryBackoff time.Duration
	// Timeout bounds a single model call.
	Timeout time.Duration
	// Fallback is the decision returned when classification fails
	// outright and the caller asks for one.
	Fallback Decision
}

// DefaultConfig returns production defaults: two retries with a short
// backoff, and answering without the agent when routing is uncertain.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   2,
		RetryBackoff: 200 * time.Millisecond,
		Timeout:      15 * time.Second,
		Fallback:     NoAgentRequired,
	}
}

// Classifier routes queries using a small language model.
//
// Description:
//
//	Coalesces identical in-flight requests so bursts of the same query
//	cost one model call, retries transient failures with exponential
//	backoff, and parses the structured response with a JSON schema
//	parser rather than substring matching.
//
// Thread Safety: Safe for concurrent use after construction.
type Classifier struct {
	model    llms.Model
	config   Config
	tmpl     *template.Template
	parser   outputparser.Structured
	inflight singleflight.Group
	logger   *slog.Logger
}

// New creates a Classifier backed by the given model.
func New(model llms.Model, config Config, logger *slog.Logger) (*Classifier, error) {
	if model == nil {
		return nil, errors.New("model must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := template.New("classify").Parse(classificationPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile prompt template: %w", err)
	}

	parser := outputparser.NewStructured([]outputparser.ResponseSchema{
		{
			Name:        "classification",
			Description: fmt.Sprintf("%s or %s", AgentRequired, NoAgentRequired),
		},
	})

	return &Classifier{
		model:  model,
		config: config,
		tmpl:   tmpl,
		parser: parser,
		logger: logger,
	}, nil
}

// Classify returns the routing decision for a query given recent
// conversation history.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - query: The user's message. Must be non-empty.
//   - history: Prior conversation turns; only the trailing
//     HistoryWindow entries are considered.
//
// # Outputs
//
//   - Decision: AgentRequired or NoAgentRequired.
//   - error: ErrClassificationFailure after exhausted retries, or the
//     context error when cancelled.
//
// Thread Safety: Safe for concurrent use. Identical concurrent queries
// share a single model call.
func (c *Classifier) Classify(ctx context.Context, query string, history []datatypes.Message) (Decision, error) {
	ctx, span := otel.Tracer("classifier").Start(ctx, "classifier.Classify",
		trace.WithAttributes(
			attribute.Int("query_length", len(query)),
			attribute.Int("history_length", len(history)),
		),
	)
	defer span.End()

	window := history
	if len(window) > HistoryWindow {
		window = window[len(window)-HistoryWindow:]
	}

	key := c.coalesceKey(query, window)
	result, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		return c.classifyWithRetry(ctx, query, window)
	})
	if err != nil {
		// A coalesced call runs on the first caller's context. When
		// that caller goes away mid-flight the shared result is a
		// context error, but this caller is still live and must see a
		// classification failure, not a cancellation it never issued.
		if (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() == nil {
			err = fmt.Errorf("%w: shared classification call aborted: %v", ErrClassificationFailure, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		return "", err
	}

	decision := result.(Decision)
	span.SetAttributes(attribute.String("decision", string(decision)))
	return decision, nil
}

// ClassifyOrFallback is Classify with the configured fallback applied
// on failure. Context cancellation still propagates; everything else
// degrades to the fallback decision with a warning.
func (c *Classifier) ClassifyOrFallback(ctx context.Context, query string, history []datatypes.Message) Decision {
	decision, err := c.Classify(ctx, query, history)
	if err != nil {
		c.logger.Warn("classification failed, using fallback decision",
			slog.String("fallback", string(c.config.Fallback)),
			slog.String("error", err.Error()),
		)
		return c.config.Fallback
	}
	return decision
}

func (c *Classifier) classifyWithRetry(ctx context.Context, query string, window []datatypes.Message) (Decision, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		decision, err := c.doClassify(ctx, query, window)
		if err == nil {
			return decision, nil
		}
		lastErr = err

		// Propagate only the caller's own cancellation. The per-call
		// Timeout expiring while the caller is still live is a slow
		// model, a transient failure like any other.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return "", err
			}
		}

		c.logger.Debug("classification attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return "", fmt.Errorf("%w: after %d attempts: %v", ErrClassificationFailure, c.config.MaxRetries+1, lastErr)
}

func (c *Classifier) doClassify(ctx context.Context, query string, window []datatypes.Message) (Decision, error) {
	prompt, err := c.buildPrompt(query, window)
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	raw, err := llms.GenerateFromSinglePrompt(callCtx, c.model, prompt,
		llms.WithTemperature(0.0),
		llms.WithMaxTokens(64),
	)
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}

	return c.parseDecision(raw)
}

func (c *Classifier) buildPrompt(query string, window []datatypes.Message) (string, error) {
	var buf bytes.Buffer
	err := c.tmpl.Execute(&buf, promptData{
		AgentRequired:      AgentRequired,
		NoAgentRequired:    NoAgentRequired,
		History:            window,
		Query:              query,
		FormatInstructions: c.parser.GetFormatInstructions(),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseDecision extracts the structured decision from the raw model
// response. Anything other than the two known labels is a parse
// failure; unknown labels must not silently route.
func (c *Classifier) parseDecision(raw string) (Decision, error) {
	parsed, err := c.parser.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	fields, ok := parsed.(map[string]string)
	if !ok {
		return "", fmt.Errorf("unexpected parse result type %T", parsed)
	}

	switch Decision(strings.TrimSpace(fields["classification"])) {
	case AgentRequired:
		return AgentRequired, nil
	case NoAgentRequired:
		return NoAgentRequired, nil
	default:
		return "", fmt.Errorf("unknown classification %q", fields["classification"])
	}
}

// coalesceKey builds a stable singleflight key from the query and the
// visible history window.
func (c *Classifier) coalesceKey(query string, window []datatypes.Message) string {
	h := sha256.New()
	h.Write([]byte(query))
	for _, msg := range window {
		h.Write([]byte{'|'})
		h.Write([]byte(msg.Type))
		h.Write([]byte{':'})
		h.Write([]byte(msg.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
