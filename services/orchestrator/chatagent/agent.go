// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chatagent orchestrates a conversation run: model
// acquisition under the shared rate limiter, prompt pipeline
// construction, classification-gated tool invocation, and streaming
// generation with incremental transcript persistence.
package chatagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/agents"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/chain"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/classifier"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/history"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/observability"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/prompts"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/provider"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/ratelimit"
)

var agentTracer = otel.Tracer("kodiak.orchestrator.chatagent")

// Sentinel errors surfaced by conversation runs.
var (
	// ErrModelUnavailable indicates the provider rejected model
	// acquisition, typically for quota reasons. The shared limiter's
	// cooldown has already been updated when this is returned.
	ErrModelUnavailable = errors.New("language model unavailable")

	// ErrStreamFailure indicates the model errored while streaming
	// chunks.
	ErrStreamFailure = errors.New("model stream failed")
)

// QueryRouter decides whether a query needs the analysis agent.
// Satisfied by *classifier.Classifier.
type QueryRouter interface {
	Classify(ctx context.Context, query string, history []datatypes.Message) (classifier.Decision, error)
}

// Config controls per-agent run behavior.
type Config struct {
	// AgentID keys prompt resolution for this agent.
	AgentID string
	// StrictClassification aborts the run on classification failure
	// instead of degrading to context-only generation.
	StrictClassification bool
	// ClassificationFallback is the decision used when classification
	// fails and StrictClassification is off. Zero value means
	// NoAgentRequired.
	ClassificationFallback classifier.Decision
}

// Agent runs conversations for one chat agent identity.
//
// # Description
//
// An Agent memoizes its model handle and prompt pipeline after the
// first successful run, so the rate-limited acquisition and prompt
// fetch cost is paid once per instance. Runs for distinct
// conversations may proceed concurrently on the same Agent; they
// contend for the shared limiter and reuse the memoized pipeline.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type Agent struct {
	config   Config
	limiter  *ratelimit.Limiter
	provider provider.Service
	prompts  *prompts.Cache
	history  history.Service
	router   QueryRouter
	tool     agents.ToolAgent
	metrics  *observability.ChatMetrics
	logger   *slog.Logger

	mu    sync.Mutex
	model llms.Model
	chain *chain.Chain
}

// New wires an Agent from its collaborators. router and tool may be
// nil together for agents that never route to analysis; metrics may
// be nil to disable instrumentation.
func New(
	config Config,
	limiter *ratelimit.Limiter,
	providerSvc provider.Service,
	promptCache *prompts.Cache,
	historySvc history.Service,
	router QueryRouter,
	tool agents.ToolAgent,
	metrics *observability.ChatMetrics,
	logger *slog.Logger,
) (*Agent, error) {
	if limiter == nil {
		return nil, errors.New("limiter must not be nil")
	}
	if providerSvc == nil {
		return nil, errors.New("provider must not be nil")
	}
	if promptCache == nil {
		return nil, errors.New("prompt cache must not be nil")
	}
	if historySvc == nil {
		return nil, errors.New("history must not be nil")
	}
	if config.AgentID == "" {
		return nil, errors.New("agent id must not be empty")
	}
	if config.ClassificationFallback == "" {
		config.ClassificationFallback = classifier.NoAgentRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		config:   config,
		limiter:  limiter,
		provider: providerSvc,
		prompts:  promptCache,
		history:  historySvc,
		router:   router,
		tool:     tool,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Run executes one conversation turn and returns a finite event
// stream.
//
// # Description
//
// The returned channel yields one fragment event per model chunk and
// closes when generation completes. Any failure yields exactly one
// terminal error event before the channel closes; Run never panics or
// returns an error synchronously. Cancelling ctx stops chunk requests
// and persistence; already-persisted fragments remain durable.
//
// # Inputs
//
//   - ctx: Cancellation for the whole run. Must not be nil.
//   - req: The validated-on-entry run request.
//
// # Outputs
//
//   - <-chan datatypes.StreamEvent: Closed after the terminal event.
func (a *Agent) Run(ctx context.Context, req datatypes.RunRequest) <-chan datatypes.StreamEvent {
	events := make(chan datatypes.StreamEvent)
	go func() {
		defer close(events)
		a.run(ctx, req, events)
	}()
	return events
}

// run drives the full pipeline, reporting any failure as a single
// terminal error event.
func (a *Agent) run(ctx context.Context, req datatypes.RunRequest, events chan<- datatypes.StreamEvent) {
	start := time.Now()
	ctx, span := agentTracer.Start(ctx, "chatagent.Agent.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent_id", a.config.AgentID),
		attribute.String("conversation_id", req.ConversationID),
		attribute.String("project_id", req.ProjectID),
	)

	if a.metrics != nil {
		a.metrics.RunStarted()
		defer a.metrics.RunEnded()
	}

	err := a.runPipeline(ctx, req, events)
	success := err == nil
	if a.metrics != nil {
		a.metrics.RecordRun(success, time.Since(start).Seconds())
	}
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "run failed")

	// A consumer that went away gets no terminal event; there is
	// nobody left to read it. Only this run's own context says whether
	// the consumer is gone; collaborators can surface context errors
	// of their own while the caller is still listening.
	if (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
		if a.metrics != nil {
			a.metrics.RecordError(observability.ErrorCodeClientDisconnect)
		}
		a.logger.Info("conversation run cancelled",
			slog.String("conversation_id", req.ConversationID),
		)
		return
	}

	code, desc := describeRunError(err)
	if a.metrics != nil {
		a.metrics.RecordError(code)
	}
	a.logger.Error("conversation run failed",
		slog.String("conversation_id", req.ConversationID),
		slog.String("error_code", string(code)),
		slog.String("error", err.Error()),
	)

	select {
	case events <- datatypes.ErrorEvent(desc):
	case <-ctx.Done():
	}
}

// runPipeline is the streaming algorithm proper: ensure chain, fetch
// and validate history, classify, invoke tool, stream.
func (a *Agent) runPipeline(ctx context.Context, req datatypes.RunRequest, events chan<- datatypes.StreamEvent) error {
	if err := req.Validate(); err != nil {
		return err
	}

	pipeline, err := a.ensureChain(ctx)
	if err != nil {
		return err
	}

	entries, err := a.history.GetSessionHistory(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return err
	}
	validated := make([]datatypes.Message, 0, len(entries))
	for _, entry := range entries {
		validated = append(validated, datatypes.CoerceMessage(entry))
	}

	toolResult, citations, err := a.routeAndInvoke(ctx, req, validated)
	if err != nil {
		return err
	}

	inputs := map[string]any{
		chain.VarInput:       req.Query,
		chain.VarHistory:     toChatMessages(validated),
		chain.VarToolResults: toolResultMessages(toolResult),
		// The system template interpolates citations as text; a raw
		// slice would render with Go's bracket syntax.
		chain.VarCitations: strings.Join(citations, ", "),
	}

	streamErr := pipeline.Stream(ctx, inputs, func(chunkCtx context.Context, chunk []byte) error {
		fragment := string(chunk)
		if fragment == "" {
			return nil
		}
		// Write-before-yield: the transcript must never lag what the
		// consumer saw.
		if err := a.history.AddMessageChunk(chunkCtx, req.ConversationID, fragment, datatypes.MessageTypeAIGenerated, citations); err != nil {
			return err
		}
		if a.metrics != nil {
			a.metrics.RecordFragment()
		}
		select {
		case events <- datatypes.FragmentEvent(fragment, citations):
			return nil
		case <-chunkCtx.Done():
			return chunkCtx.Err()
		}
	})
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded) ||
			errors.Is(streamErr, history.ErrHistoryPersistenceFailure) {
			return streamErr
		}
		return fmt.Errorf("%w: %v", ErrStreamFailure, streamErr)
	}

	return a.history.FlushMessageBuffer(ctx, req.ConversationID, datatypes.MessageTypeAIGenerated)
}

// routeAndInvoke classifies the query and, when analysis is required,
// invokes the tool agent. Returns the normalized result (nil when no
// agent ran) and the citations to attach to every event of this run.
func (a *Agent) routeAndInvoke(ctx context.Context, req datatypes.RunRequest, validated []datatypes.Message) (*datatypes.ToolResult, []string, error) {
	noCitations := []string{}
	if a.router == nil || a.tool == nil {
		return nil, noCitations, nil
	}

	decision, err := a.router.Classify(ctx, req.Query, validated)
	fallbackUsed := false
	if err != nil {
		// Bail out only when this run's context ended. A context error
		// that originated inside the classifier (its per-call timeout,
		// or a coalesced peer's cancellation) is a classification
		// failure and stays subject to the fallback policy.
		if ctx.Err() != nil {
			return nil, nil, err
		}
		if a.config.StrictClassification {
			return nil, nil, err
		}
		a.logger.Warn("classification failed, continuing without analysis agent",
			slog.String("conversation_id", req.ConversationID),
			slog.String("fallback", string(a.config.ClassificationFallback)),
			slog.String("error", err.Error()),
		)
		decision = a.config.ClassificationFallback
		fallbackUsed = true
	}
	if a.metrics != nil {
		a.metrics.RecordClassification(string(decision), fallbackUsed)
	}

	if decision != classifier.AgentRequired {
		return nil, noCitations, nil
	}

	model, err := a.ensureModel(ctx)
	if err != nil {
		return nil, nil, err
	}

	result, err := a.tool.Invoke(ctx, agents.ToolRequest{
		Query:     req.Query,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		NodeIDs:   req.NodeIDs,
		Model:     model,
	})
	if a.metrics != nil {
		a.metrics.RecordToolInvocation(a.tool.Name(), err == nil)
	}
	if err != nil {
		return nil, nil, err
	}

	return result, agents.FormatCitations(result.Citations), nil
}

// ensureChain builds the prompt pipeline at most once per Agent.
func (a *Agent) ensureChain(ctx context.Context) (*chain.Chain, error) {
	a.mu.Lock()
	if a.chain != nil {
		c := a.chain
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	model, err := a.ensureModel(ctx)
	if err != nil {
		return nil, err
	}

	pair, err := a.prompts.GetPair(ctx, a.config.AgentID)
	if err != nil {
		return nil, err
	}

	built, err := chain.New(pair, model)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chain == nil {
		a.chain = built
	}
	return a.chain, nil
}

// ensureModel returns the memoized model handle, performing the
// limiter-gated acquisition on first use. Acquisition errors are not
// cached; the next run retries.
func (a *Agent) ensureModel(ctx context.Context) (llms.Model, error) {
	a.mu.Lock()
	if a.model != nil {
		m := a.model
		a.mu.Unlock()
		return m, nil
	}
	a.mu.Unlock()

	acquireStart := time.Now()
	if err := a.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer a.limiter.Release()
	if a.metrics != nil {
		a.metrics.RecordModelAcquire(time.Since(acquireStart).Seconds())
	}

	model, err := a.provider.GetSmallLanguageModel(ctx, provider.AgentTypeChat)
	if err != nil {
		if provider.IsQuotaExceeded(err) {
			a.limiter.HandleQuotaExceeded()
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model == nil {
		a.model = model
	}
	return a.model, nil
}

// toChatMessages converts validated transcript messages into the
// langchaingo shapes the history placeholder expects.
func toChatMessages(messages []datatypes.Message) []llms.ChatMessage {
	out := make([]llms.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Type {
		case datatypes.MessageTypeAIGenerated:
			out = append(out, llms.AIChatMessage{Content: msg.Content})
		case datatypes.MessageTypeSystemGenerated:
			out = append(out, llms.SystemChatMessage{Content: msg.Content})
		default:
			out = append(out, llms.HumanChatMessage{Content: msg.Content})
		}
	}
	return out
}

// toolResultMessages wraps a tool result as a single system-role
// message for prompt injection. No result yields an empty slice, so
// the placeholder renders nothing.
func toolResultMessages(result *datatypes.ToolResult) []llms.ChatMessage {
	if result == nil || result.Response == "" {
		return []llms.ChatMessage{}
	}
	return []llms.ChatMessage{
		llms.SystemChatMessage{Content: "Impact analysis results:\n" + result.Response},
	}
}

// describeRunError maps a run failure to its metrics category and the
// user-facing description embedded in the terminal event.
func describeRunError(err error) (observability.ErrorCode, string) {
	switch {
	case errors.Is(err, ratelimit.ErrAcquireTimeout), errors.Is(err, ratelimit.ErrQuotaCooldown):
		return observability.ErrorCodeOverload, "the model service is currently overloaded, please try again shortly"
	case errors.Is(err, ErrModelUnavailable):
		return observability.ErrorCodeModelUnavailable, "the language model is temporarily unavailable"
	case errors.Is(err, history.ErrHistoryPersistenceFailure):
		return observability.ErrorCodeHistory, "the conversation could not be saved"
	case errors.Is(err, datatypes.ErrInvalidRequest):
		return observability.ErrorCodeValidation, err.Error()
	default:
		return observability.ErrorCodeInternal, err.Error()
	}
}
