// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

var blastRadiusTracer = otel.Tracer("kodiak.orchestrator.agents.blast_radius")

// Compile-time interface implementation check.
var _ ToolAgent = (*BlastRadiusAgent)(nil)

// Blast radius retry configuration.
const (
	maxBlastRadiusRetries   = 2
	initialBlastRadiusDelay = 1 * time.Second
)

// blastRadiusRequest is the wire payload for the analysis engine.
type blastRadiusRequest struct {
	Query     string   `json:"query"`
	ProjectID string   `json:"project_id"`
	UserID    string   `json:"user_id,omitempty"`
	NodeIDs   []string `json:"node_ids,omitempty"`
}

// blastRadiusResponse is the structured result shape the analysis
// engine returns. Engines that predate the citations field return a
// bare string body instead; both are accepted.
type blastRadiusResponse struct {
	Response  string   `json:"response"`
	Citations []string `json:"citations"`
}

// BlastRadiusAgent queries the code analysis engine for the downstream
// impact of a change.
//
// # Description
//
// Posts the query, project, and any focused graph nodes to the
// analysis engine's blast radius endpoint and normalizes whatever
// comes back. Transient upstream failures (502/503/504) are retried
// with exponential backoff; everything else fails fast and surfaces as
// ErrToolInvocationFailure so the orchestrator can degrade gracefully.
//
// # Thread Safety
//
// Safe for concurrent use.
type BlastRadiusAgent struct {
	engineURL string
	client    *http.Client
	logger    *slog.Logger
}

// NewBlastRadiusAgent creates an agent targeting the analysis engine
// at engineURL. client may be nil for http.DefaultClient.
func NewBlastRadiusAgent(engineURL string, client *http.Client, logger *slog.Logger) *BlastRadiusAgent {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlastRadiusAgent{
		engineURL: strings.TrimSuffix(engineURL, "/"),
		client:    client,
		logger:    logger,
	}
}

// Name implements ToolAgent.
func (a *BlastRadiusAgent) Name() string { return "blast_radius" }

// Invoke implements ToolAgent.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing. Recommended timeout:
//     60 seconds; graph traversal on large projects is slow.
//   - req: The tool request. Query and ProjectID must be non-empty.
//
// # Outputs
//
//   - *datatypes.ToolResult: Normalized response with citations.
//   - error: ErrToolInvocationFailure (wrapped) on failure, or the
//     context error when cancelled.
func (a *BlastRadiusAgent) Invoke(ctx context.Context, req ToolRequest) (*datatypes.ToolResult, error) {
	ctx, span := blastRadiusTracer.Start(ctx, "BlastRadiusAgent.Invoke")
	defer span.End()

	if req.Query == "" || req.ProjectID == "" {
		err := fmt.Errorf("%w: query and project_id are required", ErrToolInvocationFailure)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("project_id", req.ProjectID),
		attribute.Int("node_count", len(req.NodeIDs)),
	)

	nodeIDs := make([]string, 0, len(req.NodeIDs))
	for _, n := range req.NodeIDs {
		if n.NodeID != "" {
			nodeIDs = append(nodeIDs, n.NodeID)
		}
	}

	payload, err := json.Marshal(blastRadiusRequest{
		Query:     req.Query,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		NodeIDs:   nodeIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrToolInvocationFailure, err)
	}

	var lastErr error
	delay := initialBlastRadiusDelay
	for attempt := 0; attempt <= maxBlastRadiusRetries; attempt++ {
		if attempt > 0 {
			a.logger.Info("retrying blast radius analysis",
				slog.Int("attempt", attempt),
				slog.String("last_error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		result, retryable, err := a.callEngine(ctx, payload)
		if err == nil {
			span.SetAttributes(attribute.Int("citations_count", len(result.Citations)))
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if !retryable {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "blast radius analysis failed")
	return nil, fmt.Errorf("%w: %v", ErrToolInvocationFailure, lastErr)
}

// callEngine performs one HTTP attempt. The bool return reports
// whether a failure is worth retrying.
func (a *BlastRadiusAgent) callEngine(ctx context.Context, payload []byte) (*datatypes.ToolResult, bool, error) {
	url := a.engineURL + "/analysis/blast-radius"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout
		return nil, retryable, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, string(body))
	}

	var structured blastRadiusResponse
	if err := json.Unmarshal(body, &structured); err == nil && structured.Response != "" {
		return &datatypes.ToolResult{
			Response:  structured.Response,
			Citations: FormatCitations(structured.Citations),
		}, false, nil
	}

	// Older engines return a plain text body.
	return NormalizeResult(string(body)), false, nil
}
