// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agents provides the tool agents the chat orchestrator can
// route analytical queries through, and the normalization that turns
// their heterogeneous results into a single response-plus-citations
// shape.
package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

// ErrToolInvocationFailure indicates a tool agent could not produce a
// result.
var ErrToolInvocationFailure = errors.New("tool agent invocation failed")

// ToolRequest carries everything a tool agent needs for one invocation.
type ToolRequest struct {
	Query     string
	ProjectID string
	UserID    string
	NodeIDs   []datatypes.NodeContext
	// Model lets agents that reason over their raw findings share the
	// orchestrator's rate-limited model handle. May be nil for agents
	// that do pure retrieval.
	Model llms.Model
}

// ToolAgent is an analysis capability the orchestrator can invoke
// before generation.
//
// Implementations must be safe for concurrent use and must honor
// context cancellation.
type ToolAgent interface {
	// Name identifies the agent in logs and metrics.
	Name() string
	// Invoke runs the analysis and returns a normalized result.
	Invoke(ctx context.Context, req ToolRequest) (*datatypes.ToolResult, error)
}

// NormalizeResult coerces a raw agent payload into the canonical
// response-plus-citations shape. Structured payloads keep their
// citations; anything else becomes a bare response with none.
func NormalizeResult(raw any) *datatypes.ToolResult {
	switch v := raw.(type) {
	case *datatypes.ToolResult:
		if v == nil {
			return &datatypes.ToolResult{}
		}
		return v
	case datatypes.ToolResult:
		return &v
	case map[string]any:
		result := &datatypes.ToolResult{}
		if resp, ok := v["response"].(string); ok {
			result.Response = resp
		} else {
			result.Response = fmt.Sprint(raw)
		}
		if cites, ok := v["citations"].([]any); ok {
			for _, c := range cites {
				if s, ok := c.(string); ok {
					result.Citations = append(result.Citations, s)
				}
			}
		}
		return result
	case string:
		return &datatypes.ToolResult{Response: v}
	default:
		return &datatypes.ToolResult{Response: fmt.Sprint(raw)}
	}
}

// FormatCitations deduplicates citations preserving first-seen order.
// A nil input yields an empty, non-nil slice so downstream JSON always
// renders an array.
func FormatCitations(citations []string) []string {
	out := make([]string, 0, len(citations))
	seen := make(map[string]struct{}, len(citations))
	for _, c := range citations {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
