// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompts resolves and caches the prompt templates an agent is
// built from.
//
// Prompt text lives outside the orchestration core (a prompt service, or
// on disk for local deployments). This package defines the service
// contract, a file-backed implementation with hot reload, and the small
// bounded cache that keeps resolved pairs close to the agent.
package prompts

import (
	"context"
	"errors"
)

// Sentinel errors for the prompts package.
var (
	// ErrPromptNotFound indicates a required prompt (system or human)
	// was missing for the requested agent.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrAgentUnknown indicates no prompts exist for the agent at all.
	ErrAgentUnknown = errors.New("unknown agent id")
)

// Type distinguishes the roles a prompt template plays in a chain.
type Type string

const (
	// TypeSystem is the system message template.
	TypeSystem Type = "SYSTEM"

	// TypeHuman is the human message template wrapping the user query.
	TypeHuman Type = "HUMAN"
)

// Prompt is one resolved prompt template.
type Prompt struct {
	Type Type   `json:"type" yaml:"type"`
	Text string `json:"text" yaml:"text"`
}

// Pair holds the system and human prompt texts for one agent identity.
// Resolved once per agent and cached; immutable after resolution.
type Pair struct {
	System string
	Human  string
}

// Service resolves prompt templates by agent identity.
//
// Description:
//
//	Service is the boundary to wherever prompt text is stored and
//	versioned. Implementations must return only prompts matching the
//	requested types; a missing type is simply absent from the result,
//	not an error (the chain builder decides what is required).
type Service interface {
	// GetPromptsByAgentIDAndTypes returns the prompts of the given types
	// for the agent, in no particular order.
	GetPromptsByAgentIDAndTypes(ctx context.Context, agentID string, types []Type) ([]Prompt, error)
}

// ResolvePair fetches the system/human pair for an agent through svc.
//
// Description:
//
//	Convenience used by the cache on a miss. Both prompt types are
//	requested in one call; either may be absent in the returned Pair
//	(empty string), which the chain builder treats as ErrPromptNotFound.
func ResolvePair(ctx context.Context, svc Service, agentID string) (Pair, error) {
	resolved, err := svc.GetPromptsByAgentIDAndTypes(ctx, agentID, []Type{TypeSystem, TypeHuman})
	if err != nil {
		return Pair{}, err
	}
	var pair Pair
	for _, p := range resolved {
		switch p.Type {
		case TypeSystem:
			pair.System = p.Text
		case TypeHuman:
			pair.Human = p.Text
		}
	}
	return pair, nil
}
