// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chain builds the streaming prompt pipeline for a chat agent:
// a system template, conversation history, tool results, and the user
// task template, formatted against a language model.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"

	orchprompts "github.com/KodiakAI/KodiakCore/services/orchestrator/prompts"
)

// ErrPromptNotFound indicates the agent's prompt set is missing a
// required SYSTEM or HUMAN template, so no pipeline can be built.
var ErrPromptNotFound = errors.New("required prompt template not found")

// Input variable names the pipeline formats against.
const (
	VarHistory     = "history"
	VarToolResults = "tool_results"
	VarInput       = "input"
	VarCitations   = "citations"
)

// Chain is an immutable, reusable prompt pipeline bound to a model.
// Build it once per agent and reuse it across runs; FormatMessages is
// pure, so the same Chain serves concurrent conversations.
type Chain struct {
	template prompts.ChatPromptTemplate
	model    llms.Model
}

// New assembles the pipeline from an agent's prompt pair. The order is
// fixed: system instructions, prior conversation turns, tool findings,
// then the current task.
//
// # Inputs
//
//   - pair: The SYSTEM and HUMAN templates resolved for the agent.
//   - model: The backing language model.
//
// # Outputs
//
//   - *Chain: The assembled pipeline.
//   - error: ErrPromptNotFound when either template is empty.
func New(pair orchprompts.Pair, model llms.Model) (*Chain, error) {
	if pair.System == "" {
		return nil, fmt.Errorf("%w: SYSTEM", ErrPromptNotFound)
	}
	if pair.Human == "" {
		return nil, fmt.Errorf("%w: HUMAN", ErrPromptNotFound)
	}

	tmpl := prompts.NewChatPromptTemplate([]prompts.MessageFormatter{
		prompts.NewSystemMessagePromptTemplate(pair.System, []string{VarCitations}),
		prompts.MessagesPlaceholder{VariableName: VarHistory},
		prompts.MessagesPlaceholder{VariableName: VarToolResults},
		prompts.NewHumanMessagePromptTemplate(pair.Human, []string{VarInput}),
	})

	return &Chain{template: tmpl, model: model}, nil
}

// Stream formats the pipeline inputs and generates a streamed
// completion, invoking streamFn once per content fragment. Returning
// an error from streamFn stops generation; no further fragments are
// produced.
func (c *Chain) Stream(ctx context.Context, inputs map[string]any, streamFn func(ctx context.Context, chunk []byte) error) error {
	messages, err := c.template.FormatMessages(inputs)
	if err != nil {
		return fmt.Errorf("formatting pipeline messages: %w", err)
	}

	contents := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		contents = append(contents, llms.TextParts(msg.GetType(), msg.GetContent()))
	}

	_, err = c.model.GenerateContent(ctx, contents, llms.WithStreamingFunc(streamFn))
	return err
}
