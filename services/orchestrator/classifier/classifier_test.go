// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

// scriptedModel returns one scripted response (or error) per call, in
// order, repeating the last entry once the script is exhausted.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++

	if len(messages) > 0 && len(messages[0].Parts) > 0 {
		if tc, ok := messages[0].Parts[0].(llms.TextContent); ok {
			m.prompts = append(m.prompts, tc.Text)
		}
	}

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	resp := ""
	if len(m.responses) > 0 {
		if idx >= len(m.responses) {
			idx = len(m.responses) - 1
		}
		resp = m.responses[idx]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: resp}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func structuredResponse(label string) string {
	return "```json\n{\"classification\": \"" + label + "\"}\n```"
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestClassify_Decisions(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected Decision
	}{
		{
			name:     "agent required",
			response: structuredResponse("AGENT_REQUIRED"),
			expected: AgentRequired,
		},
		{
			name:     "no agent required",
			response: structuredResponse("NO_AGENT_REQUIRED"),
			expected: NoAgentRequired,
		},
		{
			name:     "label with surrounding whitespace",
			response: structuredResponse(" AGENT_REQUIRED "),
			expected: AgentRequired,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			model := &scriptedModel{responses: []string{tc.response}}
			c, err := New(model, fastConfig(), nil)
			require.NoError(t, err)

			decision, err := c.Classify(context.Background(), "what breaks if I change this?", nil)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, decision)
		})
	}
}

func TestClassify_UnknownLabelFailsAfterRetries(t *testing.T) {
	model := &scriptedModel{responses: []string{structuredResponse("MAYBE")}}
	c, err := New(model, fastConfig(), nil)
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), "query", nil)
	assert.ErrorIs(t, err, ErrClassificationFailure)
	assert.Equal(t, 3, model.callCount())
}

func TestClassify_MalformedResponse(t *testing.T) {
	model := &scriptedModel{responses: []string{"AGENT_REQUIRED"}}
	c, err := New(model, fastConfig(), nil)
	require.NoError(t, err)

	// A bare label without the structured wrapper is a parse failure,
	// not a silent route.
	_, err = c.Classify(context.Background(), "query", nil)
	assert.ErrorIs(t, err, ErrClassificationFailure)
}

func TestClassify_RetriesTransientErrors(t *testing.T) {
	model := &scriptedModel{
		errs:      []error{errors.New("connection reset"), nil},
		responses: []string{"", structuredResponse("AGENT_REQUIRED")},
	}
	c, err := New(model, fastConfig(), nil)
	require.NoError(t, err)

	decision, err := c.Classify(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Equal(t, AgentRequired, decision)
	assert.Equal(t, 2, model.callCount())
}

func TestClassify_CallTimeoutRetriedWhileCallerLive(t *testing.T) {
	model := &scriptedModel{
		errs:      []error{context.DeadlineExceeded},
		responses: []string{structuredResponse("NO_AGENT_REQUIRED")},
	}
	c, err := New(model, fastConfig(), nil)
	require.NoError(t, err)

	decision, err := c.Classify(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Equal(t, NoAgentRequired, decision)
	assert.Equal(t, 2, model.callCount())
}

func TestClassify_ExhaustedTimeoutsAreClassificationFailure(t *testing.T) {
	model := &scriptedModel{errs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	c, err := New(model, fastConfig(), nil)
	require.NoError(t, err)

	// The caller's context never expired, so the slow model must not
	// surface as a context error.
	_, err = c.Classify(context.Background(), "query", nil)
	assert.ErrorIs(t, err, ErrClassificationFailure)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, model.callCount())
}

func TestClassify_ContextCancellationNotRetried(t *testing.T) {
	model := &scriptedModel{errs: []error{context.Canceled}}
	c, err := New(model, fastConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Classify(ctx, "query", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, model.callCount(), 1)
}

func TestClassify_HistoryWindow(t *testing.T) {
	model := &scriptedModel{responses: []string{structuredResponse("NO_AGENT_REQUIRED")}}
	c, err := New(model, fastConfig(), nil)
	require.NoError(t, err)

	history := make([]datatypes.Message, 0, HistoryWindow+3)
	for i := 0; i < HistoryWindow+3; i++ {
		history = append(history, datatypes.NewHumanMessage("turn-"+strings.Repeat("x", i+1)))
	}

	_, err = c.Classify(context.Background(), "query", history)
	require.NoError(t, err)

	require.Len(t, model.prompts, 1)
	prompt := model.prompts[0]
	// Only the trailing window appears in the prompt.
	assert.NotContains(t, prompt, "turn-xxx\n")
	assert.Contains(t, prompt, "turn-"+strings.Repeat("x", HistoryWindow+3))
	assert.Contains(t, prompt, "turn-"+strings.Repeat("x", 4))
}

func TestClassifyOrFallback(t *testing.T) {
	model := &scriptedModel{responses: []string{"garbage"}}
	cfg := fastConfig()
	cfg.Fallback = NoAgentRequired
	c, err := New(model, cfg, nil)
	require.NoError(t, err)

	decision := c.ClassifyOrFallback(context.Background(), "query", nil)
	assert.Equal(t, NoAgentRequired, decision)
}

func TestClassify_CoalescesIdenticalQueries(t *testing.T) {
	model := &scriptedModel{responses: []string{structuredResponse("AGENT_REQUIRED")}}
	c, err := New(model, fastConfig(), nil)
	require.NoError(t, err)

	// Warm call ensures template and parser paths are exercised, then a
	// burst of identical queries coalesces onto in-flight calls. The
	// exact count is scheduling dependent, but it must not exceed the
	// burst size and the decisions must agree.
	var wg sync.WaitGroup
	decisions := make([]Decision, 8)
	for i := range decisions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.Classify(context.Background(), "same query", nil)
			assert.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	for _, d := range decisions {
		assert.Equal(t, AgentRequired, d)
	}
	assert.LessOrEqual(t, model.callCount(), 8)
}
