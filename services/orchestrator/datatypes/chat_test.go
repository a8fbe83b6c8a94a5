// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() RunRequest {
	return RunRequest{
		Query:          "what breaks if I change this?",
		ProjectID:      "proj-1",
		UserID:         "user-1",
		ConversationID: "conv-1",
	}
}

func TestRunRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RunRequest)
		wantErr bool
	}{
		{"valid", func(r *RunRequest) {}, false},
		{"valid without node ids", func(r *RunRequest) { r.NodeIDs = nil }, false},
		{"empty query", func(r *RunRequest) { r.Query = "" }, true},
		{"missing project", func(r *RunRequest) { r.ProjectID = "" }, true},
		{"missing user", func(r *RunRequest) { r.UserID = "" }, true},
		{"query at limit", func(r *RunRequest) { r.Query = strings.Repeat("x", MaxQueryBytes) }, false},
		{"query over limit", func(r *RunRequest) { r.Query = strings.Repeat("x", MaxQueryBytes+1) }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			err := req.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunRequest_ValidateIdempotent(t *testing.T) {
	req := validRequest()
	before := req

	require.NoError(t, req.Validate())
	require.NoError(t, req.Validate())
	assert.Equal(t, before, req)

	bad := validRequest()
	bad.Query = ""
	first := bad.Validate()
	second := bad.Validate()
	require.Error(t, first)
	assert.Equal(t, first.Error(), second.Error())
}

func TestRunRequest_MultiByteQueryLimit(t *testing.T) {
	req := validRequest()
	// Each rune is 3 bytes; the byte length is what counts.
	req.Query = strings.Repeat("書", MaxQueryBytes/3+1)
	assert.ErrorIs(t, req.Validate(), ErrInvalidRequest)
}

func TestFragmentEvent_NormalizesNilCitations(t *testing.T) {
	ev := FragmentEvent("chunk", nil)
	assert.Equal(t, EventFragment, ev.Kind)
	require.NotNil(t, ev.Citations)
	assert.Empty(t, ev.Citations)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"chunk","citations":[]}`, string(raw))
}

func TestErrorEvent_Prefix(t *testing.T) {
	ev := ErrorEvent("the language model is temporarily unavailable")
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "An error occurred: the language model is temporarily unavailable", ev.Message)
}

func TestCoerceMessage(t *testing.T) {
	tests := []struct {
		name     string
		entry    any
		expected Message
	}{
		{
			name:     "typed message passes through",
			entry:    Message{Type: MessageTypeAIGenerated, Content: "answer", Citations: []string{"a.go:1"}},
			expected: Message{Type: MessageTypeAIGenerated, Content: "answer", Citations: []string{"a.go:1"}},
		},
		{
			name:     "pointer dereferenced",
			entry:    &Message{Type: MessageTypeHuman, Content: "question"},
			expected: Message{Type: MessageTypeHuman, Content: "question"},
		},
		{
			name:     "bare string coerced to human",
			entry:    "legacy entry",
			expected: Message{Type: MessageTypeHuman, Content: "legacy entry"},
		},
		{
			name:     "number coerced to human",
			entry:    42,
			expected: Message{Type: MessageTypeHuman, Content: "42"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CoerceMessage(tc.entry))
		})
	}
}

func TestMessageConstructors(t *testing.T) {
	human := NewHumanMessage("hi")
	assert.Equal(t, MessageTypeHuman, human.Type)
	assert.Equal(t, "hi", human.Content)
	assert.Nil(t, human.Citations)

	system := NewSystemMessage("tool output")
	assert.Equal(t, MessageTypeSystemGenerated, system.Type)
}
