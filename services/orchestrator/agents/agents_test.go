// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name     string
		raw      any
		expected *datatypes.ToolResult
	}{
		{
			name:     "pointer passthrough",
			raw:      &datatypes.ToolResult{Response: "r", Citations: []string{"a.go:1"}},
			expected: &datatypes.ToolResult{Response: "r", Citations: []string{"a.go:1"}},
		},
		{
			name:     "nil pointer",
			raw:      (*datatypes.ToolResult)(nil),
			expected: &datatypes.ToolResult{},
		},
		{
			name:     "value copy",
			raw:      datatypes.ToolResult{Response: "r"},
			expected: &datatypes.ToolResult{Response: "r"},
		},
		{
			name: "structured map",
			raw: map[string]any{
				"response":  "3 call sites affected",
				"citations": []any{"fileA.py:10", "fileB.py:22"},
			},
			expected: &datatypes.ToolResult{
				Response:  "3 call sites affected",
				Citations: []string{"fileA.py:10", "fileB.py:22"},
			},
		},
		{
			name: "map with non-string citations skipped",
			raw: map[string]any{
				"response":  "r",
				"citations": []any{"good.go:1", 42, nil},
			},
			expected: &datatypes.ToolResult{Response: "r", Citations: []string{"good.go:1"}},
		},
		{
			name:     "plain string",
			raw:      "bare text result",
			expected: &datatypes.ToolResult{Response: "bare text result"},
		},
		{
			name:     "unknown type stringified",
			raw:      42,
			expected: &datatypes.ToolResult{Response: "42"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeResult(tc.raw)
			require.NotNil(t, got)
			assert.Equal(t, tc.expected.Response, got.Response)
			assert.Equal(t, tc.expected.Citations, got.Citations)
		})
	}
}

func TestFormatCitations(t *testing.T) {
	tests := []struct {
		name     string
		in       []string
		expected []string
	}{
		{
			name:     "nil input yields empty slice",
			in:       nil,
			expected: []string{},
		},
		{
			name:     "duplicates removed first seen order",
			in:       []string{"b.go:2", "a.go:1", "b.go:2", "c.go:3", "a.go:1"},
			expected: []string{"b.go:2", "a.go:1", "c.go:3"},
		},
		{
			name:     "empties dropped",
			in:       []string{"", "a.go:1", ""},
			expected: []string{"a.go:1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FormatCitations(tc.in)
			require.NotNil(t, got)
			assert.Equal(t, tc.expected, got)
		})
	}
}
