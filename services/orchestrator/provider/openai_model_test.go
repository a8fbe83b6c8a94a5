// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// newFakeOpenAI serves an OpenAI-compatible chat completions endpoint.
func newFakeOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIModel {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIModel("test-key", srv.URL+"/v1", "test-model")
}

func chatMessages(text string) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, "system prompt"),
		llms.TextParts(llms.ChatMessageTypeHuman, text),
	}
}

func TestOpenAIModel_GenerateContent(t *testing.T) {
	var gotReq goopenai.ChatCompletionRequest
	model := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(goopenai.ChatCompletionResponse{
			Choices: []goopenai.ChatCompletionChoice{{
				Message:      goopenai.ChatCompletionMessage{Content: "buffered reply"},
				FinishReason: goopenai.FinishReasonStop,
			}},
		})
	})

	resp, err := model.GenerateContent(context.Background(), chatMessages("hello"))
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "buffered reply", resp.Choices[0].Content)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, goopenai.ChatMessageRoleSystem, gotReq.Messages[0].Role)
	assert.Equal(t, goopenai.ChatMessageRoleUser, gotReq.Messages[1].Role)
	assert.False(t, gotReq.Stream)
}

func TestOpenAIModel_Streaming(t *testing.T) {
	model := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		var req goopenai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, delta := range []string{"The ", "change ", "is safe."} {
			chunk := goopenai.ChatCompletionStreamResponse{
				Choices: []goopenai.ChatCompletionStreamChoice{{
					Delta: goopenai.ChatCompletionStreamChoiceDelta{Content: delta},
				}},
			}
			raw, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})

	var streamed []string
	resp, err := model.GenerateContent(context.Background(), chatMessages("hello"),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			streamed = append(streamed, string(chunk))
			return nil
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"The ", "change ", "is safe."}, streamed)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "The change is safe.", resp.Choices[0].Content)
}

func TestOpenAIModel_StreamingCallbackErrorAborts(t *testing.T) {
	model := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			chunk := goopenai.ChatCompletionStreamResponse{
				Choices: []goopenai.ChatCompletionStreamChoice{{
					Delta: goopenai.ChatCompletionStreamChoiceDelta{Content: "x"},
				}},
			}
			raw, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	calls := 0
	_, err := model.GenerateContent(context.Background(), chatMessages("hello"),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			calls++
			return fmt.Errorf("consumer gone")
		}),
	)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOpenAIModel_QuotaErrorClassified(t *testing.T) {
	model := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"tokens"}}`))
	})

	_, err := model.GenerateContent(context.Background(), chatMessages("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.True(t, IsQuotaExceeded(err))
}

func TestOpenAIModel_Call(t *testing.T) {
	model := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(goopenai.ChatCompletionResponse{
			Choices: []goopenai.ChatCompletionChoice{{
				Message: goopenai.ChatCompletionMessage{Content: "single prompt reply"},
			}},
		})
	})

	out, err := model.Call(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "single prompt reply", out)
}
