// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
)

// OpenAIModel adapts the go-openai client to the llms.Model interface.
//
// Description:
//
//	Going through go-openai directly (instead of a generic HTTP client)
//	gives us typed APIError values, so quota rejections are classified
//	by status code once, here, and surface as ErrQuotaExceeded. Supports
//	both buffered and streaming generation; a StreamingFunc call option
//	switches to the streaming API.
//
// Thread Safety: Safe for concurrent use; the underlying client is
// stateless per request.
type OpenAIModel struct {
	client *goopenai.Client
	model  string
}

// NewOpenAIModel creates an OpenAI-backed model handle. baseURL may be
// empty for the default endpoint, or point at any OpenAI-compatible
// server.
func NewOpenAIModel(apiKey, baseURL, model string) *OpenAIModel {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIModel{
		client: goopenai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// GenerateContent implements llms.Model.
func (m *OpenAIModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	req := goopenai.ChatCompletionRequest{
		Model:    m.model,
		Messages: toOpenAIMessages(messages),
		Stop:     opts.StopWords,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}

	if opts.StreamingFunc != nil {
		return m.generateStreaming(ctx, req, opts.StreamingFunc)
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyVendorError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content:    resp.Choices[0].Message.Content,
			StopReason: string(resp.Choices[0].FinishReason),
		}},
	}, nil
}

// Call implements the deprecated single-prompt entry point of
// llms.Model by delegating to GenerateContent.
func (m *OpenAIModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// generateStreaming drives the chunked completion API, forwarding each
// delta to streamFn and accumulating the full text for the response.
// A streamFn error aborts the stream; no further chunks are requested.
func (m *OpenAIModel) generateStreaming(ctx context.Context, req goopenai.ChatCompletionRequest, streamFn func(context.Context, []byte) error) (*llms.ContentResponse, error) {
	req.Stream = true
	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classifyVendorError(err)
	}
	defer stream.Close()

	var full string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyVendorError(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full += delta
		if err := streamFn(ctx, []byte(delta)); err != nil {
			return nil, err
		}
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: full}},
	}, nil
}

// toOpenAIMessages converts langchaingo message contents to the
// go-openai request shape. Non-text parts are not supported by the
// small-model pipeline and are skipped.
func toOpenAIMessages(messages []llms.MessageContent) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		var text string
		for _, part := range msg.Parts {
			if tp, ok := part.(llms.TextContent); ok {
				text += tp.Text
			}
		}
		out = append(out, goopenai.ChatCompletionMessage{
			Role:    toOpenAIRole(msg.Role),
			Content: text,
		})
	}
	return out
}

func toOpenAIRole(role llms.ChatMessageType) string {
	switch role {
	case llms.ChatMessageTypeSystem:
		return goopenai.ChatMessageRoleSystem
	case llms.ChatMessageTypeAI:
		return goopenai.ChatMessageRoleAssistant
	default:
		return goopenai.ChatMessageRoleUser
	}
}

// classifyVendorError maps go-openai errors to typed error kinds.
func classifyVendorError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, apiErr.Message)
	}
	return err
}

// Ensure OpenAIModel implements llms.Model.
var _ llms.Model = (*OpenAIModel)(nil)
