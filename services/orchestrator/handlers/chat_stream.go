// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides the HTTP handlers for the orchestrator's
// streaming conversation API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakCore/services/orchestrator/history"
)

var handlerTracer = otel.Tracer("kodiak.orchestrator.handlers")

// keepAliveInterval is how often an SSE comment is sent while the
// model has produced no new fragment.
const keepAliveInterval = 15 * time.Second

// RunStarter produces a conversation run's event stream. Satisfied by
// *chatagent.Agent.
type RunStarter interface {
	Run(ctx context.Context, req datatypes.RunRequest) <-chan datatypes.StreamEvent
}

// ChatStreamHandler serves the streaming conversation endpoint.
//
// # Description
//
// Binds and validates the run request, records the user's turn in the
// transcript, then pumps the run's event channel to the client as SSE
// data lines, interleaving keepalive comments during model silence.
// Validation failures return HTTP 400 before the stream opens; once
// streaming has begun all failures arrive as the run's single terminal
// error event.
type ChatStreamHandler struct {
	runner  RunStarter
	history history.Service
	logger  *slog.Logger
}

// NewChatStreamHandler creates the handler.
func NewChatStreamHandler(runner RunStarter, historySvc history.Service, logger *slog.Logger) *ChatStreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatStreamHandler{runner: runner, history: historySvc, logger: logger}
}

// Handle processes POST /v1/conversations/:conversationId/message/stream.
//
// # Inputs (via gin.Context)
//
//   - Path: conversationId.
//   - Body: {"query": ..., "project_id": ..., "user_id": ...,
//     "node_ids": [...]}.
//
// # Outputs
//
//   - 200 with an SSE body on accepted requests.
//   - 400 JSON {"error": ...} on malformed or invalid bodies.
//   - 500 JSON {"error": ...} when streaming is unsupported.
func (h *ChatStreamHandler) Handle(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "ChatStreamHandler.Handle")
	defer span.End()

	conversationID := c.Param("conversationId")
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	var req datatypes.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	req.ConversationID = conversationID

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The user's turn is committed before generation starts; the
	// transcript the model sees on the next turn must include it even
	// if this run fails.
	if err := h.history.AddMessage(ctx, conversationID, datatypes.NewHumanMessage(req.Query)); err != nil {
		h.logger.Error("failed to record user message",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record message"})
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	events := h.runner.Run(ctx, req)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteEvent(event); err != nil {
				h.logger.Warn("client write failed, abandoning stream",
					slog.String("conversation_id", conversationID),
					slog.String("error", err.Error()),
				)
				return
			}
			ticker.Reset(keepAliveInterval)
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Health responds to liveness probes.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
