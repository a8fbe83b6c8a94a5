// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

// SSEWriter writes conversation run events to an HTTP response in
// Server-Sent Events format.
//
// # Description
//
// Fragment events are serialized as JSON data lines:
//
//	data: {"message":"...","citations":[...]}
//
// The terminal error event is a bare text data line, matching what
// clients of the original streaming API expect:
//
//	data: An error occurred: <description>
//
// Keepalive comments (": ping") are emitted between events during long
// generations; SSE clients ignore them but load balancers reset their
// idle timers.
//
// # Thread Safety
//
// Safe for concurrent use by the event pump and the keepalive ticker.
type SSEWriter interface {
	// WriteEvent writes one run event and flushes.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive writes an SSE comment line and flushes.
	WriteKeepAlive() error
}

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter. The caller must set SSE headers
// (SetSSEHeaders) before the first write. Fails if the ResponseWriter
// cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent implements SSEWriter.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event.Kind == datatypes.EventError {
		if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", event.Message); err != nil {
			return fmt.Errorf("write error event: %w", err)
		}
		w.flusher.Flush()
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive implements SSEWriter.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures response headers for SSE streaming. Must
// be called before any body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
