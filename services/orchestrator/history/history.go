// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists conversation transcripts and buffers
// streamed response fragments until they are flushed into a single
// durable message.
package history

import (
	"context"
	"errors"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

// ErrHistoryPersistenceFailure indicates a chunk append or buffer
// flush could not be written. The orchestrator treats this as fatal
// for the run: continuing would desynchronize the transcript from
// what the user saw.
var ErrHistoryPersistenceFailure = errors.New("history persistence failed")

// Service is the conversation transcript store.
//
// GetSessionHistory returns []any rather than []datatypes.Message:
// stores migrated from older deployments may hold entries in legacy
// shapes, and the orchestrator normalizes each entry with
// datatypes.CoerceMessage before use.
//
// Implementations must be safe for concurrent use.
type Service interface {
	// GetSessionHistory returns the ordered transcript for a
	// conversation, oldest first.
	GetSessionHistory(ctx context.Context, userID, conversationID string) ([]any, error)

	// AddMessageChunk appends a response fragment to the conversation's
	// pending buffer. Fragments accumulate until FlushMessageBuffer.
	AddMessageChunk(ctx context.Context, conversationID, fragment string, msgType datatypes.MessageType, citations []string) error

	// FlushMessageBuffer consolidates the pending buffer into one
	// transcript message and clears it. Flushing an empty buffer is a
	// no-op.
	FlushMessageBuffer(ctx context.Context, conversationID string, msgType datatypes.MessageType) error

	// AddMessage appends a complete message to the transcript directly,
	// bypassing the chunk buffer. Used for user turns.
	AddMessage(ctx context.Context, conversationID string, msg datatypes.Message) error
}
