// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest indicates a run request failed field validation.
var ErrInvalidRequest = errors.New("invalid run request")

// MaxQueryBytes is the maximum size of a single user query.
// Oversized queries are rejected before any model call.
const MaxQueryBytes = 32 * 1024 // 32KB

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so large
// multi-byte payloads cannot slip past the limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// RunRequest carries the inputs for one chat agent run.
//
// # Description
//
// RunRequest is bound from the POST body of the streaming message
// endpoint and passed unchanged to the chat agent. Every field except
// NodeIDs is required.
//
// # Fields
//
//   - Query: The user's question. Limited to 32KB.
//   - ProjectID: Project the conversation belongs to.
//   - UserID: Authenticated user identifier.
//   - ConversationID: Conversation to append this turn to. Populated
//     from the URL path by the handler, not the body.
//   - NodeIDs: Optional ordered code-node references scoping the query.
//
// # Validation
//
// Uses go-playground/validator:
//   - Query: required, max 32768 bytes
//   - ProjectID, UserID: required
type RunRequest struct {
	Query          string        `json:"query" validate:"required,maxbytes"`
	ProjectID      string        `json:"project_id" validate:"required"`
	UserID         string        `json:"user_id" validate:"required"`
	ConversationID string        `json:"-"`
	NodeIDs        []NodeContext `json:"node_ids,omitempty"`
}

// Validate validates the RunRequest fields. Validating the same
// request twice yields the same outcome; validation never mutates the
// request.
func (r *RunRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// EventKind tags the variant of a stream event.
type EventKind int

const (
	// EventFragment carries one model chunk's text plus the citations
	// for the run (empty unless the tool agent was invoked).
	EventFragment EventKind = iota

	// EventError is the single terminal event emitted when a run fails.
	// Its Message holds the user-facing error description.
	EventError
)

// StreamEvent is one element of the lazy event sequence a run produces.
//
// # Description
//
// Exactly one StreamEvent is emitted per received model chunk. The
// ordered concatenation of fragment Messages across a successful run
// equals the single AI message committed to history. A failed run ends
// with exactly one EventError; no events follow it.
//
// Fragment events serialize as {"message": ..., "citations": [...]}.
// Error events serialize as the bare text "An error occurred: <desc>"
// (see handlers.SSEWriter).
type StreamEvent struct {
	Kind      EventKind `json:"-"`
	Message   string    `json:"message"`
	Citations []string  `json:"citations"`
}

// FragmentEvent builds a fragment event. A nil citations slice is
// normalized to an empty one so the wire form is always a JSON array.
func FragmentEvent(fragment string, citations []string) StreamEvent {
	if citations == nil {
		citations = []string{}
	}
	return StreamEvent{Kind: EventFragment, Message: fragment, Citations: citations}
}

// ErrorEvent builds the terminal error event for a failed run.
func ErrorEvent(description string) StreamEvent {
	return StreamEvent{Kind: EventError, Message: "An error occurred: " + description}
}

// ToolResult is the normalized output of an auxiliary tool agent
// invocation. Consumed only within the run that produced it.
type ToolResult struct {
	Response  string   `json:"response"`
	Citations []string `json:"citations"`
}
