// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the conversation message model shared by the chat
// agent, the history service, and the HTTP handlers. For run request and
// stream event types, see chat.go.
package datatypes

import "fmt"

// MessageType identifies who produced a persisted message.
type MessageType string

const (
	// MessageTypeHuman marks a message authored by the end user.
	MessageTypeHuman MessageType = "HUMAN"

	// MessageTypeSystemGenerated marks a message injected by the system,
	// such as a tool result folded into the prompt context.
	MessageTypeSystemGenerated MessageType = "SYSTEM_GENERATED"

	// MessageTypeAIGenerated marks a message produced by the model.
	MessageTypeAIGenerated MessageType = "AI_GENERATED"
)

// Message is one turn in a conversation.
//
// Description:
//
//	A Message is immutable once created. Conversation history is an
//	ordered, append-only sequence of Messages; ordering is preserved
//	exactly as returned by the history service. Citations, when present,
//	are reference identifiers (e.g. "fileA.py:10") supporting the
//	content.
type Message struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Citations []string    `json:"citations,omitempty"`
}

// NewHumanMessage wraps content as a human-authored message.
func NewHumanMessage(content string) Message {
	return Message{Type: MessageTypeHuman, Content: content}
}

// NewSystemMessage wraps content as a system-generated message.
func NewSystemMessage(content string) Message {
	return Message{Type: MessageTypeSystemGenerated, Content: content}
}

// CoerceMessage normalizes a raw history entry into a Message.
//
// Description:
//
//	History stores written by earlier versions of the system may contain
//	bare strings or numbers instead of typed messages. Typed entries pass
//	through unchanged; primitives become human messages whose content is
//	the primitive's string form. Order and count are the caller's
//	responsibility; this function never drops or reorders anything.
func CoerceMessage(entry any) Message {
	switch v := entry.(type) {
	case Message:
		return v
	case *Message:
		return *v
	default:
		return NewHumanMessage(fmt.Sprint(v))
	}
}

// NodeContext references a code node the user attached to a query, such
// as a function or class the question is about.
type NodeContext struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name,omitempty"`
}
