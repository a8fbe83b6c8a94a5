// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"strings"
	"sync"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

// Compile-time interface implementation check.
var _ Service = (*MemoryStore)(nil)

type pendingBuffer struct {
	fragments []string
	citations []string
}

// MemoryStore is an in-process Service for tests and single-node
// development. Transcripts do not survive restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string][]any
	buffers     map[string]*pendingBuffer
}

// NewMemoryStore creates an empty in-memory transcript store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transcripts: make(map[string][]any),
		buffers:     make(map[string]*pendingBuffer),
	}
}

// GetSessionHistory implements Service.
func (s *MemoryStore) GetSessionHistory(_ context.Context, _, conversationID string) ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.transcripts[conversationID]
	out := make([]any, len(entries))
	copy(out, entries)
	return out, nil
}

// AddMessageChunk implements Service.
func (s *MemoryStore) AddMessageChunk(_ context.Context, conversationID, fragment string, _ datatypes.MessageType, citations []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[conversationID]
	if buf == nil {
		buf = &pendingBuffer{}
		s.buffers[conversationID] = buf
	}
	buf.fragments = append(buf.fragments, fragment)
	buf.citations = append(buf.citations, citations...)
	return nil
}

// FlushMessageBuffer implements Service.
func (s *MemoryStore) FlushMessageBuffer(_ context.Context, conversationID string, msgType datatypes.MessageType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[conversationID]
	if buf == nil || len(buf.fragments) == 0 {
		return nil
	}
	msg := datatypes.Message{
		Type:      msgType,
		Content:   strings.Join(buf.fragments, ""),
		Citations: dedupeCitations(buf.citations),
	}
	s.transcripts[conversationID] = append(s.transcripts[conversationID], msg)
	delete(s.buffers, conversationID)
	return nil
}

// AddMessage implements Service.
func (s *MemoryStore) AddMessage(_ context.Context, conversationID string, msg datatypes.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[conversationID] = append(s.transcripts[conversationID], msg)
	return nil
}

// PendingFragments reports the number of buffered fragments for a
// conversation. Test helper.
func (s *MemoryStore) PendingFragments(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.buffers[conversationID]
	if buf == nil {
		return 0
	}
	return len(buf.fragments)
}

func dedupeCitations(citations []string) []string {
	out := make([]string, 0, len(citations))
	seen := make(map[string]struct{}, len(citations))
	for _, c := range citations {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
