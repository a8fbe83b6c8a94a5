// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

// storesUnderTest runs the same behavioral suite against every Service
// implementation.
func storesUnderTest(t *testing.T) map[string]Service {
	t.Helper()

	badgerStore, err := NewInMemoryBadgerStore(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]Service{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestService_ChunkBufferFlush(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := "conv-1"

			fragments := []string{"The ", "change ", "affects ", "3 call sites."}
			for _, f := range fragments {
				require.NoError(t, store.AddMessageChunk(ctx, conv, f, datatypes.MessageTypeAIGenerated, []string{"fileA.py:10"}))
			}

			// Nothing reaches the transcript until flush.
			entries, err := store.GetSessionHistory(ctx, "user-1", conv)
			require.NoError(t, err)
			assert.Empty(t, entries)

			require.NoError(t, store.FlushMessageBuffer(ctx, conv, datatypes.MessageTypeAIGenerated))

			entries, err = store.GetSessionHistory(ctx, "user-1", conv)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			msg := datatypes.CoerceMessage(entries[0])
			assert.Equal(t, datatypes.MessageTypeAIGenerated, msg.Type)
			assert.Equal(t, "The change affects 3 call sites.", msg.Content)
			assert.Equal(t, []string{"fileA.py:10"}, msg.Citations)
		})
	}
}

func TestService_FlushEmptyBufferIsNoOp(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.FlushMessageBuffer(ctx, "empty-conv", datatypes.MessageTypeAIGenerated))

			entries, err := store.GetSessionHistory(ctx, "user-1", "empty-conv")
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestService_AddMessageBypassesBuffer(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := "conv-2"

			user := datatypes.NewHumanMessage("what breaks if I change this?")
			require.NoError(t, store.AddMessage(ctx, conv, user))

			require.NoError(t, store.AddMessageChunk(ctx, conv, "It breaks X.", datatypes.MessageTypeAIGenerated, nil))
			require.NoError(t, store.FlushMessageBuffer(ctx, conv, datatypes.MessageTypeAIGenerated))

			entries, err := store.GetSessionHistory(ctx, "user-1", conv)
			require.NoError(t, err)
			require.Len(t, entries, 2)

			first := datatypes.CoerceMessage(entries[0])
			assert.Equal(t, datatypes.MessageTypeHuman, first.Type)
			assert.Equal(t, "what breaks if I change this?", first.Content)

			second := datatypes.CoerceMessage(entries[1])
			assert.Equal(t, datatypes.MessageTypeAIGenerated, second.Type)
		})
	}
}

func TestService_OrderingAcrossTurns(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := "conv-3"

			for i, content := range []string{"q1", "a1", "q2", "a2"} {
				msgType := datatypes.MessageTypeHuman
				if i%2 == 1 {
					msgType = datatypes.MessageTypeAIGenerated
				}
				require.NoError(t, store.AddMessage(ctx, conv, datatypes.Message{Type: msgType, Content: content}))
			}

			entries, err := store.GetSessionHistory(ctx, "user-1", conv)
			require.NoError(t, err)
			require.Len(t, entries, 4)
			for i, want := range []string{"q1", "a1", "q2", "a2"} {
				assert.Equal(t, want, datatypes.CoerceMessage(entries[i]).Content)
			}
		})
	}
}

func TestService_ConversationsIsolated(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.AddMessageChunk(ctx, "conv-a", "for a", datatypes.MessageTypeAIGenerated, nil))
			require.NoError(t, store.AddMessageChunk(ctx, "conv-b", "for b", datatypes.MessageTypeAIGenerated, nil))
			require.NoError(t, store.FlushMessageBuffer(ctx, "conv-a", datatypes.MessageTypeAIGenerated))

			aEntries, err := store.GetSessionHistory(ctx, "u", "conv-a")
			require.NoError(t, err)
			require.Len(t, aEntries, 1)

			bEntries, err := store.GetSessionHistory(ctx, "u", "conv-b")
			require.NoError(t, err)
			assert.Empty(t, bEntries)
		})
	}
}

func TestService_CitationsDeduplicatedOnFlush(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := "conv-4"

			require.NoError(t, store.AddMessageChunk(ctx, conv, "a", datatypes.MessageTypeAIGenerated, []string{"x.go:1", "y.go:2"}))
			require.NoError(t, store.AddMessageChunk(ctx, conv, "b", datatypes.MessageTypeAIGenerated, []string{"x.go:1"}))
			require.NoError(t, store.FlushMessageBuffer(ctx, conv, datatypes.MessageTypeAIGenerated))

			entries, err := store.GetSessionHistory(ctx, "u", conv)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			msg := datatypes.CoerceMessage(entries[0])
			assert.Equal(t, []string{"x.go:1", "y.go:2"}, msg.Citations)
		})
	}
}

func TestService_ConcurrentChunks(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := "conv-5"

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, store.AddMessageChunk(ctx, conv, "x", datatypes.MessageTypeAIGenerated, nil))
				}()
			}
			wg.Wait()

			require.NoError(t, store.FlushMessageBuffer(ctx, conv, datatypes.MessageTypeAIGenerated))
			entries, err := store.GetSessionHistory(ctx, "u", conv)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			assert.Len(t, datatypes.CoerceMessage(entries[0]).Content, 16)
		})
	}
}

func TestBadgerStore_CancelledContext(t *testing.T) {
	store, err := NewInMemoryBadgerStore(nil)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.AddMessageChunk(ctx, "c", "x", datatypes.MessageTypeAIGenerated, nil), context.Canceled)
	assert.ErrorIs(t, store.FlushMessageBuffer(ctx, "c", datatypes.MessageTypeAIGenerated), context.Canceled)
	_, err = store.GetSessionHistory(ctx, "u", "c")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadgerStore_LegacyEntriesSurvive(t *testing.T) {
	store, err := NewInMemoryBadgerStore(nil)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, "c", datatypes.NewHumanMessage("typed entry")))

	// Plant a raw non-JSON value the way an older deployment might have
	// written it.
	require.NoError(t, store.db.Update(func(txn *badger.Txn) error {
		key := []byte(transcriptPrefix + "c|")
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], 1)
		return txn.Set(append(key, seq[:]...), []byte("bare legacy string"))
	}))

	entries, err := store.GetSessionHistory(ctx, "u", "c")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	legacy := datatypes.CoerceMessage(entries[1])
	assert.Equal(t, datatypes.MessageTypeHuman, legacy.Type)
	assert.Equal(t, "bare legacy string", legacy.Content)
}

func TestMemoryStore_PendingFragments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	assert.Equal(t, 0, store.PendingFragments("c"))
	require.NoError(t, store.AddMessageChunk(ctx, "c", "a", datatypes.MessageTypeAIGenerated, nil))
	require.NoError(t, store.AddMessageChunk(ctx, "c", "b", datatypes.MessageTypeAIGenerated, nil))
	assert.Equal(t, 2, store.PendingFragments("c"))

	require.NoError(t, store.FlushMessageBuffer(ctx, "c", datatypes.MessageTypeAIGenerated))
	assert.Equal(t, 0, store.PendingFragments("c"))
}
