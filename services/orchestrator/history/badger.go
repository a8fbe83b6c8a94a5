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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/KodiakAI/KodiakCore/services/orchestrator/datatypes"
)

// Compile-time interface implementation check.
var _ Service = (*BadgerStore)(nil)

// Key layout. Transcript entries sort by sequence number so a prefix
// scan returns the conversation oldest-first.
//
//	t|<conversation>|<seq: 8-byte big endian>  -> JSON Message
//	s|<conversation>                           -> next sequence number
//	b|<conversation>                           -> JSON pending buffer
const (
	transcriptPrefix = "t|"
	seqPrefix        = "s|"
	bufferPrefix     = "b|"
)

// BadgerStore persists conversation transcripts in an embedded Badger
// database.
//
// Description:
//
//	Transcript entries are append-only; streamed fragments accumulate
//	in a per-conversation buffer record and are compacted into one
//	transcript entry on flush. All writes go through Badger
//	transactions, so a crash mid-stream loses at most the unflushed
//	buffer, never a committed transcript entry.
//
// Thread Safety: Safe for concurrent use; Badger serializes
// conflicting transactions.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens (or creates) a transcript database at path.
func NewBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// NewInMemoryBadgerStore opens a non-persistent store. Used in tests.
func NewInMemoryBadgerStore(logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory history database: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// GetSessionHistory implements Service.
func (s *BadgerStore) GetSessionHistory(ctx context.Context, _, conversationID string) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []any
	prefix := []byte(transcriptPrefix + conversationID + "|")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg datatypes.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					// A corrupt entry must not lose the rest of the
					// transcript; surface it raw for coercion upstream.
					s.logger.Warn("skipping undecodable transcript entry",
						slog.String("conversation_id", conversationID),
						slog.String("error", err.Error()),
					)
					entries = append(entries, string(val))
					return nil
				}
				entries = append(entries, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read transcript: %v", ErrHistoryPersistenceFailure, err)
	}
	return entries, nil
}

// AddMessageChunk implements Service.
func (s *BadgerStore) AddMessageChunk(ctx context.Context, conversationID, fragment string, _ datatypes.MessageType, citations []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := []byte(bufferPrefix + conversationID)
	err := s.update(func(txn *badger.Txn) error {
		buf, err := readBuffer(txn, key)
		if err != nil {
			return err
		}
		buf.Fragments = append(buf.Fragments, fragment)
		buf.Citations = append(buf.Citations, citations...)
		raw, err := json.Marshal(buf)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
	if err != nil {
		return fmt.Errorf("%w: append chunk: %v", ErrHistoryPersistenceFailure, err)
	}
	return nil
}

// FlushMessageBuffer implements Service.
func (s *BadgerStore) FlushMessageBuffer(ctx context.Context, conversationID string, msgType datatypes.MessageType) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bufKey := []byte(bufferPrefix + conversationID)
	err := s.update(func(txn *badger.Txn) error {
		buf, err := readBuffer(txn, bufKey)
		if err != nil {
			return err
		}
		if len(buf.Fragments) == 0 {
			return nil
		}
		msg := datatypes.Message{
			Type:      msgType,
			Content:   strings.Join(buf.Fragments, ""),
			Citations: dedupeCitations(buf.Citations),
		}
		if err := appendTranscript(txn, conversationID, msg); err != nil {
			return err
		}
		return txn.Delete(bufKey)
	})
	if err != nil {
		return fmt.Errorf("%w: flush buffer: %v", ErrHistoryPersistenceFailure, err)
	}
	return nil
}

// AddMessage implements Service.
func (s *BadgerStore) AddMessage(ctx context.Context, conversationID string, msg datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.update(func(txn *badger.Txn) error {
		return appendTranscript(txn, conversationID, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: append message: %v", ErrHistoryPersistenceFailure, err)
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on optimistic
// concurrency conflicts. Concurrent chunk appends for the same
// conversation contend on one buffer key, so conflicts are expected
// under load, not errors.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// storedBuffer is the persisted pending-buffer record.
type storedBuffer struct {
	Fragments []string `json:"fragments"`
	Citations []string `json:"citations,omitempty"`
}

func readBuffer(txn *badger.Txn, key []byte) (*storedBuffer, error) {
	buf := &storedBuffer{}
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return buf, nil
	}
	if err != nil {
		return nil, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, buf)
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// appendTranscript writes msg at the conversation's next sequence
// number and advances the counter, all within the caller's txn.
func appendTranscript(txn *badger.Txn, conversationID string, msg datatypes.Message) error {
	seqKey := []byte(seqPrefix + conversationID)

	var seq uint64
	item, err := txn.Get(seqKey)
	if err == nil {
		err = item.Value(func(val []byte) error {
			if len(val) == 8 {
				seq = binary.BigEndian.Uint64(val)
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	entryKey := make([]byte, 0, len(transcriptPrefix)+len(conversationID)+9)
	entryKey = append(entryKey, transcriptPrefix...)
	entryKey = append(entryKey, conversationID...)
	entryKey = append(entryKey, '|')
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	entryKey = append(entryKey, seqBytes[:]...)

	if err := txn.Set(entryKey, raw); err != nil {
		return err
	}

	var nextBytes [8]byte
	binary.BigEndian.PutUint64(nextBytes[:], seq+1)
	return txn.Set(seqKey, nextBytes[:])
}
