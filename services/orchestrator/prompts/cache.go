// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompts

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

// DefaultCacheCapacity bounds the prompt cache. Each orchestrator
// instance serves one agent identity plus the classification prompt,
// so two entries cover the working set.
const DefaultCacheCapacity = 2

// Cache is a thread-safe, fixed-capacity LRU cache of resolved pairs.
//
// Description:
//
//	Keyed by agent identity. When the cache is full the least recently
//	used entry is evicted; a subsequent request for that agent performs
//	a fresh fetch through the Service. Uses container/list for O(1)
//	access and eviction.
//
// Thread Safety: All methods are safe for concurrent use.
type Cache struct {
	svc      Service
	capacity int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // Front = most recent, Back = least recent

	hits   atomic.Int64
	misses atomic.Int64
}

// cacheEntry holds the key-value pair in the list.
type cacheEntry struct {
	agentID string
	pair    Pair
}

// NewCache creates a prompt cache backed by svc.
//
// Inputs:
//
//	svc - Prompt service to fetch from on a miss. Must not be nil.
//	capacity - Maximum entries. Values < 1 take DefaultCacheCapacity.
//
// Thread Safety: The returned cache is safe for concurrent use.
func NewCache(svc Service, capacity int) *Cache {
	if capacity < 1 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		svc:      svc,
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// GetPair returns the cached pair for agentID, fetching it through the
// Service on a miss.
//
// Description:
//
//	A hit moves the entry to the front of the LRU order. A miss fetches,
//	stores (evicting the oldest entry at capacity), and returns the
//	fresh pair. Fetch errors are not cached.
func (c *Cache) GetPair(ctx context.Context, agentID string) (Pair, error) {
	c.mu.Lock()
	if elem, ok := c.items[agentID]; ok {
		c.order.MoveToFront(elem)
		pair := elem.Value.(*cacheEntry).pair
		c.mu.Unlock()
		c.hits.Add(1)
		return pair, nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	pair, err := ResolvePair(ctx, c.svc, agentID)
	if err != nil {
		return Pair{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[agentID]; ok {
		// Lost a race with another resolver; keep its entry.
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).pair, nil
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).agentID)
		}
	}
	c.items[agentID] = c.order.PushFront(&cacheEntry{agentID: agentID, pair: pair})
	return pair, nil
}

// Contains reports whether agentID is currently cached, without
// touching the LRU order.
func (c *Cache) Contains(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[agentID]
	return ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit/miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
