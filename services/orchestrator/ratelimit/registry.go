// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import "sync"

// Registry owns the process's named limiters.
//
// Description:
//
//	A Registry is constructed once at bootstrap and injected wherever
//	limiters are needed. Get returns the limiter for a resource class,
//	creating it with the registry's default configuration on first use,
//	so every caller asking for the same name shares the same instance.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	defaults Config

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates a registry whose limiters default to cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		defaults: cfg,
		limiters: make(map[string]*Limiter),
	}
}

// Get returns the limiter for name, creating it on first use.
func (r *Registry) Get(name string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	l := NewLimiter(name, r.defaults)
	r.limiters[name] = l
	return l
}
