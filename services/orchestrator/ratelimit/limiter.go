// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit gates concurrent access to shared upstream resources.
//
// A Limiter is a named, process-wide component: all chat agent instances
// contending for the same resource class (e.g. "LLM_API") share one
// Limiter, regardless of which conversation they serve. The Limiter also
// tracks a quota-exceeded cooldown so that, once the upstream provider
// rejects a call for quota reasons, subsequent acquisitions fail fast
// instead of burning more quota.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Sentinel errors for the ratelimit package.
var (
	// ErrAcquireTimeout indicates no slot became available within the
	// acquisition timeout.
	ErrAcquireTimeout = errors.New("rate limiter acquire timed out")

	// ErrQuotaCooldown indicates the upstream resource is in a
	// quota-exceeded cooldown window and acquisition was refused.
	ErrQuotaCooldown = errors.New("rate limiter in quota cooldown")
)

const (
	// DefaultSlots is the default number of concurrent acquisitions.
	DefaultSlots = 4

	// DefaultAcquireTimeout bounds how long Acquire blocks. The bound
	// exists so an overloaded limiter yields a terminal error event
	// instead of hanging a run indefinitely.
	DefaultAcquireTimeout = 30 * time.Second

	// DefaultCooldown is how long acquisitions fail fast after a
	// quota-exceeded signal.
	DefaultCooldown = 60 * time.Second
)

// Config configures a Limiter.
type Config struct {
	// Slots is the number of concurrent holders. Zero means DefaultSlots.
	Slots int64

	// AcquireTimeout bounds Acquire. Zero means DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	// Cooldown is the quota-exceeded window. Zero means DefaultCooldown.
	Cooldown time.Duration

	// RequestsPerSecond optionally paces acquisitions in addition to the
	// slot bound. Zero disables pacing.
	RequestsPerSecond float64
}

// Limiter gates access to one shared upstream resource.
//
// Description:
//
//	Slots are managed by a weighted semaphore; an optional token bucket
//	paces the acquisition rate. The quota-exceeded flag is the only
//	cross-run mutable state in the orchestration core, so all mutation
//	goes through the Limiter's own operations and callers need no
//	external locking.
//
// Thread Safety: All methods are safe for concurrent use.
type Limiter struct {
	name           string
	sem            *semaphore.Weighted
	pacer          *rate.Limiter
	acquireTimeout time.Duration
	cooldown       time.Duration

	mu            sync.Mutex
	cooldownUntil time.Time
}

// NewLimiter creates a named limiter for one resource class.
//
// Description:
//
//	The limiter is explicitly constructed and injected; there is no
//	ambient global. Construct one per resource class at bootstrap (or use
//	a Registry) and share it across every agent instance in the process.
//
// Inputs:
//
//	name - Resource class name, e.g. "LLM_API". Used only for logging.
//	cfg - Limiter configuration. Zero fields take package defaults.
//
// Thread Safety: The returned limiter is safe for concurrent use.
func NewLimiter(name string, cfg Config) *Limiter {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	var pacer *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	slog.Debug("rate limiter initialized",
		"name", name,
		"slots", cfg.Slots,
		"acquire_timeout", cfg.AcquireTimeout,
	)
	return &Limiter{
		name:           name,
		sem:            semaphore.NewWeighted(cfg.Slots),
		pacer:          pacer,
		acquireTimeout: cfg.AcquireTimeout,
		cooldown:       cfg.Cooldown,
	}
}

// Acquire blocks until a slot is available or the timeout elapses.
//
// Description:
//
//	Fails fast with ErrQuotaCooldown while a quota-exceeded cooldown is
//	active, so callers short-circuit without waiting out the timeout.
//	Otherwise waits up to the configured acquisition timeout (also capped
//	by ctx); expiry yields ErrAcquireTimeout. A successful Acquire must
//	be paired with Release.
//
// Outputs:
//
//	error - nil on success; ErrQuotaCooldown, ErrAcquireTimeout, or the
//	context's error.
//
// Thread Safety: Safe for concurrent use.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.InCooldown() {
		slog.Warn("acquire refused during quota cooldown", "limiter", l.name)
		return ErrQuotaCooldown
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			slog.Error("timeout waiting for rate limiter", "limiter", l.name)
			return ErrAcquireTimeout
		}
		return err
	}

	if l.pacer != nil {
		if err := l.pacer.Wait(waitCtx); err != nil {
			l.sem.Release(1)
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return ErrAcquireTimeout
			}
			return err
		}
	}

	return nil
}

// Release returns a slot acquired with Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// HandleQuotaExceeded records an upstream quota rejection and starts
// the cooldown window. Safe to call from any goroutine; overlapping
// signals extend the window from the latest signal.
func (l *Limiter) HandleQuotaExceeded() {
	l.mu.Lock()
	l.cooldownUntil = time.Now().Add(l.cooldown)
	l.mu.Unlock()
	slog.Warn("quota exceeded signaled, entering cooldown",
		"limiter", l.name,
		"cooldown", l.cooldown,
	)
}

// InCooldown reports whether the quota-exceeded cooldown is active.
func (l *Limiter) InCooldown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.cooldownUntil)
}

// Name returns the resource class name this limiter guards.
func (l *Limiter) Name() string {
	return l.name
}
