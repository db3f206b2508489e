// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/TraceCommand/services/command/memory"
	"github.com/AleutianAI/TraceCommand/services/command/preview"
	"github.com/AleutianAI/TraceCommand/services/command/semcache"
)

// SchedulerConfig holds configuration for the background maintenance
// scheduler.
type SchedulerConfig struct {
	// Interval is how often the sweeps run. Default: 1 minute; token
	// expiry drives the floor since a confirm attempt between sweeps is
	// still rejected by the deadline check.
	Interval time.Duration
}

// DefaultSchedulerConfig returns scheduler defaults, overridable via
// SWEEP_INTERVAL_SECONDS.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
	}
}

// SweepResult summarizes one maintenance cycle.
type SweepResult struct {
	TokensExpired   int
	CacheRemoved    int
	SessionsEvicted int
}

// Scheduler runs the periodic maintenance sweeps off the request path:
// preview token expiry, semantic cache TTL cleanup, and idle session
// eviction. Uses the ticker + done channel pattern for graceful
// shutdown.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Only one scheduler
// should run per service instance.
type Scheduler struct {
	previews *preview.Manager
	cache    *semcache.Cache
	memory   *memory.Store
	config   SchedulerConfig

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates the maintenance scheduler.
func NewScheduler(previews *preview.Manager, cache *semcache.Cache, memoryStore *memory.Store, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Scheduler{
		previews: previews,
		cache:    cache,
		memory:   memoryStore,
		config:   config,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweeps. Returns an error if the scheduler
// is already running. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	slog.Info("maintenance scheduler starting", "interval", s.config.Interval.String())
	go s.runLoop(ctx)
	return nil
}

// Stop signals the scheduler to stop. Safe to call multiple times; does
// not interrupt a sweep already in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	slog.Info("maintenance scheduler stopping")
	close(s.done)
	s.running = false
}

// RunNow triggers one maintenance cycle immediately. Useful for tests
// and manual invocation; does not affect the scheduled cadence.
func (s *Scheduler) RunNow(ctx context.Context) SweepResult {
	return s.sweep(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance scheduler stopped by context")
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) SweepResult {
	var result SweepResult

	if s.previews != nil {
		n, err := s.previews.ExpireOverdue(ctx)
		if err != nil {
			slog.Error("token expiry sweep failed", "error", err)
		}
		result.TokensExpired = n
	}

	if s.cache != nil {
		n, err := s.cache.CleanupExpired(ctx)
		if err != nil {
			slog.Error("cache cleanup sweep failed", "error", err)
		}
		result.CacheRemoved = n
	}

	if s.memory != nil {
		result.SessionsEvicted = s.memory.EvictIdle()
	}

	if result.TokensExpired+result.CacheRemoved+result.SessionsEvicted > 0 {
		slog.Debug("maintenance sweep completed",
			"tokens_expired", result.TokensExpired,
			"cache_removed", result.CacheRemoved,
			"sessions_evicted", result.SessionsEvicted)
	}
	return result
}
