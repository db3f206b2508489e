// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory tracks per-session conversational entities so that
// follow-up turns can resolve references like "that batch" or "it"
// against what the user most recently talked about.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

// Config holds conversation memory tuning.
type Config struct {
	// SlotTTL is how long a remembered entity stays resolvable.
	// Default: 10m.
	SlotTTL time.Duration

	// SessionIdleTTL is how long a session may sit idle before the
	// eviction sweep drops it entirely. Default: 30m.
	SessionIdleTTL time.Duration

	// MaxSessions caps tracked sessions; 0 disables the cap. When the
	// cap is hit, the least recently touched session is evicted.
	MaxSessions int
}

// DefaultConfig returns memory defaults, overridable via environment:
//   - MEMORY_SLOT_TTL_SECONDS (default 600)
//   - MEMORY_SESSION_IDLE_TTL_SECONDS (default 1800)
//   - MEMORY_MAX_SESSIONS (default 10000)
func DefaultConfig() Config {
	return Config{
		SlotTTL:        time.Duration(getEnvInt("MEMORY_SLOT_TTL_SECONDS", 600)) * time.Second,
		SessionIdleTTL: time.Duration(getEnvInt("MEMORY_SESSION_IDLE_TTL_SECONDS", 1800)) * time.Second,
		MaxSessions:    getEnvInt("MEMORY_MAX_SESSIONS", 10000),
	}
}

// session is one conversation's slot state. turnMu is the outer
// serialization point handed to the pipeline; mu guards the slot map and
// is never exposed, so holding the turn lock while calling back into the
// store cannot deadlock.
type session struct {
	turnMu    sync.Mutex
	mu        sync.Mutex
	slots     map[datatypes.SlotType]datatypes.EntitySlot
	lastTouch time.Time
}

// Store is the in-process conversation memory.
//
// # Thread Safety
//
// Safe for concurrent use. TurnLock additionally hands out the
// per-session mutex so the pipeline can serialize full turns within a
// session while different sessions proceed in parallel.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	config   Config

	// now is swappable in tests.
	now func() time.Time
}

// NewStore creates a conversation memory store.
func NewStore(config Config) *Store {
	if config.SlotTTL <= 0 {
		config.SlotTTL = 10 * time.Minute
	}
	if config.SessionIdleTTL <= 0 {
		config.SessionIdleTTL = 30 * time.Minute
	}
	return &Store{
		sessions: make(map[string]*session),
		config:   config,
		now:      time.Now,
	}
}

// TurnLock returns the lock serializing turns for sessionID, creating
// the session if needed. The pipeline holds it for the duration of one
// ResolveTurn so interleaved turns in the same session cannot observe
// half-updated slot state.
func (s *Store) TurnLock(sessionID string) *sync.Mutex {
	sess := s.getOrCreate(sessionID)
	sess.mu.Lock()
	sess.lastTouch = s.now()
	sess.mu.Unlock()
	return &sess.turnMu
}

// Remember records an entity for the session, overwriting any prior
// value of the same slot type.
func (s *Store) Remember(sessionID string, slot datatypes.EntitySlot) {
	sess := s.getOrCreate(sessionID)
	now := s.now()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	slot.UpdatedAt = now
	sess.slots[slot.Type] = slot
	sess.lastTouch = now
}

// RememberAll records a batch of entities in one pass.
func (s *Store) RememberAll(sessionID string, slots []datatypes.EntitySlot) {
	if len(slots) == 0 {
		return
	}
	sess := s.getOrCreate(sessionID)
	now := s.now()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, slot := range slots {
		slot.UpdatedAt = now
		sess.slots[slot.Type] = slot
	}
	sess.lastTouch = now
}

// Resolve returns the remembered entity of the given type, if still
// fresh. Expired slots resolve as absent.
func (s *Store) Resolve(sessionID string, slotType datatypes.SlotType) (datatypes.EntitySlot, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return datatypes.EntitySlot{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	slot, ok := sess.slots[slotType]
	if !ok || s.now().Sub(slot.UpdatedAt) > s.config.SlotTTL {
		return datatypes.EntitySlot{}, false
	}
	sess.lastTouch = s.now()
	return slot, true
}

// Snapshot returns all fresh entities for a session, most recently
// updated first. Used to enrich the classification prompt.
func (s *Store) Snapshot(sessionID string) []datatypes.EntitySlot {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := s.now()
	out := make([]datatypes.EntitySlot, 0, len(sess.slots))
	for _, slot := range sess.slots {
		if now.Sub(slot.UpdatedAt) <= s.config.SlotTTL {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Clear drops all remembered entities for a session but keeps the
// session itself (and its turn lock) alive.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.slots = make(map[datatypes.SlotType]datatypes.EntitySlot)
	sess.lastTouch = s.now()
}

// EvictIdle drops sessions idle past SessionIdleTTL. Returns how many
// were removed. Called from the background scheduler.
func (s *Store) EvictIdle() int {
	cutoff := s.now().Add(-s.config.SessionIdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		// A held turn lock means a turn is mid-flight; evicting now
		// would hand the next TurnLock a fresh mutex and let two turns
		// of the same session run concurrently.
		if !sess.turnMu.TryLock() {
			continue
		}
		sess.mu.Lock()
		idle := sess.lastTouch.Before(cutoff)
		sess.mu.Unlock()
		sess.turnMu.Unlock()
		if idle {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// SessionCount reports the number of tracked sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) getOrCreate(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	if s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions {
		s.evictOldestLocked()
	}
	sess := &session{
		slots:     make(map[datatypes.SlotType]datatypes.EntitySlot),
		lastTouch: s.now(),
	}
	s.sessions[sessionID] = sess
	return sess
}

// evictOldestLocked removes the least recently touched session whose
// turn lock is free. Caller holds s.mu.
func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, sess := range s.sessions {
		if !sess.turnMu.TryLock() {
			continue
		}
		sess.mu.Lock()
		touch := sess.lastTouch
		sess.mu.Unlock()
		sess.turnMu.Unlock()
		if oldestID == "" || touch.Before(oldest) {
			oldestID = id
			oldest = touch
		}
	}
	if oldestID != "" {
		delete(s.sessions, oldestID)
	}
}
