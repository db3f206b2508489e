// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package preview implements the two-phase confirm/cancel state machine
// guarding state-changing tool execution. A mutating intent is staged
// behind a short-lived, single-use, user-scoped token; only an explicit
// confirm within the TTL releases the action.
//
// Thread Safety:
//
//	Manager is safe for concurrent use. Every status transition runs
//	inside a badger transaction under the mutation lock, so a token
//	reaches exactly one terminal state even when confirm and the expiry
//	sweep race on it.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

// Sentinel errors for transition failures. Callers map these onto
// user-facing responses; none of them indicates a storage fault.
var (
	ErrTokenNotFound = errors.New("preview token not found")
	ErrUserMismatch  = errors.New("preview token belongs to a different user")
	ErrNotPending    = errors.New("preview token is no longer pending")
	ErrTokenExpired  = errors.New("preview token has expired")
)

var (
	tokensStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracecommand_preview_tokens_staged_total",
		Help: "Total preview tokens staged",
	})
	tokenTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracecommand_preview_token_transitions_total",
		Help: "Total terminal token transitions by outcome",
	}, []string{"outcome"})
	pendingSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracecommand_preview_tokens_superseded_total",
		Help: "Total pending tokens auto-cancelled by a newer staging",
	})
)

const (
	tokenKeyPrefix   = "token/"
	pendingKeyPrefix = "pending/"

	supersededMessage = "superseded by a newer preview for the same action"
	expiredMessage    = "preview expired without confirmation"
)

// Config holds token manager tuning.
type Config struct {
	// TTL is the default preview lifetime. Default: 5m.
	TTL time.Duration
}

// DefaultConfig returns manager defaults, overridable via
// PREVIEW_TOKEN_TTL_SECONDS.
func DefaultConfig() Config {
	return Config{
		TTL: time.Duration(getEnvInt("PREVIEW_TOKEN_TTL_SECONDS", 300)) * time.Second,
	}
}

// Manager owns preview token persistence and transitions.
type Manager struct {
	db     *badger.DB
	config Config

	// mu is the mutation lock: all writes to token state go through it,
	// which is what makes a transition a compare-and-set rather than a
	// racy read-then-write.
	mu sync.Mutex

	// now is swappable in tests.
	now func() time.Time
}

// NewManager creates a token manager over an open badger store.
func NewManager(db *badger.DB, config Config) (*Manager, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	return &Manager{db: db, config: config, now: time.Now}, nil
}

func tokenKey(token string) []byte {
	return []byte(tokenKeyPrefix + token)
}

// pendingKey indexes the single allowed PENDING token per
// (factory, user, intent) triple.
func pendingKey(factoryID, userID, intentCode string) []byte {
	return []byte(pendingKeyPrefix + factoryID + "/" + userID + "/" + intentCode)
}

// Stage creates a new PENDING token for a mutating action, first
// cancelling any prior PENDING token for the same (factory, user,
// intent) triple. At most one outstanding preview per user per intent.
func (m *Manager) Stage(ctx context.Context, factoryID, userID, intentCode string, params map[string]string) (*datatypes.IntentPreviewToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	token := &datatypes.IntentPreviewToken{
		Token:      uuid.NewString(),
		FactoryID:  factoryID,
		UserID:     userID,
		IntentCode: intentCode,
		Status:     datatypes.TokenPending,
		Params:     params,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.config.TTL),
	}

	err := m.db.Update(func(txn *badger.Txn) error {
		pKey := pendingKey(factoryID, userID, intentCode)

		// Cancel the prior pending token for this triple, if any.
		if item, err := txn.Get(pKey); err == nil {
			var priorToken string
			if err := item.Value(func(val []byte) error {
				priorToken = string(val)
				return nil
			}); err != nil {
				return err
			}
			if prior, err := readToken(txn, priorToken); err == nil && prior.Status == datatypes.TokenPending {
				resolveToken(prior, datatypes.TokenCancelled, supersededMessage, now)
				if err := writeToken(txn, prior); err != nil {
					return err
				}
				pendingSuperseded.Inc()
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := writeToken(txn, token); err != nil {
			return err
		}
		return txn.Set(pKey, []byte(token.Token))
	})
	if err != nil {
		return nil, fmt.Errorf("staging preview token: %w", err)
	}

	tokensStaged.Inc()
	slog.Debug("preview token staged",
		"factory_id", factoryID, "intent_code", intentCode, "expires_at", token.ExpiresAt)
	return token, nil
}

// Confirm transitions PENDING -> CONFIRMED for the owning user within
// the TTL and returns the staged token so the caller can execute it.
// A token found past its deadline is expired in the same transaction
// and ErrTokenExpired is returned; confirm never wins after expiry.
func (m *Manager) Confirm(ctx context.Context, token, userID string) (*datatypes.IntentPreviewToken, error) {
	return m.resolve(ctx, token, userID, datatypes.TokenConfirmed, "confirmed by user")
}

// Cancel transitions PENDING -> CANCELLED, same matching rules as
// Confirm: a token found past its deadline is expired instead, not
// cancelled.
func (m *Manager) Cancel(ctx context.Context, token, userID string) (*datatypes.IntentPreviewToken, error) {
	return m.resolve(ctx, token, userID, datatypes.TokenCancelled, "cancelled by user")
}

func (m *Manager) resolve(ctx context.Context, token, userID string, target datatypes.TokenStatus, message string) (*datatypes.IntentPreviewToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var resolved *datatypes.IntentPreviewToken
	deadlinePassed := false
	err := m.db.Update(func(txn *badger.Txn) error {
		current, err := readToken(txn, token)
		if err != nil {
			return err
		}
		if current.UserID != userID {
			return ErrUserMismatch
		}
		if current.Status != datatypes.TokenPending {
			return fmt.Errorf("%w: status is %s", ErrNotPending, current.Status)
		}

		now := m.now()
		status, resolution := target, message
		if !now.Before(current.ExpiresAt) {
			// Returning an error here would roll the transaction back
			// and leave the token PENDING, so the expiry is committed
			// and the error raised after the Update returns.
			status, resolution = datatypes.TokenExpired, expiredMessage
			deadlinePassed = true
		}

		resolveToken(current, status, resolution, now)
		if err := writeToken(txn, current); err != nil {
			return err
		}
		if err := txn.Delete(pendingKey(current.FactoryID, current.UserID, current.IntentCode)); err != nil {
			return err
		}
		resolved = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if deadlinePassed {
		tokenTransitions.WithLabelValues(string(datatypes.TokenExpired)).Inc()
		return nil, ErrTokenExpired
	}
	tokenTransitions.WithLabelValues(string(target)).Inc()
	return resolved, nil
}

// Get returns the token by id, regardless of status.
func (m *Manager) Get(token string) (*datatypes.IntentPreviewToken, error) {
	var out *datatypes.IntentPreviewToken
	err := m.db.View(func(txn *badger.Txn) error {
		t, err := readToken(txn, token)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireOverdue transitions every PENDING token past its deadline to
// EXPIRED. Runs from the background sweep, never on the request path.
// Returns how many tokens were expired.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := 0

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(tokenKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var token datatypes.IntentPreviewToken
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &token)
			}); err != nil {
				slog.Warn("skipping unreadable preview token", "error", err)
				continue
			}
			if token.Status != datatypes.TokenPending || now.Before(token.ExpiresAt) {
				continue
			}

			resolveToken(&token, datatypes.TokenExpired, expiredMessage, now)
			if err := writeToken(txn, &token); err != nil {
				return err
			}
			if err := txn.Delete(pendingKey(token.FactoryID, token.UserID, token.IntentCode)); err != nil {
				return err
			}
			tokenTransitions.WithLabelValues(string(datatypes.TokenExpired)).Inc()
			expired++
		}
		return nil
	})
	if err != nil {
		return expired, fmt.Errorf("expiring overdue tokens: %w", err)
	}

	if expired > 0 {
		slog.Info("expired overdue preview tokens", "count", expired)
	}
	return expired, nil
}

// resolveToken applies a terminal transition in place.
func resolveToken(t *datatypes.IntentPreviewToken, status datatypes.TokenStatus, message string, at time.Time) {
	t.Status = status
	t.ResolvedAt = &at
	t.ResolutionMessage = message
}

func readToken(txn *badger.Txn, token string) (*datatypes.IntentPreviewToken, error) {
	item, err := txn.Get(tokenKey(token))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	var out datatypes.IntentPreviewToken
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	}); err != nil {
		return nil, fmt.Errorf("decoding preview token: %w", err)
	}
	return &out, nil
}

func writeToken(txn *badger.Txn, t *datatypes.IntentPreviewToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding preview token: %w", err)
	}
	return txn.Set(tokenKey(t.Token), data)
}
