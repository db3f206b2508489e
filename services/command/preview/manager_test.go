// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package preview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
	"github.com/AleutianAI/TraceCommand/services/command/storage/badgerdb"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(db, Config{TTL: 5 * time.Minute})
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestStageAndConfirm(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	staged, err := m.Stage(ctx, "factory-1", "user-1", "CANCEL_ORDER", map[string]string{"order_id": "O-7"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenPending, staged.Status)
	assert.Nil(t, staged.ResolvedAt)
	assert.Equal(t, staged.CreatedAt.Add(5*time.Minute), staged.ExpiresAt)

	confirmed, err := m.Confirm(ctx, staged.Token, "user-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ResolvedAt)
	assert.Equal(t, "O-7", confirmed.Params["order_id"])
}

func TestStage_SupersedesPriorPending(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Stage(ctx, "factory-1", "user-1", "CANCEL_ORDER", map[string]string{"order_id": "O-1"})
	require.NoError(t, err)
	second, err := m.Stage(ctx, "factory-1", "user-1", "CANCEL_ORDER", map[string]string{"order_id": "O-2"})
	require.NoError(t, err)

	prior, err := m.Get(first.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenCancelled, prior.Status)
	assert.NotNil(t, prior.ResolvedAt)

	current, err := m.Get(second.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenPending, current.Status)

	// Different intent or user keeps its own pending token.
	other, err := m.Stage(ctx, "factory-1", "user-2", "CANCEL_ORDER", nil)
	require.NoError(t, err)
	current, err = m.Get(second.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenPending, current.Status)
	assert.Equal(t, datatypes.TokenPending, other.Status)
}

func TestConfirm_WrongUser(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	staged, err := m.Stage(ctx, "factory-1", "user-1", "HOLD_BATCH", nil)
	require.NoError(t, err)

	_, err = m.Confirm(ctx, staged.Token, "intruder")
	assert.True(t, errors.Is(err, ErrUserMismatch))

	current, err := m.Get(staged.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenPending, current.Status, "failed confirm must not change state")
}

func TestConfirm_UnknownToken(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Confirm(context.Background(), "no-such-token", "user-1")
	assert.True(t, errors.Is(err, ErrTokenNotFound))
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	staged, err := m.Stage(ctx, "factory-1", "user-1", "HOLD_BATCH", nil)
	require.NoError(t, err)
	cancelled, err := m.Cancel(ctx, staged.Token, "user-1")
	require.NoError(t, err)
	resolvedAt := *cancelled.ResolvedAt

	_, err = m.Confirm(ctx, staged.Token, "user-1")
	assert.True(t, errors.Is(err, ErrNotPending))
	_, err = m.Cancel(ctx, staged.Token, "user-1")
	assert.True(t, errors.Is(err, ErrNotPending))

	current, err := m.Get(staged.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenCancelled, current.Status)
	assert.Equal(t, resolvedAt, *current.ResolvedAt, "resolvedAt never changes after the terminal transition")
}

func TestConfirm_AfterDeadlineExpires(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	staged, err := m.Stage(ctx, "factory-1", "user-1", "CANCEL_ORDER", map[string]string{"order_id": "O-9"})
	require.NoError(t, err)

	*now = now.Add(6 * time.Minute)
	_, err = m.Confirm(ctx, staged.Token, "user-1")
	assert.True(t, errors.Is(err, ErrTokenExpired))

	current, err := m.Get(staged.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenExpired, current.Status)

	// The expiry committed, so a retry sees the terminal state.
	_, err = m.Confirm(ctx, staged.Token, "user-1")
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestCancel_AfterDeadlineExpires(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	staged, err := m.Stage(ctx, "factory-1", "user-1", "HOLD_BATCH", nil)
	require.NoError(t, err)

	*now = now.Add(6 * time.Minute)
	_, err = m.Cancel(ctx, staged.Token, "user-1")
	assert.True(t, errors.Is(err, ErrTokenExpired))

	current, err := m.Get(staged.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenExpired, current.Status)
}

func TestExpireOverdue(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	overdue, err := m.Stage(ctx, "factory-1", "user-1", "CANCEL_ORDER", nil)
	require.NoError(t, err)
	*now = now.Add(3 * time.Minute)
	fresh, err := m.Stage(ctx, "factory-1", "user-1", "HOLD_BATCH", nil)
	require.NoError(t, err)

	*now = now.Add(3 * time.Minute) // overdue is 6m old, fresh is 3m old
	expired, err := m.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	first, err := m.Get(overdue.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenExpired, first.Status)
	assert.Equal(t, expiredMessage, first.ResolutionMessage)

	second, err := m.Get(fresh.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenPending, second.Status)
}

func TestConcurrentConfirmAndExpire_OneWinner(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	staged, err := m.Stage(ctx, "factory-1", "user-1", "CANCEL_ORDER", nil)
	require.NoError(t, err)
	*now = now.Add(6 * time.Minute) // past the deadline: both paths race to expire/confirm

	var wg sync.WaitGroup
	var confirmErr error
	var sweepErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = m.Confirm(ctx, staged.Token, "user-1")
	}()
	go func() {
		defer wg.Done()
		_, sweepErr = m.ExpireOverdue(ctx)
	}()
	wg.Wait()

	require.NoError(t, sweepErr)
	require.Error(t, confirmErr, "confirm after the deadline must fail regardless of who ran first")
	assert.True(t, errors.Is(confirmErr, ErrTokenExpired) || errors.Is(confirmErr, ErrNotPending))

	current, err := m.Get(staged.Token)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TokenExpired, current.Status)
	require.NotNil(t, current.ResolvedAt)
}

func TestConcurrentConfirms_ExactlyOneSucceeds(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	staged, err := m.Stage(ctx, "factory-1", "user-1", "CANCEL_ORDER", nil)
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Confirm(ctx, staged.Token, "user-1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, ErrNotPending))
		}
	}
	assert.Equal(t, 1, succeeded)
}
