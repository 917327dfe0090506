package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := &Session{
		Token:     "tok-1",
		UserID:    "user-1",
		CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2024, 3, 31, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	_, err = s.GetSession(ctx, "tok-unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutSession(ctx, &Session{Token: "tok-1", UserID: "user-1"}))
	require.NoError(t, s.DeleteSession(ctx, "tok-1"))

	_, err := s.GetSession(ctx, "tok-1")
	require.ErrorIs(t, err, ErrNotFound)

	// Unknown tokens delete without error.
	require.NoError(t, s.DeleteSession(ctx, "tok-1"))
}

func TestSweepSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithNow(func() time.Time { return now }))

	sessions := []*Session{
		{Token: "expired-1", UserID: "u1", ExpiresAt: now.Add(-time.Hour)},
		{Token: "expired-at-boundary", UserID: "u2", ExpiresAt: now},
		{Token: "live-1", UserID: "u3", ExpiresAt: now.Add(time.Hour)},
		{Token: "live-2", UserID: "u4", ExpiresAt: now.Add(24 * time.Hour)},
	}
	for _, sess := range sessions {
		require.NoError(t, s.PutSession(ctx, sess))
	}

	removed, err := s.SweepSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.GetSession(ctx, "expired-1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, "expired-at-boundary")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetSession(ctx, "live-1")
	require.NoError(t, err)
	_, err = s.GetSession(ctx, "live-2")
	require.NoError(t, err)

	t.Run("sweep is idempotent", func(t *testing.T) {
		removed, err := s.SweepSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})
}
