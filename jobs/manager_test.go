package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldworks/agrihub/signedurl"
	"github.com/fieldworks/agrihub/store"
	"github.com/fieldworks/agrihub/weather"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct{}

func (stubProvider) GenerateSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.example.com/blobs/" + key + "?sig=test", nil
}

func (stubProvider) Delete(context.Context, string) error { return nil }

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *stubFetcher) FetchAlerts(context.Context) (*weather.FeatureCollection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &weather.FeatureCollection{Type: "FeatureCollection"}, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(store.WithLogger(testLogger()))
	require.NoError(t, st.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newExpiredURLCache returns a cache whose entries are born expired, so a
// sweep always has something to remove. The margin exceeding the TTL is the
// trick: expiry is computed as now+ttl-margin.
func newExpiredURLCache(t *testing.T, keys ...string) *signedurl.Cache {
	t.Helper()
	urls := signedurl.New(stubProvider{},
		signedurl.WithLogger(testLogger()),
		signedurl.WithTTL(time.Minute),
		signedurl.WithMargin(2*time.Minute),
	)
	for _, key := range keys {
		_, err := urls.GetSignedURL(context.Background(), key, false)
		require.NoError(t, err)
	}
	require.Equal(t, len(keys), urls.Size())
	return urls
}

func TestManagerRunOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	urls := newExpiredURLCache(t, "aa/one", "bb/two")
	fetcher := &stubFetcher{}
	alerts := weather.NewCache(fetcher, weather.WithLogger(testLogger()))

	user := &store.User{Email: "amara@example.com", Name: "Amara"}
	require.NoError(t, st.CreateUser(ctx, user))

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()
	require.NoError(t, st.PutSession(ctx, &store.Session{
		Token: "expired", UserID: user.ID, CreatedAt: past, ExpiresAt: past,
	}))
	require.NoError(t, st.PutSession(ctx, &store.Session{
		Token: "live", UserID: user.ID, CreatedAt: past, ExpiresAt: future,
	}))

	cfg := DefaultConfig()
	cfg.Logger = testLogger()
	mgr := NewManager(urls, alerts, st, cfg)
	result := mgr.RunOnce(ctx)

	require.Equal(t, 2, result.URLsSwept)
	require.Equal(t, 1, result.SessionsSwept)
	require.True(t, result.AlertsRefreshed)
	require.Equal(t, 0, result.Errors)
	require.Equal(t, 1, fetcher.callCount())

	// Live session survives the sweep
	_, err := st.GetSession(ctx, "live")
	require.NoError(t, err)
	_, err = st.GetSession(ctx, "expired")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerRunOnceNothingToSweep(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	urls := signedurl.New(stubProvider{}, signedurl.WithLogger(testLogger()))

	mgr := NewManager(urls, nil, st, Config{Logger: testLogger()})
	result := mgr.RunOnce(ctx)

	require.Equal(t, 0, result.URLsSwept)
	require.Equal(t, 0, result.SessionsSwept)
	require.False(t, result.AlertsRefreshed)
	require.Equal(t, 0, result.Errors)
}

func TestManagerRunOnceAlertsError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	urls := signedurl.New(stubProvider{}, signedurl.WithLogger(testLogger()))
	fetcher := &stubFetcher{err: errors.New("upstream down")}
	alerts := weather.NewCache(fetcher, weather.WithLogger(testLogger()))

	cfg := DefaultConfig()
	cfg.Logger = testLogger()
	mgr := NewManager(urls, alerts, st, cfg)
	result := mgr.RunOnce(ctx)

	require.False(t, result.AlertsRefreshed)
	require.Equal(t, 1, result.Errors)
}

func TestManagerSkipsAlertsWhenDisabled(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	urls := signedurl.New(stubProvider{}, signedurl.WithLogger(testLogger()))
	fetcher := &stubFetcher{}
	alerts := weather.NewCache(fetcher, weather.WithLogger(testLogger()))

	cfg := Config{RefreshAlerts: false, Logger: testLogger()}
	mgr := NewManager(urls, alerts, st, cfg)
	result := mgr.RunOnce(ctx)

	require.False(t, result.AlertsRefreshed)
	require.Equal(t, 0, fetcher.callCount())
}

func TestManagerBackgroundRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	urls := signedurl.New(stubProvider{}, signedurl.WithLogger(testLogger()))
	fetcher := &stubFetcher{}
	alerts := weather.NewCache(fetcher, weather.WithLogger(testLogger()))

	cfg := Config{
		Interval:      50 * time.Millisecond,
		RefreshAlerts: true,
		Logger:        testLogger(),
	}
	mgr := NewManager(urls, alerts, st, cfg)

	// Start manager
	err := mgr.Start(ctx)
	require.NoError(t, err)

	// Starting again is a no-op
	err = mgr.Start(ctx)
	require.NoError(t, err)

	// Let it run a couple cycles
	time.Sleep(150 * time.Millisecond)

	// Stop manager
	mgr.Stop()

	// Should be able to stop again without issue
	mgr.Stop()

	// Ran immediately on start plus at least one tick
	require.GreaterOrEqual(t, fetcher.callCount(), 2)
}
