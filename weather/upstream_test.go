package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpstreamFetchAlerts(t *testing.T) {
	var gotUserAgent, gotAccept string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")

		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(`{
			"type": "FeatureCollection",
			"title": "Current watches, warnings, and advisories",
			"updated": "2025-11-02T10:30:00+00:00",
			"features": [
				{"type":"Feature","properties":{"event":"Frost Advisory"}},
				{"type":"Feature","properties":{"event":"Wind Advisory"}}
			]
		}`))
	}))
	defer server.Close()

	u := NewUpstream(WithAlertsURL(server.URL))

	fc, err := u.FetchAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, "FeatureCollection", fc.Type)
	require.Equal(t, "Current watches, warnings, and advisories", fc.Title)
	require.Len(t, fc.Features, 2)

	// The alerts API requires an identifying User-Agent
	require.NotEmpty(t, gotUserAgent)
	require.Equal(t, "application/geo+json", gotAccept)
}

func TestUpstreamFetchAlertsCustomUserAgent(t *testing.T) {
	var gotUserAgent string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer server.Close()

	u := NewUpstream(WithAlertsURL(server.URL), WithUserAgent("fieldworks-ops (ops@fieldworks.example)"))

	_, err := u.FetchAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fieldworks-ops (ops@fieldworks.example)", gotUserAgent)
}

func TestUpstreamFetchAlertsAreaFilter(t *testing.T) {
	var gotQuery string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer server.Close()

	u := NewUpstream(WithAlertsURL(server.URL), WithArea("KS"))

	_, err := u.FetchAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, "area=KS", gotQuery)
}

func TestUpstreamFetchAlertsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"detail":"maintenance"}`))
	}))
	defer server.Close()

	u := NewUpstream(WithAlertsURL(server.URL))

	_, err := u.FetchAlerts(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestUpstreamFetchAlertsBadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not geojson`))
	}))
	defer server.Close()

	u := NewUpstream(WithAlertsURL(server.URL))

	_, err := u.FetchAlerts(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decoding alerts")
}

func TestUpstreamFetchAlertsContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	u := NewUpstream(WithAlertsURL(server.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.FetchAlerts(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
