package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fieldworks/agrihub/telemetry"
)

const (
	// DefaultAlertsURL is the active alerts endpoint of the national
	// weather service API.
	DefaultAlertsURL = "https://api.weather.gov/alerts/active"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// defaultUserAgent identifies this service to the alerts API, which
	// rejects anonymous clients.
	defaultUserAgent = "agrihub (github.com/fieldworks/agrihub)"
)

// Upstream fetches alert documents from the weather alerts API.
type Upstream struct {
	alertsURL string
	area      string
	userAgent string
	client    *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithAlertsURL sets the alerts endpoint URL.
func WithAlertsURL(url string) UpstreamOption {
	return func(u *Upstream) {
		u.alertsURL = url
	}
}

// WithArea restricts alerts to a state or marine area code, e.g. "KS".
// Empty fetches the national feed.
func WithArea(area string) UpstreamOption {
	return func(u *Upstream) {
		u.area = area
	}
}

// WithUserAgent sets the User-Agent header sent to the alerts API.
func WithUserAgent(ua string) UpstreamOption {
	return func(u *Upstream) {
		u.userAgent = ua
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// NewUpstream creates a new alerts API client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		alertsURL: DefaultAlertsURL,
		userAgent: defaultUserAgent,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "weather"),
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// FetchAlerts fetches the current active alerts document.
func (u *Upstream) FetchAlerts(ctx context.Context) (*FeatureCollection, error) {
	fetchURL := u.alertsURL
	if u.area != "" {
		fetchURL += "?area=" + url.QueryEscape(u.area)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", u.userAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("alerts api returned %d: %s", resp.StatusCode, string(body))
	}

	var fc FeatureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return nil, fmt.Errorf("decoding alerts: %w", err)
	}

	return &fc, nil
}
