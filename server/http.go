// Package server wires the platform HTTP API: accounts and sessions, the
// community forum, market prices, file uploads with signed blob reads, and
// the weather alerts feed.
package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/fieldworks/agrihub/auth"
	"github.com/fieldworks/agrihub/blob"
	"github.com/fieldworks/agrihub/forum"
	"github.com/fieldworks/agrihub/httpapi"
	"github.com/fieldworks/agrihub/jobs"
	"github.com/fieldworks/agrihub/market"
	"github.com/fieldworks/agrihub/signedurl"
	"github.com/fieldworks/agrihub/store"
	"github.com/fieldworks/agrihub/telemetry"
	"github.com/fieldworks/agrihub/uploads"
	"github.com/fieldworks/agrihub/weather"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataDir is the root directory for the database and blob storage
	DataDir string

	// PublicBaseURL is the externally reachable base URL that signed
	// download links are built on (e.g., "https://agrihub.example.com")
	PublicBaseURL string

	// SigningSecret keys blob URL signatures. When empty an ephemeral
	// secret is generated, so issued URLs stop verifying after a restart.
	SigningSecret string

	// AdminToken is a static bearer token granting admin access.
	// Empty disables token-based admin access; admin-role users still work.
	AdminToken string

	// SessionTTL is how long login sessions stay valid.
	// Default is 30 days.
	SessionTTL time.Duration

	// SignedURLTTL is the validity requested for each signed URL.
	// Default is 1 hour.
	SignedURLTTL time.Duration

	// SignedURLMargin is the safety margin under which cached signed URLs
	// are re-minted. Default is 5 minutes.
	SignedURLMargin time.Duration

	// CleanupInterval is how often the maintenance cycle runs.
	// Default is 1 hour.
	CleanupInterval time.Duration

	// AlertsURL is the weather alerts feed endpoint.
	// Default is the national active-alerts API.
	AlertsURL string

	// AlertsArea optionally narrows the alerts feed to one area code.
	AlertsArea string

	// RefreshAlerts keeps the alerts cache warm from the maintenance
	// cycle instead of only fetching on demand.
	RefreshAlerts bool

	// OAuthAudience is the expected audience for OAuth ID tokens.
	// Empty disables OAuth login.
	OAuthAudience string

	// MaxUploadSize caps uploaded files in bytes. Default is 10 MiB.
	MaxUploadSize int64

	// MaxConns caps concurrent connections. Zero means no cap.
	MaxConns int

	// Logger for the server
	Logger *slog.Logger
}

// Server is the platform HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store    *store.Store
	provider *blob.Local
	urls     *signedurl.Cache
	sessions *auth.Sessions
	verifier auth.OAuthVerifier
	alerts   *weather.Cache

	blobs   *blob.Handler
	weather *weather.Handler
	forum   *forum.Handler
	market  *market.Handler
	uploads *uploads.Handler
	jobs    *jobs.Manager
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:8080"
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	// Initialize the database
	st := store.New(store.WithLogger(cfg.Logger.With("component", "store")))
	if err := st.Open(filepath.Join(cfg.DataDir, "agrihub.db")); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// Initialize blob storage and URL signing
	fsBackend, err := blob.NewFilesystem(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("creating blob filesystem: %w", err)
	}
	backend := blob.NewInstrumentedBackend(fsBackend, "filesystem")

	secret := []byte(cfg.SigningSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating signing secret: %w", err)
		}
		cfg.Logger.Warn("no signing secret configured, using an ephemeral one; signed urls will not survive restarts")
	}
	signer, err := blob.NewSigner(secret)
	if err != nil {
		return nil, fmt.Errorf("creating url signer: %w", err)
	}

	provider, err := blob.NewLocal(blob.LocalConfig{
		Backend: backend,
		Signer:  signer,
		BaseURL: cfg.PublicBaseURL,
		Logger:  cfg.Logger.With("component", "blob"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating blob provider: %w", err)
	}

	urlOpts := []signedurl.Option{signedurl.WithLogger(cfg.Logger.With("component", "signedurl"))}
	if cfg.SignedURLTTL > 0 {
		urlOpts = append(urlOpts, signedurl.WithTTL(cfg.SignedURLTTL))
	}
	if cfg.SignedURLMargin > 0 {
		urlOpts = append(urlOpts, signedurl.WithMargin(cfg.SignedURLMargin))
	}
	urls := signedurl.New(provider, urlOpts...)

	// Initialize sessions and OAuth verification
	sessionOpts := []auth.SessionsOption{auth.WithSessionLogger(cfg.Logger.With("component", "sessions"))}
	if cfg.SessionTTL > 0 {
		sessionOpts = append(sessionOpts, auth.WithSessionTTL(cfg.SessionTTL))
	}
	sessions := auth.NewSessions(st, sessionOpts...)

	var verifier auth.OAuthVerifier
	if cfg.OAuthAudience != "" {
		verifier = auth.NewTokeninfoVerifier(cfg.OAuthAudience)
	}

	// Initialize the weather alerts cache
	alertOpts := []weather.UpstreamOption{}
	if cfg.AlertsURL != "" {
		alertOpts = append(alertOpts, weather.WithAlertsURL(cfg.AlertsURL))
	}
	if cfg.AlertsArea != "" {
		alertOpts = append(alertOpts, weather.WithArea(cfg.AlertsArea))
	}
	alertsUpstream := weather.NewUpstream(alertOpts...)
	alerts := weather.NewCache(alertsUpstream, weather.WithLogger(cfg.Logger.With("component", "weather")))

	// Initialize HTTP handlers
	uploadOpts := []uploads.Option{}
	if cfg.MaxUploadSize > 0 {
		uploadOpts = append(uploadOpts, uploads.WithMaxUploadSize(cfg.MaxUploadSize))
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		store:    st,
		provider: provider,
		urls:     urls,
		sessions: sessions,
		verifier: verifier,
		alerts:   alerts,
		blobs:    blob.NewHandler(provider, cfg.Logger.With("component", "blobs")),
		weather:  weather.NewHandler(alerts, cfg.Logger.With("component", "weather")),
		forum:    forum.NewHandler(st, cfg.Logger.With("component", "forum")),
		market:   market.NewHandler(st, cfg.Logger.With("component", "market")),
		uploads:  uploads.NewHandler(st, provider, urls, cfg.Logger.With("component", "uploads"), uploadOpts...),
	}

	s.jobs = jobs.NewManager(urls, alerts, st, jobs.Config{
		Interval:      cfg.CleanupInterval,
		RefreshAlerts: cfg.RefreshAlerts,
		Logger:        cfg.Logger.With("component", "jobs"),
	})

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.sessionMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // Long timeout for large blob downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Accounts and sessions
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/oauth", s.handleOAuth)
	mux.HandleFunc("POST /auth/oauth/link", s.requireUser(s.handleOAuthLink))
	mux.HandleFunc("POST /auth/logout", s.requireUser(s.handleLogout))
	mux.HandleFunc("GET /auth/me", s.requireUser(s.handleMe))

	// Weather alerts
	mux.HandleFunc("GET /weather/alerts", s.weather.GetAlerts)
	mux.HandleFunc("GET /weather/alerts/status", s.requireAdmin(s.weather.GetStatus))
	mux.HandleFunc("POST /weather/alerts/refresh", s.requireAdmin(s.weather.Refresh))

	// Community forum
	mux.HandleFunc("GET /forum/threads", s.forum.ListThreads)
	mux.HandleFunc("POST /forum/threads", s.requireUser(s.forum.CreateThread))
	mux.HandleFunc("GET /forum/threads/{id}", s.forum.GetThread)
	mux.HandleFunc("POST /forum/threads/{id}/messages", s.requireUser(s.forum.CreateMessage))
	mux.HandleFunc("DELETE /forum/messages/{id}", s.requireUser(s.forum.DeleteMessage))

	// Market products and prices
	mux.HandleFunc("GET /market/products", s.market.ListProducts)
	mux.HandleFunc("POST /market/products", s.requireUser(s.market.CreateProduct))
	mux.HandleFunc("GET /market/products/{id}", s.market.GetProduct)
	mux.HandleFunc("GET /market/products/{id}/prices", s.market.ListPrices)
	mux.HandleFunc("POST /market/products/{id}/prices", s.requireUser(s.market.ReportPrice))
	mux.HandleFunc("GET /market/products/{id}/prices/summary", s.market.GetPriceSummary)

	// File uploads and signed blob reads
	mux.HandleFunc("POST /files", s.requireUser(s.uploads.Create))
	mux.HandleFunc("GET /files/{id}", s.uploads.Get)
	mux.HandleFunc("DELETE /files/{id}", s.requireUser(s.uploads.Delete))
	s.blobs.Register(mux)

	// Admin
	mux.HandleFunc("GET /stats", s.requireAdmin(s.handleStats))
	mux.HandleFunc("POST /admin/cache/clean", s.requireAdmin(s.handleCacheClean))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Platform  *store.Stats   `json:"platform"`
	URLCache  urlCacheStats  `json:"signedUrlCache"`
	Alerts    weather.Status `json:"alerts"`
	Timestamp time.Time      `json:"timestamp"`
}

type urlCacheStats struct {
	Entries int `json:"entries"`
}

// handleStats reports platform entity counts and cache state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "admin")

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to gather stats", err)
		return
	}

	httpapi.JSON(w, http.StatusOK, statsResponse{
		Platform:  stats,
		URLCache:  urlCacheStats{Entries: s.urls.Size()},
		Alerts:    s.alerts.Status(),
		Timestamp: time.Now().UTC(),
	})
}

// handleCacheClean forces a sweep of expired signed URLs.
func (s *Server) handleCacheClean(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "admin")

	removed := s.urls.CleanExpired()
	s.logger.Info("forced signed url sweep", "removed", removed)

	httpapi.JSON(w, http.StatusOK, struct {
		Removed int `json:"removed"`
	}{Removed: removed})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Derive the platform area from the path (simple prefix matching)
		area := deriveArea(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Area classification (for filtering/grouping)
			"area", area,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and its background maintenance.
func (s *Server) Start() error {
	s.logger.Info("starting maintenance manager",
		"interval", s.config.CleanupInterval,
		"refresh_alerts", s.config.RefreshAlerts,
	)
	if err := s.jobs.Start(context.Background()); err != nil {
		return fmt.Errorf("starting maintenance manager: %w", err)
	}

	// The maintenance cycle warms the alerts cache when refreshes are on;
	// otherwise do one best-effort populate so first readers do not wait.
	if !s.config.RefreshAlerts {
		go s.populateAlerts()
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	if s.config.MaxConns > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConns)
	}

	s.logger.Info("starting server", "address", s.config.Address, "max_conns", s.config.MaxConns)
	return s.httpServer.Serve(listener)
}

func (s *Server) populateAlerts() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.alerts.Refresh(ctx); err != nil {
		s.logger.Warn("initial weather alerts fetch failed", "error", err)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.jobs.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveArea extracts the platform area from the request path.
func deriveArea(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case len(path) >= 6 && path[:6] == "/auth/":
		return "auth"
	case len(path) >= 9 && path[:9] == "/weather/":
		return "weather"
	case len(path) >= 7 && path[:7] == "/forum/":
		return "forum"
	case len(path) >= 8 && path[:8] == "/market/":
		return "market"
	case path == "/files" || (len(path) >= 7 && path[:7] == "/files/"):
		return "files"
	case len(path) >= 7 && path[:7] == "/blobs/":
		return "files"
	case len(path) >= 7 && path[:7] == "/admin/":
		return "admin"
	default:
		return "unknown"
	}
}
