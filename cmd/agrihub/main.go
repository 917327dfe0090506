// Command agrihub runs the farming community platform server: forum,
// market prices, weather alerts, and shared file storage behind one API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/fieldworks/agrihub/server"
	"github.com/fieldworks/agrihub/telemetry"
)

// version is stamped at build time via -ldflags.
var version = "dev"

type cli struct {
	Address       string `help:"Address to listen on." default:":8080" env:"AGRIHUB_ADDRESS"`
	DataDir       string `help:"Directory for the database and uploaded files." default:"./data" env:"AGRIHUB_DATA_DIR"`
	PublicBaseURL string `name:"public-base-url" help:"Externally reachable base URL that signed download links are built on." default:"http://localhost:8080" env:"AGRIHUB_PUBLIC_BASE_URL"`
	SigningSecret string `help:"Secret keying signed download URLs. Random per start when unset." env:"AGRIHUB_SIGNING_SECRET"`
	AdminToken    string `help:"Static bearer token granting admin endpoints." env:"AGRIHUB_ADMIN_TOKEN"`

	SessionTTL      time.Duration `name:"session-ttl" help:"Login session lifetime." default:"720h" env:"AGRIHUB_SESSION_TTL"`
	SignedURLTTL    time.Duration `name:"signed-url-ttl" help:"Signed download URL lifetime." default:"1h" env:"AGRIHUB_SIGNED_URL_TTL"`
	SignedURLMargin time.Duration `name:"signed-url-margin" help:"Margin before expiry under which cached URLs are re-signed." default:"5m" env:"AGRIHUB_SIGNED_URL_MARGIN"`
	CleanupInterval time.Duration `help:"How often expired URLs and sessions are swept." default:"1h" env:"AGRIHUB_CLEANUP_INTERVAL"`

	AlertsURL     string `name:"alerts-url" help:"Weather alerts feed URL (default: national active-alerts API)." env:"AGRIHUB_ALERTS_URL"`
	AlertsArea    string `help:"Optional area filter for the alerts feed." env:"AGRIHUB_ALERTS_AREA"`
	RefreshAlerts bool   `help:"Keep the alerts cache warm from the maintenance cycle." default:"true" negatable:"" env:"AGRIHUB_REFRESH_ALERTS"`

	OAuthAudience string `name:"oauth-audience" help:"Expected audience for OAuth ID tokens. Empty disables OAuth login." env:"AGRIHUB_OAUTH_AUDIENCE"`

	MaxUploadSize int64 `help:"Maximum upload size in bytes." default:"10485760" env:"AGRIHUB_MAX_UPLOAD_SIZE"`
	MaxConns      int   `help:"Maximum concurrent connections (0 = unlimited)." env:"AGRIHUB_MAX_CONNS"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"AGRIHUB_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"AGRIHUB_LOG_FORMAT"`

	OTLPEndpoint   string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metric export. Empty disables export." env:"AGRIHUB_OTLP_ENDPOINT"`
	MetricsEnabled bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"AGRIHUB_METRICS_ENABLED"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is optional; real environment variables win either way.
	_ = godotenv.Load()

	var flags cli
	kong.Parse(&flags,
		kong.Name("agrihub"),
		kong.Description("Community platform server for smallholder farming: forum, market prices, weather alerts, and file sharing."),
		kong.Vars{"version": version},
	)

	// Setup logger
	var level slog.Level
	switch flags.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", flags.LogLevel)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return fmt.Errorf("invalid log format: %s", flags.LogFormat)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup metrics
	if flags.MetricsEnabled || flags.OTLPEndpoint != "" {
		shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "agrihub",
			ServiceVersion:   version,
			OTLPEndpoint:     flags.OTLPEndpoint,
			EnablePrometheus: flags.MetricsEnabled,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownMetrics(flushCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	// Create server
	srv, err := server.New(server.Config{
		Address:         flags.Address,
		DataDir:         flags.DataDir,
		PublicBaseURL:   flags.PublicBaseURL,
		SigningSecret:   flags.SigningSecret,
		AdminToken:      flags.AdminToken,
		SessionTTL:      flags.SessionTTL,
		SignedURLTTL:    flags.SignedURLTTL,
		SignedURLMargin: flags.SignedURLMargin,
		CleanupInterval: flags.CleanupInterval,
		AlertsURL:       flags.AlertsURL,
		AlertsArea:      flags.AlertsArea,
		RefreshAlerts:   flags.RefreshAlerts,
		OAuthAudience:   flags.OAuthAudience,
		MaxUploadSize:   flags.MaxUploadSize,
		MaxConns:        flags.MaxConns,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"version", version,
		"public_base_url", flags.PublicBaseURL,
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// Graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
