package weather

import (
	"log/slog"
	"net/http"

	"github.com/fieldworks/agrihub/httpapi"
	"github.com/fieldworks/agrihub/telemetry"
)

// Handler exposes the alerts cache over HTTP. Route registration and admin
// guarding happen in the server package.
type Handler struct {
	cache  *Cache
	logger *slog.Logger
}

// NewHandler creates a weather HTTP handler.
func NewHandler(cache *Cache, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cache: cache, logger: logger}
}

// GetAlerts handles GET /weather/alerts.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "weather")

	alerts, err := h.cache.Alerts(r.Context())
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to fetch weather alerts", err)
		return
	}
	httpapi.JSON(w, http.StatusOK, alerts)
}

// GetStatus handles GET /weather/alerts/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "weather")
	httpapi.JSON(w, http.StatusOK, h.cache.Status())
}

// Refresh handles POST /weather/alerts/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "weather")

	alerts, err := h.cache.Refresh(r.Context())
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to refresh weather alerts", err)
		return
	}
	httpapi.JSON(w, http.StatusOK, alerts)
}
