// Package market exposes products and reported market prices over HTTP.
package market

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fieldworks/agrihub/auth"
	"github.com/fieldworks/agrihub/httpapi"
	"github.com/fieldworks/agrihub/store"
	"github.com/fieldworks/agrihub/telemetry"
)

const (
	// maxNameLength caps product and market names.
	maxNameLength = 200

	// defaultPriceLimit applies when no limit query parameter is given.
	defaultPriceLimit = 100

	// maxPriceLimit is the largest price page a single request can ask for.
	maxPriceLimit = 1000
)

// Handler serves the market endpoints. Route registration and auth guarding
// happen in the server package.
type Handler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewHandler creates a market HTTP handler.
func NewHandler(st *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, logger: logger}
}

type createProductRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Unit     string `json:"unit"`
}

type reportPriceRequest struct {
	Price      int64      `json:"price"`
	Currency   string     `json:"currency"`
	Market     string     `json:"market"`
	RecordedAt *time.Time `json:"recordedAt"`
}

// ListProducts handles GET /market/products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "market")

	products, err := h.store.ListProducts(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to list products", err)
		return
	}
	if products == nil {
		products = []*store.Product{}
	}
	httpapi.JSON(w, http.StatusOK, products)
}

// CreateProduct handles POST /market/products.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "market")

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		httpapi.Error(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	var req createProductRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Name == "" || len(req.Name) > maxNameLength {
		httpapi.Error(w, http.StatusBadRequest, "name must be 1-200 characters", nil)
		return
	}
	if req.Unit == "" {
		httpapi.Error(w, http.StatusBadRequest, "unit is required", nil)
		return
	}

	product := &store.Product{
		Name:     req.Name,
		Category: strings.TrimSpace(req.Category),
		Unit:     req.Unit,
		OwnerID:  user.ID,
	}
	if err := h.store.CreateProduct(r.Context(), product); err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to create product", err)
		return
	}

	h.logger.Info("product created", "product", product.ID, "owner", user.ID)
	httpapi.JSON(w, http.StatusCreated, product)
}

// GetProduct handles GET /market/products/{id}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "market")

	product, err := h.store.GetProduct(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "product not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to load product", err)
		return
	}
	httpapi.JSON(w, http.StatusOK, product)
}

// ReportPrice handles POST /market/products/{id}/prices.
func (h *Handler) ReportPrice(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "market")

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		httpapi.Error(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	var req reportPriceRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Price <= 0 {
		httpapi.Error(w, http.StatusBadRequest, "price must be a positive amount in minor units", nil)
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		httpapi.Error(w, http.StatusBadRequest, "currency must be a 3-letter code", nil)
		return
	}
	if len(req.Market) > maxNameLength {
		httpapi.Error(w, http.StatusBadRequest, "market name too long", nil)
		return
	}

	point := &store.PricePoint{
		ProductID:  r.PathValue("id"),
		Price:      req.Price,
		Currency:   currency,
		Market:     strings.TrimSpace(req.Market),
		ReporterID: user.ID,
	}
	if req.RecordedAt != nil {
		point.RecordedAt = req.RecordedAt.UTC()
	}

	err := h.store.AddPrice(r.Context(), point)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "product not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to record price", err)
		return
	}

	httpapi.JSON(w, http.StatusCreated, point)
}

// ListPrices handles GET /market/products/{id}/prices.
func (h *Handler) ListPrices(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "market")

	since, err := parseSince(r)
	if err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid since", err)
		return
	}
	limit, err := parsePriceLimit(r)
	if err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid limit", err)
		return
	}

	points, err := h.store.ListPrices(r.Context(), r.PathValue("id"), since, limit)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "product not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to list prices", err)
		return
	}
	if points == nil {
		points = []*store.PricePoint{}
	}
	httpapi.JSON(w, http.StatusOK, points)
}

// GetPriceSummary handles GET /market/products/{id}/prices/summary.
func (h *Handler) GetPriceSummary(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "market")

	since, err := parseSince(r)
	if err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid since", err)
		return
	}

	summary, err := h.store.PriceSummary(r.Context(), r.PathValue("id"), since)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "product not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to summarize prices", err)
		return
	}
	httpapi.JSON(w, http.StatusOK, summary)
}

// parseSince reads the since query parameter as RFC 3339. A missing
// parameter means no lower bound.
func parseSince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("since must be an RFC 3339 timestamp")
	}
	return since, nil
}

func parsePriceLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPriceLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxPriceLimit {
		limit = maxPriceLimit
	}
	return limit, nil
}
