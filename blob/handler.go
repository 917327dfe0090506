package blob

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/fieldworks/agrihub"
	"github.com/fieldworks/agrihub/telemetry"
)

// Handler serves blob content for verified signed URLs.
type Handler struct {
	provider *Local
	logger   *slog.Logger
}

// NewHandler creates a blob handler over the given provider.
func NewHandler(provider *Local, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{provider: provider, logger: logger}
}

// Register wires the blob routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /blobs/{key...}", h.ServeBlob)
}

// ServeBlob handles GET /blobs/{key...}?exp=&sig=.
func (h *Handler) ServeBlob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blobs")

	key := r.PathValue("key")
	if !validKey(key) {
		http.Error(w, "invalid blob key", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	if err := h.provider.VerifyURL(key, q.Get("exp"), q.Get("sig")); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, ErrURLExpired) {
			h.logger.Debug("expired blob url", "key", key)
		} else {
			h.logger.Warn("rejected blob url", "key", key, "error", err)
		}
		http.Error(w, "forbidden", status)
		return
	}

	header, body, err := h.provider.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("opening blob", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", header.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(header.ContentLength, 10))
	if header.Filename != "" {
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType("inline", map[string]string{"filename": header.Filename}))
	}

	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("streaming blob interrupted", "key", key, "error", err)
	}
}

// validKey reports whether key has the content-addressed form "xx/<hash>"
// with the shard prefix matching the hash.
func validKey(key string) bool {
	dir, rest, ok := strings.Cut(key, "/")
	if !ok || len(dir) != 2 {
		return false
	}
	h, err := agrihub.ParseHash(rest)
	if err != nil {
		return false
	}
	return h.Dir() == dir
}
