// Package forum exposes community threads and messages over HTTP.
package forum

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fieldworks/agrihub/auth"
	"github.com/fieldworks/agrihub/httpapi"
	"github.com/fieldworks/agrihub/store"
	"github.com/fieldworks/agrihub/telemetry"
)

const (
	// maxTitleLength caps thread titles.
	maxTitleLength = 200

	// maxMessageLength caps message bodies.
	maxMessageLength = 64 * 1024

	// defaultListLimit applies when no limit query parameter is given.
	defaultListLimit = 50

	// maxListLimit is the largest page a single request can ask for.
	maxListLimit = 200
)

// Handler serves the forum endpoints. Route registration and auth guarding
// happen in the server package.
type Handler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewHandler creates a forum HTTP handler.
func NewHandler(st *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, logger: logger}
}

type createThreadRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type createMessageRequest struct {
	Body string `json:"body"`
}

// ListThreads handles GET /forum/threads.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "forum")

	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid limit", err)
		return
	}

	threads, err := h.store.ListThreads(r.Context(), limit)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to list threads", err)
		return
	}
	if threads == nil {
		threads = []*store.Thread{}
	}
	httpapi.JSON(w, http.StatusOK, threads)
}

// CreateThread handles POST /forum/threads.
func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "forum")

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		httpapi.Error(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	var req createThreadRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || len(req.Title) > maxTitleLength {
		httpapi.Error(w, http.StatusBadRequest, "title must be 1-200 characters", nil)
		return
	}
	if req.Body == "" || len(req.Body) > maxMessageLength {
		httpapi.Error(w, http.StatusBadRequest, "body must be 1-65536 characters", nil)
		return
	}

	thread := &store.Thread{Title: req.Title, AuthorID: user.ID}
	opening := &store.Message{Body: req.Body}
	if err := h.store.CreateThread(r.Context(), thread, opening); err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to create thread", err)
		return
	}

	h.logger.Info("thread created", "thread", thread.ID, "author", user.ID)
	httpapi.JSON(w, http.StatusCreated, thread)
}

// GetThread handles GET /forum/threads/{id}, returning the thread with its
// messages oldest first.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "forum")

	id := r.PathValue("id")
	thread, err := h.store.GetThread(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "thread not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to load thread", err)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), id, 0)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to load messages", err)
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}

	resp := struct {
		*store.Thread
		Messages []*store.Message `json:"messages"`
	}{thread, messages}
	httpapi.JSON(w, http.StatusOK, resp)
}

// CreateMessage handles POST /forum/threads/{id}/messages.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "forum")

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		httpapi.Error(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	var req createMessageRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Body == "" || len(req.Body) > maxMessageLength {
		httpapi.Error(w, http.StatusBadRequest, "body must be 1-65536 characters", nil)
		return
	}

	msg := &store.Message{
		ThreadID: r.PathValue("id"),
		AuthorID: user.ID,
		Body:     req.Body,
	}
	err := h.store.CreateMessage(r.Context(), msg)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "thread not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to post message", err)
		return
	}

	httpapi.JSON(w, http.StatusCreated, msg)
}

// DeleteMessage handles DELETE /forum/messages/{id}. Only the author or an
// admin may delete.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "forum")

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		httpapi.Error(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	id := r.PathValue("id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "message not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to load message", err)
		return
	}

	if msg.AuthorID != user.ID && user.Role != store.RoleAdmin {
		httpapi.Error(w, http.StatusForbidden, "not allowed to delete this message", nil)
		return
	}

	if err := h.store.DeleteMessage(r.Context(), id); err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to delete message", err)
		return
	}

	h.logger.Info("message deleted", "message", id, "by", user.ID)
	httpapi.Message(w, http.StatusOK, "message deleted")
}

// parseLimit reads the limit query parameter, clamping to maxListLimit.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
