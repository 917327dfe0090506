// Package uploads handles file uploads into the blob store and hands out
// signed download URLs for reading them back.
package uploads

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fieldworks/agrihub"
	"github.com/fieldworks/agrihub/auth"
	"github.com/fieldworks/agrihub/blob"
	"github.com/fieldworks/agrihub/httpapi"
	"github.com/fieldworks/agrihub/signedurl"
	"github.com/fieldworks/agrihub/store"
	"github.com/fieldworks/agrihub/telemetry"
)

const (
	// DefaultMaxUploadSize caps a single uploaded file.
	DefaultMaxUploadSize int64 = 10 << 20

	// formMemoryLimit is how much of a multipart body stays in memory
	// before spilling to temp files.
	formMemoryLimit = 1 << 20

	// sniffLen is how many leading bytes content-type detection reads.
	sniffLen = 512

	maxFilenameLength = 255
)

// Handler serves the file endpoints: multipart upload, signed-URL reads,
// and deletion with blob retention when other uploads share the content.
type Handler struct {
	store   *store.Store
	blobs   *blob.Local
	urls    *signedurl.Cache
	logger  *slog.Logger
	maxSize int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxUploadSize caps uploaded file size in bytes.
func WithMaxUploadSize(n int64) Option {
	return func(h *Handler) {
		h.maxSize = n
	}
}

// NewHandler creates an uploads HTTP handler.
func NewHandler(st *store.Store, blobs *blob.Local, urls *signedurl.Cache, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:   st,
		blobs:   blobs,
		urls:    urls,
		logger:  logger,
		maxSize: DefaultMaxUploadSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type fileResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	CreatedAt    time.Time `json:"createdAt"`
	URL          string    `json:"url"`
	URLExpiresAt time.Time `json:"urlExpiresAt"`
}

// Create handles POST /files. The file arrives as the multipart field
// "file"; content is hashed, deduplicated into the blob store, and recorded.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "files")

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		httpapi.Error(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	// Cap the whole request; multipart framing adds a little on top of the file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+formMemoryLimit)
	if err := r.ParseMultipartForm(formMemoryLimit); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid multipart form", err)
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		httpapi.Error(w, http.StatusBadRequest, "file field is required", err)
		return
	}
	defer func() { _ = file.Close() }()

	if fileHeader.Size == 0 {
		httpapi.Error(w, http.StatusBadRequest, "file is empty", nil)
		return
	}
	if fileHeader.Size > h.maxSize {
		httpapi.Error(w, http.StatusBadRequest, "file exceeds maximum size", nil)
		return
	}

	filename := sanitizeFilename(fileHeader.Filename)

	contentType, err := sniffContentType(file, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to read upload", err)
		return
	}

	sum, size, err := agrihub.HashReader(file)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to hash upload", err)
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to read upload", err)
		return
	}

	header := &blob.BlobHeader{
		ContentType:   contentType,
		ContentLength: size,
		Filename:      filename,
		UploadedAt:    time.Now().UTC().Format(time.RFC3339),
		ContentHash:   sum.String(),
	}
	if _, err := h.blobs.Put(r.Context(), sum, header, file); err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to store file", err)
		return
	}

	upload := &store.Upload{
		OwnerID:     user.ID,
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		Hash:        sum.String(),
		Key:         sum.BlobKey(),
	}
	if err := h.store.CreateUpload(r.Context(), upload); err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to record upload", err)
		return
	}

	resp, err := h.fileResponse(r, upload, false)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to generate download url", err)
		return
	}

	h.logger.Info("file uploaded", "upload", upload.ID, "hash", sum.ShortString(), "size", size, "owner", user.ID)
	httpapi.JSON(w, http.StatusCreated, resp)
}

// Get handles GET /files/{id}. With refresh=1 the signed URL is re-minted
// even if a valid one is cached.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "files")

	upload, err := h.store.GetUpload(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "file not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to load file", err)
		return
	}

	force := r.URL.Query().Get("refresh") == "1"
	resp, err := h.fileResponse(r, upload, force)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to generate download url", err)
		return
	}
	httpapi.JSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /files/{id}. Only the owner or an admin may delete.
// The blob itself is removed only when no other upload references its hash.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "files")

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		httpapi.Error(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	upload, err := h.store.GetUpload(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, "file not found", nil)
		return
	}
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to load file", err)
		return
	}

	if upload.OwnerID != user.ID && user.Role != store.RoleAdmin {
		httpapi.Error(w, http.StatusForbidden, "not allowed to delete this file", nil)
		return
	}

	refs, err := h.store.CountUploadsByHash(r.Context(), upload.Hash)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to delete file", err)
		return
	}

	if refs <= 1 {
		if err := h.urls.DeleteFile(r.Context(), upload.Key); err != nil {
			httpapi.Error(w, http.StatusInternalServerError, "failed to delete file", err)
			return
		}
	} else {
		h.logger.Debug("blob retained", "hash", upload.Hash, "remaining_refs", refs-1)
	}

	if err := h.store.DeleteUpload(r.Context(), upload.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusInternalServerError, "failed to delete file", err)
		return
	}

	h.logger.Info("file deleted", "upload", upload.ID, "by", user.ID)
	httpapi.Message(w, http.StatusOK, "file deleted")
}

func (h *Handler) fileResponse(r *http.Request, upload *store.Upload, force bool) (*fileResponse, error) {
	url, err := h.urls.GetSignedURL(r.Context(), upload.Key, force)
	if err != nil {
		return nil, err
	}
	expiresAt, _ := h.urls.ExpiresAt(upload.Key)

	return &fileResponse{
		ID:           upload.ID,
		Name:         upload.Filename,
		Size:         upload.Size,
		ContentType:  upload.ContentType,
		CreatedAt:    upload.CreatedAt,
		URL:          url,
		URLExpiresAt: expiresAt,
	}, nil
}

// sniffContentType detects the content type from the leading bytes and
// rewinds the reader. The declared type wins only when detection comes back
// generic.
func sniffContentType(file io.ReadSeeker, declared string) (string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	detected := http.DetectContentType(head[:n])
	if strings.HasPrefix(detected, "application/octet-stream") && declared != "" {
		return declared, nil
	}
	return detected, nil
}

// sanitizeFilename strips any path components and bounds the length.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "upload"
	}
	if len(name) > maxFilenameLength {
		name = name[len(name)-maxFilenameLength:]
	}
	return name
}
