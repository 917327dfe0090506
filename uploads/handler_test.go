package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/agrihub"
	"github.com/fieldworks/agrihub/auth"
	"github.com/fieldworks/agrihub/blob"
	"github.com/fieldworks/agrihub/signedurl"
	"github.com/fieldworks/agrihub/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, opts ...Option) (*store.Store, *blob.Local, *http.ServeMux) {
	t.Helper()

	st := store.New(store.WithLogger(testLogger()))
	require.NoError(t, st.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = st.Close() })

	fs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	signer, err := blob.NewSigner([]byte("test-secret"))
	require.NoError(t, err)
	local, err := blob.NewLocal(blob.LocalConfig{
		Backend: fs,
		Signer:  signer,
		BaseURL: "https://files.example.com",
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	urls := signedurl.New(local, signedurl.WithLogger(testLogger()))
	h := NewHandler(st, local, urls, testLogger(), opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", h.Create)
	mux.HandleFunc("GET /files/{id}", h.Get)
	mux.HandleFunc("DELETE /files/{id}", h.Delete)
	return st, local, mux
}

func newTestUser(t *testing.T, st *store.Store, email, role string) *store.User {
	t.Helper()
	user := &store.User{Email: email, Name: "Test User", Role: role}
	require.NoError(t, st.CreateUser(context.Background(), user))
	return user
}

func authedRequest(user *store.User, method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	return req
}

// uploadRequest builds a multipart POST /files request carrying content as
// the "file" field.
func uploadRequest(t *testing.T, user *store.User, filename, contentType, content string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := authedRequest(user, http.MethodPost, "/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func uploadFile(t *testing.T, mux *http.ServeMux, user *store.User, filename, content string) fileResponse {
	t.Helper()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, uploadRequest(t, user, filename, "", content))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp fileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestUploadFile(t *testing.T) {
	st, local, mux := newTestHandler(t)
	user := newTestUser(t, st, "amara@example.com", store.RoleUser)

	content := "maize, 4500, Soweto Market\nsorghum, 3800, Soweto Market\n"
	resp := uploadFile(t, mux, user, "prices.csv", content)

	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "prices.csv", resp.Name)
	assert.Equal(t, int64(len(content)), resp.Size)
	assert.Equal(t, "text/plain; charset=utf-8", resp.ContentType)
	assert.False(t, resp.URLExpiresAt.IsZero())

	key := agrihub.HashBytes([]byte(content)).BlobKey()
	assert.Contains(t, resp.URL, "https://files.example.com/blobs/"+key)
	assert.Contains(t, resp.URL, "sig=")

	exists, err := local.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, exists)

	upload, err := st.GetUpload(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, upload.OwnerID)
	assert.Equal(t, key, upload.Key)
}

func TestUploadStripsPathFromFilename(t *testing.T) {
	st, _, mux := newTestHandler(t)
	user := newTestUser(t, st, "amara@example.com", store.RoleUser)

	resp := uploadFile(t, mux, user, "../../etc/passwd", "not a real password file")
	assert.Equal(t, "passwd", resp.Name)
}

func TestUploadValidation(t *testing.T) {
	st, _, mux := newTestHandler(t)
	user := newTestUser(t, st, "amara@example.com", store.RoleUser)

	t.Run("requires authentication", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, uploadRequest(t, nil, "a.txt", "", "hello"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects missing file field", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("note", "no file here"))
		require.NoError(t, mw.Close())

		req := authedRequest(user, http.MethodPost, "/files", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects empty file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, uploadRequest(t, user, "empty.txt", "", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects non-multipart body", func(t *testing.T) {
		req := authedRequest(user, http.MethodPost, "/files", strings.NewReader("raw bytes"))
		req.Header.Set("Content-Type", "application/octet-stream")

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects oversized file", func(t *testing.T) {
		st, _, mux := newTestHandler(t, WithMaxUploadSize(16))
		user := newTestUser(t, st, "small@example.com", store.RoleUser)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, uploadRequest(t, user, "big.txt", "", strings.Repeat("x", 64)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadDeduplicatesContent(t *testing.T) {
	st, local, mux := newTestHandler(t)
	alice := newTestUser(t, st, "alice@example.com", store.RoleUser)
	bob := newTestUser(t, st, "bob@example.com", store.RoleUser)

	content := "shared extension pamphlet"
	first := uploadFile(t, mux, alice, "pamphlet.txt", content)
	second := uploadFile(t, mux, bob, "copy.txt", content)

	assert.NotEqual(t, first.ID, second.ID)

	a, err := st.GetUpload(context.Background(), first.ID)
	require.NoError(t, err)
	b, err := st.GetUpload(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.Key, b.Key)

	count, err := local.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetFile(t *testing.T) {
	st, _, mux := newTestHandler(t)
	user := newTestUser(t, st, "amara@example.com", store.RoleUser)

	uploaded := uploadFile(t, mux, user, "notes.txt", "rotation notes")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+uploaded.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp fileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uploaded.ID, resp.ID)
	assert.Equal(t, uploaded.URL, resp.URL)

	t.Run("refresh", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+uploaded.ID+"?refresh=1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp fileResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.URL)
	})

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeleteFile(t *testing.T) {
	st, local, mux := newTestHandler(t)
	owner := newTestUser(t, st, "owner@example.com", store.RoleUser)
	other := newTestUser(t, st, "other@example.com", store.RoleUser)
	admin := newTestUser(t, st, "admin@example.com", store.RoleAdmin)

	t.Run("owner deletes sole reference", func(t *testing.T) {
		resp := uploadFile(t, mux, owner, "sole.txt", "only copy")
		key := agrihub.HashBytes([]byte("only copy")).BlobKey()

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(owner, http.MethodDelete, "/files/"+resp.ID, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		_, err := st.GetUpload(context.Background(), resp.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		exists, err := local.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("blob retained while shared", func(t *testing.T) {
		content := "shared between two uploads"
		key := agrihub.HashBytes([]byte(content)).BlobKey()
		first := uploadFile(t, mux, owner, "one.txt", content)
		second := uploadFile(t, mux, other, "two.txt", content)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(owner, http.MethodDelete, "/files/"+first.ID, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		exists, err := local.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, exists)

		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(other, http.MethodDelete, "/files/"+second.ID, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		exists, err = local.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("admin can delete", func(t *testing.T) {
		resp := uploadFile(t, mux, owner, "admin-target.txt", "admin removable")

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(admin, http.MethodDelete, "/files/"+resp.ID, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("others are forbidden", func(t *testing.T) {
		resp := uploadFile(t, mux, owner, "keep.txt", "not yours")

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(other, http.MethodDelete, "/files/"+resp.ID, nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)

		_, err := st.GetUpload(context.Background(), resp.ID)
		require.NoError(t, err)
	})

	t.Run("unknown file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(owner, http.MethodDelete, "/files/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("requires authentication", func(t *testing.T) {
		resp := uploadFile(t, mux, owner, "auth.txt", "needs auth to delete")

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(nil, http.MethodDelete, "/files/"+resp.ID, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
