package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fieldworks/agrihub"
	"github.com/fieldworks/agrihub/telemetry"
)

// LocalConfig configures a Local provider.
type LocalConfig struct {
	// Backend is the storage backend. Required.
	Backend WriterBackend

	// Signer mints URL signatures. Required.
	Signer *Signer

	// BaseURL is the public base URL signed links are built on,
	// e.g. "https://files.example.com". Required.
	BaseURL string

	// Logger for provider events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Local is a signed-URL object storage provider over a local backend.
// Blobs are content addressed and stored framed with their metadata.
type Local struct {
	backend WriterBackend
	signer  *Signer
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// NewLocal creates a Local provider.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Local{
		backend: cfg.Backend,
		signer:  cfg.Signer,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// GenerateSignedURL returns a time-limited URL for reading the blob at key.
// The URL is valid for ttl from now; no existence check is performed, matching
// presigned-URL semantics where signing is independent of the object.
func (l *Local) GenerateSignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	expires := l.now().Add(ttl).Unix()
	sig := l.signer.Sign(key, expires)

	q := url.Values{}
	q.Set("exp", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)

	return fmt.Sprintf("%s/blobs/%s?%s", l.baseURL, key, q.Encode()), nil
}

// VerifyURL checks the exp and sig query values for a blob key.
func (l *Local) VerifyURL(key, expStr, sig string) error {
	expires, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry", ErrBadSignature)
	}
	return l.signer.Verify(key, expires, sig, l.now())
}

// Put stores body as a framed blob under the content-addressed key for sum.
// The write is skipped when a blob with the same hash already exists.
// Content is re-hashed while writing and the write is aborted on mismatch.
func (l *Local) Put(ctx context.Context, sum agrihub.Hash, header *BlobHeader, body io.Reader) (int64, error) {
	key := sum.BlobKey()

	exists, err := l.backend.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("checking blob %s: %w", sum.ShortString(), err)
	}
	if exists {
		telemetry.RecordBlobWrite(ctx, header.ContentLength, false)
		l.logger.Debug("blob exists, skipping write", "hash", sum.ShortString())
		return header.ContentLength, nil
	}

	w, err := l.backend.Writer(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("opening blob writer: %w", err)
	}

	hr := agrihub.NewHashingReader(body)
	if err := WriteFramed(w, header, hr); err != nil {
		abortWriter(w)
		return 0, fmt.Errorf("writing blob: %w", err)
	}

	if got := hr.Sum(); got != sum {
		abortWriter(w)
		return 0, fmt.Errorf("content hash mismatch: got %s want %s", got.ShortString(), sum.ShortString())
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("committing blob: %w", err)
	}

	telemetry.RecordBlobWrite(ctx, hr.BytesRead(), true)
	l.logger.Debug("blob stored", "hash", sum.ShortString(), "size", hr.BytesRead())

	return hr.BytesRead(), nil
}

// Open returns the header and body reader for the blob at key.
// Returns ErrNotFound if no blob exists. The caller must close the body.
func (l *Local) Open(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	rc, err := l.backend.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	header, body, err := ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("reading blob %s: %w", key, err)
	}

	return header, &framedBody{Reader: body, closer: rc}, nil
}

// Delete removes the blob at key. Idempotent.
func (l *Local) Delete(ctx context.Context, key string) error {
	return l.backend.Delete(ctx, key)
}

// Exists reports whether a blob is stored at key.
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	return l.backend.Exists(ctx, key)
}

// Count returns the number of stored blobs.
func (l *Local) Count(ctx context.Context) (int, error) {
	keys, err := l.backend.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing blobs: %w", err)
	}
	return len(keys), nil
}

// framedBody couples the framed body reader with the underlying file closer.
type framedBody struct {
	io.Reader
	closer io.Closer
}

func (b *framedBody) Close() error {
	return b.closer.Close()
}
