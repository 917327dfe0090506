// Package store persists platform entities in an embedded bbolt database:
// users and their OAuth identities, sessions, forum threads and messages,
// market products and price history, and upload records.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness constraint is violated.
	ErrConflict = errors.New("conflict")
)

// Bucket names. Compound keys use null separators; timestamps are fixed-width
// big-endian so byte order matches time order (see keys.go).
var (
	bucketUsers      = []byte("users")          // id -> User
	bucketUserEmails = []byte("user_email_idx") // normalized email -> user id
	bucketIdentities = []byte("identities")     // provider|subject -> user id
	bucketSessions   = []byte("sessions")       // token -> Session

	bucketThreads       = []byte("threads")           // id -> Thread
	bucketThreadsByTime = []byte("threads_by_time")   // timestamp|id -> id (recency index)
	bucketThreadTimeIdx = []byte("thread_time_by_id") // id -> 8-byte timestamp (reverse index for O(1) reindex)
	bucketMessages      = []byte("messages")          // threadID|timestamp|id -> Message
	bucketMessageKeys   = []byte("message_key_by_id") // id -> full message key

	bucketProducts = []byte("products") // id -> Product
	bucketPrices   = []byte("prices")   // productID|timestamp|id -> PricePoint

	bucketUploads       = []byte("uploads")         // id -> Upload
	bucketUploadsByHash = []byte("uploads_by_hash") // hash|id -> id (blob refcount index)
)

// Store is the platform database over bbolt.
type Store struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Use only for testing or benchmarking.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a Store with options. Call Open before use.
func New(opts ...Option) *Store {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database at the given path and creates missing buckets.
func (s *Store) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating value codec: %w", err)
	}
	s.codec = codec

	s.logger.Debug("opened store", "path", path, "noSync", s.noSync)
	return nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketUserEmails,
			bucketIdentities,
			bucketSessions,
			bucketThreads,
			bucketThreadsByTime,
			bucketThreadTimeIdx,
			bucketMessages,
			bucketMessageKeys,
			bucketProducts,
			bucketPrices,
			bucketUploads,
			bucketUploadsByHash,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases codec resources.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing store")
	return s.db.Close()
}
