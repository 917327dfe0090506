package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Upload is the metadata record for a stored file. Key is the blob storage
// key derived from Hash; several uploads may share one blob.
type Upload struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	Key         string    `json:"key"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateUpload stores an upload record and indexes it by content hash.
func (s *Store) CreateUpload(_ context.Context, upload *Upload) error {
	if upload.ID == "" {
		upload.ID = uuid.New().String()
	}
	upload.CreatedAt = s.now().UTC()

	return s.db.Update(func(tx *bbolt.Tx) error {
		uploads := tx.Bucket(bucketUploads)
		byHash := tx.Bucket(bucketUploadsByHash)
		if uploads == nil || byHash == nil {
			return fmt.Errorf("uploads buckets not found")
		}

		data, err := s.codec.encode(upload)
		if err != nil {
			return fmt.Errorf("encoding upload: %w", err)
		}

		if err := uploads.Put([]byte(upload.ID), data); err != nil {
			return fmt.Errorf("putting upload: %w", err)
		}
		if err := byHash.Put(makeHashRefKey(upload.Hash, upload.ID), []byte(upload.ID)); err != nil {
			return fmt.Errorf("putting upload hash index: %w", err)
		}
		return nil
	})
}

// GetUpload retrieves an upload record by id.
func (s *Store) GetUpload(_ context.Context, id string) (*Upload, error) {
	var upload Upload
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUploads)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		if err := s.codec.decode(val, &upload); err != nil {
			return fmt.Errorf("decoding upload: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

// DeleteUpload removes an upload record and its hash index entry.
func (s *Store) DeleteUpload(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		uploads := tx.Bucket(bucketUploads)
		byHash := tx.Bucket(bucketUploadsByHash)
		if uploads == nil || byHash == nil {
			return ErrNotFound
		}

		val := uploads.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		var upload Upload
		if err := s.codec.decode(val, &upload); err != nil {
			return fmt.Errorf("decoding upload: %w", err)
		}

		if err := uploads.Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting upload: %w", err)
		}
		if err := byHash.Delete(makeHashRefKey(upload.Hash, upload.ID)); err != nil {
			return fmt.Errorf("deleting upload hash index: %w", err)
		}
		return nil
	})
}

// CountUploadsByHash reports how many upload records reference a content
// hash. The delete path keeps the blob while this stays above zero.
func (s *Store) CountUploadsByHash(_ context.Context, hash string) (int, error) {
	count := 0
	prefix := scopePrefix(hash)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUploadsByHash)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
