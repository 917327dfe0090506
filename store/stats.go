package store

import (
	"context"

	"go.etcd.io/bbolt"
)

// Stats holds entity counts for the admin stats endpoint.
type Stats struct {
	Users       int `json:"users"`
	Sessions    int `json:"sessions"`
	Threads     int `json:"threads"`
	Messages    int `json:"messages"`
	Products    int `json:"products"`
	PricePoints int `json:"pricePoints"`
	Uploads     int `json:"uploads"`
}

// Stats counts the primary buckets in a single read transaction.
func (s *Store) Stats(_ context.Context) (*Stats, error) {
	var stats Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.Users = bucketKeyCount(tx, bucketUsers)
		stats.Sessions = bucketKeyCount(tx, bucketSessions)
		stats.Threads = bucketKeyCount(tx, bucketThreads)
		stats.Messages = bucketKeyCount(tx, bucketMessages)
		stats.Products = bucketKeyCount(tx, bucketProducts)
		stats.PricePoints = bucketKeyCount(tx, bucketPrices)
		stats.Uploads = bucketKeyCount(tx, bucketUploads)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func bucketKeyCount(tx *bbolt.Tx, name []byte) int {
	bucket := tx.Bucket(name)
	if bucket == nil {
		return 0
	}
	return bucket.Stats().KeyN
}
