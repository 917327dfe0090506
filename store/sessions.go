package store

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Session is a bearer-token login session. Expiry is enforced by the caller;
// the store only persists and sweeps.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PutSession stores a session keyed by its token.
func (s *Store) PutSession(_ context.Context, sess *Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		if bucket == nil {
			return fmt.Errorf("sessions bucket not found")
		}

		data, err := s.codec.encode(sess)
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}
		return bucket.Put([]byte(sess.Token), data)
	})
}

// GetSession retrieves a session by token. Expired sessions are still
// returned; callers decide what expiry means.
func (s *Store) GetSession(_ context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(token))
		if val == nil {
			return ErrNotFound
		}

		if err := s.codec.decode(val, &sess); err != nil {
			return fmt.Errorf("decoding session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session. Deleting an unknown token is a no-op.
func (s *Store) DeleteSession(_ context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(token))
	})
}

// SweepSessions deletes every session whose expiry is at or before now and
// returns the number removed. Session volume stays small enough that a full
// scan beats maintaining an expiry index.
func (s *Store) SweepSessions(_ context.Context) (int, error) {
	now := s.now()
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var sess Session
			if err := s.codec.decode(v, &sess); err != nil {
				return fmt.Errorf("decoding session: %w", err)
			}
			if sess.ExpiresAt.After(now) {
				continue
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting expired session: %w", err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Debug("swept expired sessions", "removed", removed)
	}
	return removed, nil
}
