package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a registered account. PasswordHash is empty for accounts created
// through a federated identity.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CreateUser stores a new user, indexing it by normalized email.
// Returns ErrConflict when the email is already registered.
func (s *Store) CreateUser(_ context.Context, user *User) error {
	user.Email = normalizeEmail(user.Email)
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	now := s.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		emailIdx := tx.Bucket(bucketUserEmails)
		if users == nil || emailIdx == nil {
			return fmt.Errorf("users buckets not found")
		}

		if emailIdx.Get([]byte(user.Email)) != nil {
			return ErrConflict
		}

		data, err := s.codec.encode(user)
		if err != nil {
			return fmt.Errorf("encoding user: %w", err)
		}

		if err := users.Put([]byte(user.ID), data); err != nil {
			return fmt.Errorf("putting user: %w", err)
		}
		if err := emailIdx.Put([]byte(user.Email), []byte(user.ID)); err != nil {
			return fmt.Errorf("putting email index: %w", err)
		}
		return nil
	})
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(_ context.Context, id string) (*User, error) {
	var user User
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUsers)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		if err := s.codec.decode(val, &user); err != nil {
			return fmt.Errorf("decoding user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail retrieves a user via the normalized email index.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*User, error) {
	email = normalizeEmail(email)

	var user User
	err := s.db.View(func(tx *bbolt.Tx) error {
		emailIdx := tx.Bucket(bucketUserEmails)
		users := tx.Bucket(bucketUsers)
		if emailIdx == nil || users == nil {
			return ErrNotFound
		}

		id := emailIdx.Get([]byte(email))
		if id == nil {
			return ErrNotFound
		}

		val := users.Get(id)
		if val == nil {
			return ErrNotFound
		}

		if err := s.codec.decode(val, &user); err != nil {
			return fmt.Errorf("decoding user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser overwrites an existing user's record and bumps UpdatedAt.
// The email is immutable; updates that change it are rejected.
func (s *Store) UpdateUser(_ context.Context, user *User) error {
	user.UpdatedAt = s.now().UTC()

	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users == nil {
			return ErrNotFound
		}

		val := users.Get([]byte(user.ID))
		if val == nil {
			return ErrNotFound
		}

		var existing User
		if err := s.codec.decode(val, &existing); err != nil {
			return fmt.Errorf("decoding user: %w", err)
		}
		if normalizeEmail(user.Email) != existing.Email {
			return fmt.Errorf("user email is immutable")
		}
		user.Email = existing.Email
		user.CreatedAt = existing.CreatedAt

		data, err := s.codec.encode(user)
		if err != nil {
			return fmt.Errorf("encoding user: %w", err)
		}
		return users.Put([]byte(user.ID), data)
	})
}

// LinkIdentity binds a federated identity (provider + subject) to a user.
// Linking is idempotent for the same user and conflicts for any other.
func (s *Store) LinkIdentity(_ context.Context, provider, subject, userID string) error {
	key := makeIdentityKey(provider, subject)

	return s.db.Update(func(tx *bbolt.Tx) error {
		identities := tx.Bucket(bucketIdentities)
		users := tx.Bucket(bucketUsers)
		if identities == nil || users == nil {
			return fmt.Errorf("identities buckets not found")
		}

		if users.Get([]byte(userID)) == nil {
			return ErrNotFound
		}

		if existing := identities.Get(key); existing != nil {
			if string(existing) == userID {
				return nil
			}
			return ErrConflict
		}

		if err := identities.Put(key, []byte(userID)); err != nil {
			return fmt.Errorf("putting identity: %w", err)
		}
		return nil
	})
}

// GetUserByIdentity resolves a federated identity to its linked user.
func (s *Store) GetUserByIdentity(ctx context.Context, provider, subject string) (*User, error) {
	var userID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		identities := tx.Bucket(bucketIdentities)
		if identities == nil {
			return ErrNotFound
		}

		id := identities.Get(makeIdentityKey(provider, subject))
		if id == nil {
			return ErrNotFound
		}
		userID = string(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
