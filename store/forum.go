package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Thread is a forum topic. LastPostAt drives the recency index so listings
// surface threads with fresh activity first.
type Thread struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AuthorID     string    `json:"authorId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastPostAt   time.Time `json:"lastPostAt"`
	MessageCount int       `json:"messageCount"`
}

// Message is a single post within a thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateThread stores a new thread together with its opening message.
func (s *Store) CreateThread(_ context.Context, thread *Thread, opening *Message) error {
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	now := s.now().UTC()
	thread.CreatedAt = now
	thread.LastPostAt = now
	thread.MessageCount = 0

	if opening != nil {
		opening.ID = uuid.New().String()
		opening.ThreadID = thread.ID
		if opening.AuthorID == "" {
			opening.AuthorID = thread.AuthorID
		}
		opening.CreatedAt = now
		thread.MessageCount = 1
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		threads := tx.Bucket(bucketThreads)
		if threads == nil {
			return fmt.Errorf("threads bucket not found")
		}

		data, err := s.codec.encode(thread)
		if err != nil {
			return fmt.Errorf("encoding thread: %w", err)
		}
		if err := threads.Put([]byte(thread.ID), data); err != nil {
			return fmt.Errorf("putting thread: %w", err)
		}

		if err := s.reindexThread(tx, thread.ID, now); err != nil {
			return err
		}

		if opening != nil {
			if err := s.putMessage(tx, opening); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetThread retrieves a thread by id.
func (s *Store) GetThread(_ context.Context, id string) (*Thread, error) {
	var thread Thread
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketThreads)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		if err := s.codec.decode(val, &thread); err != nil {
			return fmt.Errorf("decoding thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// ListThreads returns threads ordered by most recent activity. A limit of
// zero or less returns everything.
func (s *Store) ListThreads(_ context.Context, limit int) ([]*Thread, error) {
	var threads []*Thread

	err := s.db.View(func(tx *bbolt.Tx) error {
		recency := tx.Bucket(bucketThreadsByTime)
		byID := tx.Bucket(bucketThreads)
		if recency == nil || byID == nil {
			return nil
		}

		cursor := recency.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			val := byID.Get(v)
			if val == nil {
				continue
			}

			var thread Thread
			if err := s.codec.decode(val, &thread); err != nil {
				return fmt.Errorf("decoding thread: %w", err)
			}
			threads = append(threads, &thread)

			if limit > 0 && len(threads) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// CreateMessage appends a message to an existing thread, bumping the
// thread's message count and recency.
func (s *Store) CreateMessage(_ context.Context, msg *Message) error {
	msg.ID = uuid.New().String()
	msg.CreatedAt = s.now().UTC()

	return s.db.Update(func(tx *bbolt.Tx) error {
		threads := tx.Bucket(bucketThreads)
		if threads == nil {
			return ErrNotFound
		}

		val := threads.Get([]byte(msg.ThreadID))
		if val == nil {
			return ErrNotFound
		}

		var thread Thread
		if err := s.codec.decode(val, &thread); err != nil {
			return fmt.Errorf("decoding thread: %w", err)
		}

		if err := s.putMessage(tx, msg); err != nil {
			return err
		}

		thread.MessageCount++
		thread.LastPostAt = msg.CreatedAt
		data, err := s.codec.encode(&thread)
		if err != nil {
			return fmt.Errorf("encoding thread: %w", err)
		}
		if err := threads.Put([]byte(thread.ID), data); err != nil {
			return fmt.Errorf("putting thread: %w", err)
		}

		return s.reindexThread(tx, thread.ID, msg.CreatedAt)
	})
}

// ListMessages returns a thread's messages oldest first. Unknown threads
// yield an empty slice; callers check thread existence separately. A limit
// of zero or less returns everything.
func (s *Store) ListMessages(_ context.Context, threadID string, limit int) ([]*Message, error) {
	var messages []*Message
	prefix := scopePrefix(threadID)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var msg Message
			if err := s.codec.decode(v, &msg); err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}
			messages = append(messages, &msg)

			if limit > 0 && len(messages) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessage retrieves a message by id via the id index.
func (s *Store) GetMessage(_ context.Context, id string) (*Message, error) {
	var msg Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(bucketMessageKeys)
		messages := tx.Bucket(bucketMessages)
		if keys == nil || messages == nil {
			return ErrNotFound
		}

		key := keys.Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}

		val := messages.Get(key)
		if val == nil {
			return ErrNotFound
		}

		if err := s.codec.decode(val, &msg); err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message and decrements its thread's count. The
// thread's recency is left untouched.
func (s *Store) DeleteMessage(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(bucketMessageKeys)
		messages := tx.Bucket(bucketMessages)
		threads := tx.Bucket(bucketThreads)
		if keys == nil || messages == nil || threads == nil {
			return ErrNotFound
		}

		key := keys.Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		threadID, _, _ := parseScopedTimeKey(key)

		if err := messages.Delete(key); err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		if err := keys.Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting message index: %w", err)
		}

		val := threads.Get([]byte(threadID))
		if val == nil {
			return nil
		}

		var thread Thread
		if err := s.codec.decode(val, &thread); err != nil {
			return fmt.Errorf("decoding thread: %w", err)
		}
		if thread.MessageCount > 0 {
			thread.MessageCount--
		}

		data, err := s.codec.encode(&thread)
		if err != nil {
			return fmt.Errorf("encoding thread: %w", err)
		}
		return threads.Put([]byte(thread.ID), data)
	})
}

// putMessage writes a message and its id index entry within a transaction.
func (s *Store) putMessage(tx *bbolt.Tx, msg *Message) error {
	messages := tx.Bucket(bucketMessages)
	keys := tx.Bucket(bucketMessageKeys)
	if messages == nil || keys == nil {
		return fmt.Errorf("messages buckets not found")
	}

	key := makeScopedTimeKey(msg.ThreadID, msg.CreatedAt, msg.ID)

	data, err := s.codec.encode(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := messages.Put(key, data); err != nil {
		return fmt.Errorf("putting message: %w", err)
	}
	if err := keys.Put([]byte(msg.ID), key); err != nil {
		return fmt.Errorf("putting message index: %w", err)
	}
	return nil
}

// reindexThread moves a thread's recency index entry to a new timestamp.
// The reverse index makes the old entry's removal O(1).
func (s *Store) reindexThread(tx *bbolt.Tx, threadID string, postAt time.Time) error {
	recency := tx.Bucket(bucketThreadsByTime)
	reverse := tx.Bucket(bucketThreadTimeIdx)
	if recency == nil || reverse == nil {
		return fmt.Errorf("thread index buckets not found")
	}

	if old := reverse.Get([]byte(threadID)); old != nil {
		oldKey := makeRecencyKey(decodeTimestamp(old), threadID)
		if err := recency.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old recency index: %w", err)
		}
	}

	if err := recency.Put(makeRecencyKey(postAt, threadID), []byte(threadID)); err != nil {
		return fmt.Errorf("putting recency index: %w", err)
	}
	if err := reverse.Put([]byte(threadID), encodeTimestamp(postAt)); err != nil {
		return fmt.Errorf("putting recency reverse index: %w", err)
	}
	return nil
}
