package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltBucket = "operation_state"

// BoltStore is the client-local store used before records moved to the
// backend. bbolt has no native expiry, so each value is wrapped with its
// deadline and expired entries read as missing. Values must be JSON.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

type boltEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", boltBucket, err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(context.Background(), key)
	}

	data, err := json.Marshal(boltEntry{
		Value:     json.RawMessage(value),
		ExpiresAt: s.now().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), data)
	})
}

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := s.entry(key)
	if err != nil {
		return nil, err
	}
	if !entry.ExpiresAt.After(s.now()) {
		return nil, ErrNotFound
	}

	return entry.Value, nil
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
}

// Keys lists every stored key, expired or not.
func (s *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}

// Remaining returns the TTL left on key, or ErrNotFound once it has expired.
func (s *BoltStore) Remaining(key string) (time.Duration, error) {
	entry, err := s.entry(key)
	if err != nil {
		return 0, err
	}

	left := entry.ExpiresAt.Sub(s.now())
	if left <= 0 {
		return 0, ErrNotFound
	}

	return left, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) entry(key string) (*boltEntry, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(boltBucket)).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}

	var entry boltEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", key, err)
	}

	return &entry, nil
}
