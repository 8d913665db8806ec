// Package boltdb persists client-side session preferences in a local BoltDB file.
package boltdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketPrefs = []byte("prefs")

var (
	keyTrusted = []byte("trusted")
	keySession = []byte("session")
)

// ErrClosed is returned by operations on a closed Storage.
var ErrClosed = errors.New("boltdb: storage is closed")

// Storage keeps the trust preference and the last session id across runs.
type Storage struct {
	db *bbolt.DB
}

// New opens (or creates) the database at path.
func New(ctx context.Context, path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return s, nil
}

// Close releases the database file.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrefs)
		return err
	})
}

// Trusted reports the persisted trust preference. It is false until set.
func (s *Storage) Trusted(ctx context.Context) (bool, error) {
	v, err := s.get(keyTrusted)
	if err != nil {
		return false, err
	}
	return string(v) == "1", nil
}

// SetTrusted persists the trust preference.
func (s *Storage) SetTrusted(ctx context.Context, trusted bool) error {
	v := []byte("0")
	if trusted {
		v = []byte("1")
	}
	return s.put(keyTrusted, v)
}

// LeftoverSession returns the session id recorded by the last run, or "".
func (s *Storage) LeftoverSession(ctx context.Context) (string, error) {
	v, err := s.get(keySession)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SetLeftoverSession records the most recent session id.
func (s *Storage) SetLeftoverSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return s.ClearLeftoverSession(ctx)
	}
	return s.put(keySession, []byte(sessionID))
}

// ClearLeftoverSession forgets the recorded session id. Clearing twice is a no-op.
func (s *Storage) ClearLeftoverSession(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPrefs)
		if b == nil {
			return fmt.Errorf("prefs bucket not found")
		}
		return b.Delete(keySession)
	})
}

func (s *Storage) get(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPrefs)
		if b == nil {
			return fmt.Errorf("prefs bucket not found")
		}
		// Values are only valid inside the transaction.
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *Storage) put(key, value []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPrefs)
		if b == nil {
			return fmt.Errorf("prefs bucket not found")
		}
		if err := b.Put(key, value); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
		return nil
	})
}
