// Package store is the local cache: the signed-in session blob and the
// last bracelet used, kept in a bbolt file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chaz8081/longing-touch/internal/model"
)

// SessionKey is the fixed key of the session blob.
const SessionKey = "longingBraceletUser"

const lastDeviceKey = "lastDevice"

var (
	bucketSession = []byte("session")
	bucketDevices = []byte("devices")
)

// ErrNotFound is returned when nothing is stored under a key.
var ErrNotFound = errors.New("store: not found")

// Device is the remembered bracelet.
type Device struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	SeenAt time.Time `json:"seen_at"`
}

// Store is a bbolt-backed local cache.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the cache file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: creating directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSession); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession replaces the cached session.
func (s *Store) SaveSession(ctx context.Context, sess model.Session) error {
	return s.put(ctx, bucketSession, SessionKey, sess)
}

// LoadSession returns the cached session or ErrNotFound.
func (s *Store) LoadSession(ctx context.Context) (model.Session, error) {
	var sess model.Session
	err := s.get(ctx, bucketSession, SessionKey, &sess)
	return sess, err
}

// ClearSession removes the cached session. Clearing an empty cache is not
// an error.
func (s *Store) ClearSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSession).Delete([]byte(SessionKey))
	})
}

// SaveDevice remembers the bracelet last connected.
func (s *Store) SaveDevice(ctx context.Context, d Device) error {
	if d.SeenAt.IsZero() {
		d.SeenAt = time.Now().UTC()
	}
	return s.put(ctx, bucketDevices, lastDeviceKey, d)
}

// LastDevice returns the remembered bracelet or ErrNotFound.
func (s *Store) LastDevice(ctx context.Context) (Device, error) {
	var d Device
	err := s.get(ctx, bucketDevices, lastDeviceKey, &d)
	return d, err
}

func (s *Store) put(ctx context.Context, bucket []byte, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), payload)
	})
}

func (s *Store) get(ctx context.Context, bucket []byte, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var payload []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucket).Get([]byte(key)); raw != nil {
			payload = append([]byte(nil), raw...)
		}
		return nil
	}); err != nil {
		return err
	}
	if payload == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("store: decoding %s: %w", key, err)
	}
	return nil
}
