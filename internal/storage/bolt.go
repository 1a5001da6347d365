package storage

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	objectsBucket      = []byte("objects")
	contentTypesBucket = []byte("content_types")
)

// BoltStore keeps objects in a local bbolt file. It serves development
// setups without S3.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(objectsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(contentTypesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Put stores body and its content type under key, replacing earlier values.
func (b *BoltStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(objectsBucket).Put([]byte(key), body); err != nil {
			return err
		}
		return tx.Bucket(contentTypesBucket).Put([]byte(key), []byte(contentType))
	})
}

// Get returns a copy of the object stored under key.
func (b *BoltStore) Get(key string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(objectsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		contentType = string(tx.Bucket(contentTypesBucket).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
