package queue

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketOffline = []byte("offline")

// BoltAdapter persists the queue in a single-file bbolt database, the store
// of choice for desktop and kiosk portal clients. bbolt's Update transactions
// give the atomic read-modify-write the queue requires.
type BoltAdapter struct {
	db *bbolt.DB
}

// NewBoltAdapter opens (or creates) the database file at path.
func NewBoltAdapter(path string) (*BoltAdapter, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOffline)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: initialize bucket: %w", err)
	}
	return &BoltAdapter{db: db}, nil
}

func (b *BoltAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketOffline).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltAdapter) Set(ctx context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOffline).Put([]byte(key), value)
	})
}

func (b *BoltAdapter) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOffline).Delete([]byte(key))
	})
}

func (b *BoltAdapter) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOffline)
		var current []byte
		if v := bucket.Get([]byte(key)); v != nil {
			current = append([]byte(nil), v...)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return bucket.Delete([]byte(key))
		}
		return bucket.Put([]byte(key), next)
	})
}

func (b *BoltAdapter) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
