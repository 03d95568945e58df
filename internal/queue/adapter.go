// Package queue buffers mutating actions attempted while offline and replays
// them, in order, once connectivity returns.
package queue

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Adapter.Get for a missing key.
var ErrNotFound = errors.New("queue: key not found")

// Adapter is the durable key/value store behind the offline queue. Update is
// the primitive everything rides on: implementations must make it an atomic
// read-modify-write so two tabs sharing the same backing store cannot lose
// writes to each other.
type Adapter interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Update applies fn to the current value (nil if absent) and stores the
	// result atomically. Returning nil from fn deletes the key. An error from
	// fn aborts the update and is returned unchanged.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error

	Close() error
}
