// Package store defines the shared key/value store the signaling broker runs
// on. The broker assumes nothing beyond per-key compare-and-set: ordering,
// idempotence and cleanup are all layered on top by the broker itself.
package store

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get/CompareAndSwap/Delete when the key does
	// not exist.
	ErrKeyNotFound = errors.New("store: key not found")

	// ErrKeyExists is returned by Create when the key already exists.
	ErrKeyExists = errors.New("store: key exists")

	// ErrVersionConflict is returned by CompareAndSwap/Delete when the stored
	// version no longer matches the caller's expectation. Callers re-read and
	// re-apply their guard.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrUnavailable is returned for transient backend failures (timeouts,
	// throttling, connectivity). Callers retry with backoff.
	ErrUnavailable = errors.New("store: unavailable")
)

// Record is one stored value together with the version the backend assigned
// to it. Versions increase by 1 on every successful write to the key.
type Record struct {
	Value   []byte
	Version int64
}

// Store is a minimal eventually-consistent key/value interface with per-key
// compare-and-set. Keys are slash-separated paths ("sessions/<id>",
// "presence/<deviceId>").
//
// All methods honor ctx cancellation and deadlines; no call blocks
// indefinitely.
type Store interface {
	// Get returns the current record for key.
	Get(ctx context.Context, key string) (Record, error)

	// Create writes value only if key does not exist yet. The new record has
	// version 1.
	Create(ctx context.Context, key string, value []byte) error

	// Put unconditionally upserts value under key. Used only for writes whose
	// last-writer-wins semantics are safe (presence heartbeats).
	Put(ctx context.Context, key string, value []byte) error

	// CompareAndSwap replaces the record only if its version equals
	// expectVersion.
	CompareAndSwap(ctx context.Context, key string, value []byte, expectVersion int64) error

	// Delete removes the record only if its version equals expectVersion.
	// Deleting a missing key returns ErrKeyNotFound.
	Delete(ctx context.Context, key string, expectVersion int64) error

	// List returns all keys with the given prefix. Order is unspecified.
	List(ctx context.Context, prefix string) ([]string, error)
}
