// Package storage provides the key-value store behind the block history.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

// Backends accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in ascending key
	// order. The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Open returns an empty database of the given backend. Badger data found at
// path is discarded: nothing the manager stores outlives the process.
func Open(backend, path string) (DB, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendBadger:
		db, err := NewBadger(path)
		if err != nil {
			return nil, err
		}
		if err := db.Reset(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
