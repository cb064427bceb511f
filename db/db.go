// Package db defines the key-value interface used by the deployment journal.
package db

import "errors"

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when a key read by the transaction
	// was modified concurrently.
	ErrConflict = errors.New("transaction conflict")
	// ErrTxDone is returned when using a committed or discarded transaction.
	ErrTxDone = errors.New("transaction already committed or discarded")
)

// Options configures a database backend.
type Options struct {
	Path string
}

// Reader is the read side shared by databases and transactions.
type Reader interface {
	// Get returns a copy of the value stored at key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback for each key with the given prefix in
	// lexicographic order, until callback returns false.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx groups writes that are applied atomically on Commit.
type WriteTx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	// Discard releases the transaction. It is safe to call after Commit.
	Discard()
}

// Database is a persistent or ephemeral key-value store.
type Database interface {
	Reader
	WriteTx() WriteTx
	Close() error
}
