package kv

import (
	"errors"

	"github.com/jrife/docstore/storage/kv/keys"
)

var (
	// ErrClosed indicates that the backend was closed
	ErrClosed = errors.New("backend was closed")
	// ErrNoSuchPartition indicates that the partition doesn't exist. Either it hasn't been created or was deleted
	ErrNoSuchPartition = errors.New("partition does not exist")
	// ErrTxnDone is returned when a transaction is used after Commit or Rollback
	ErrTxnDone = errors.New("transaction has already been committed or rolled back")
	// ErrReadOnly is returned when a read-only transaction attempts a write
	ErrReadOnly = errors.New("transaction is read-only")
	// ErrEmptyKey is returned by Put, Get, and Delete when the key is nil or empty
	ErrEmptyKey = errors.New("key must not be empty")
	// ErrEmptyValue is returned by Put when the value is nil or empty
	ErrEmptyValue = errors.New("value must not be empty")
)

// PluginOptions is a generic structure to pass
// configuration to a backend plugin
type PluginOptions map[string]interface{}

// SortOrder describes sort order for keys
// Either SortOrderAsc or SortOrderDesc
type SortOrder int

const (
	// SortOrderAsc sorts in increasing order
	SortOrderAsc SortOrder = iota
	// SortOrderDesc sorts in decreasing order
	SortOrderDesc
)

// Collection names one of the three keyed collections
// that every partition is made of.
type Collection string

const (
	// Documents maps an encoded document key to the encoded document
	Documents Collection = "documents"
	// UniqueKeys maps an encoded document key to a presence marker
	UniqueKeys Collection = "unique_keys"
	// SearchableKeys maps an encoded (field, value, key) triple to the encoded key
	SearchableKeys Collection = "searchable_keys"
)

// Collections lists every collection in a partition
// in the order that backends create them.
func Collections() []Collection {
	return []Collection{Documents, UniqueKeys, SearchableKeys}
}

// Plugin represents a kv backend plugin
type Plugin interface {
	// Name returns the name of the backend plugin
	Name() string
	// NewBackend returns an instance of the plugin backend
	NewBackend(options PluginOptions) (Backend, error)
	// NewTempBackend returns an instance of the plugin backend
	// initialized with some sane defaults. It is meant for
	// tests that need an initialized instance of the plugin's
	// backend without knowing how to initialize it
	NewTempBackend() (Backend, error)
}

// Backend is the physical storage from which partitions are
// obtained. A backend may hold many partitions, each
// independent of the others.
type Backend interface {
	// Partition returns a handle for the partition with this name.
	// It does not guarantee that this partition exists yet and should
	// not create the partition. It must not return nil.
	Partition(name []byte) Partition
	// Close closes the backend. Calls to any partition or transaction
	// descended from this backend occurring after Close returns must
	// have no effect and return ErrClosed.
	Close() error
	// Delete closes then deletes this backend and all its contents.
	// If the backend has no persistent state it behaves like Close.
	Delete() error
}

// Partition is a reference to a named partition of a backend.
// A partition is made of the three collections named by Collections().
// Transactions within a partition must be strictly serializable: only
// one writable transaction may be open at a time and Begin(true) blocks
// until the previous writable transaction commits or rolls back.
//
// TL;DR Don't Do This (Possible Deadlock):
//   Thread A:
//     1) a.Lock()
//     2) p.Begin(true)
//   Thread B:
//     1) p.Begin(true)
//     2) a.Lock()
//
// Do This
//   Thread A:
//     1) a.Lock()
//     2) p.Begin(true)
//   Thread B:
//     1) a.Lock()
//     2) p.Begin(true)
type Partition interface {
	// Name returns the name of this partition
	Name() []byte
	// Create creates the collections of this partition if they do
	// not exist. It has no effect if the partition already exists,
	// leaving any persisted state in place. It must return ErrClosed
	// if its invocation starts after Close() on the backend returns.
	Create() error
	// Delete deletes this partition and its collections if it exists.
	// It has no effect if the partition does not exist.
	Delete() error
	// Begin starts a transaction spanning all collections of this partition.
	// writable should be true for read-write transactions and false for
	// read-only transactions. If Begin() is called after Close() on the
	// backend returns it must return ErrClosed. Otherwise if this partition
	// does not exist it must return ErrNoSuchPartition.
	Begin(writable bool) (Transaction, error)
}

// MapUpdater is an interface for updating a sorted
// key-value map
type MapUpdater interface {
	// Put puts a key. Put must return an error
	// if either key or value is nil or empty.
	Put(key, value []byte) error
	// Delete deletes a key. It must return an error if the key
	// is nil or empty. If the key doesn't exist it has no effect
	// and returns nil.
	Delete(key []byte) error
}

// MapReader is an interface for reading a sorted
// key-value map
type MapReader interface {
	// Get gets a key. It must observe updates to that key made
	// previously by this transation. Get must return an error
	// if the key is nil or empty. It must return nil if the
	// requested key does not exist.
	Get(key []byte) ([]byte, error)
	// Keys creates an iterator that iterates over the range
	// of keys
	Keys(keys keys.Range, order SortOrder) (Iterator, error)
}

// Map combines MapReader and MapUpdater
type Map interface {
	MapUpdater
	MapReader
}

// Transaction is a transaction for a partition. It must only be
// used by one goroutine at a time. Writes made through any of its
// maps become visible to other transactions together on Commit.
type Transaction interface {
	// Map returns the map for the named collection
	Map(collection Collection) Map
	// Commit commits the transaction
	Commit() error
	// Rollback rolls back the transaction. Calling Rollback after
	// Commit has no effect, so it is safe to defer.
	Rollback() error
}

// Iterator iterates over a set of keys. It must only be
// used by one goroutine at a time. Consumers should not
// attempt to use an iterator once its parent transaction
// has been rolled back. Behavior is undefined in this case.
// The transaction must not mutate the map when the iterator
// is in use. This may cause inconsistent behavior.
type Iterator interface {
	// Next advances the iterator to the next key
	// A fresh iterator must call Next once to
	// advance to the first key. Next returns false
	// if there is no next key or if it encounters an
	// error.
	Next() bool
	// Key returns the current key
	Key() []byte
	// Value returns the current value
	Value() []byte
	// Error returns the error, if any.
	Error() error
}
