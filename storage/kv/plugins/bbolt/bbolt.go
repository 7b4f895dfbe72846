package bbolt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/keys"
	"github.com/jrife/docstore/utils/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// DriverName is the name of this plugin in the registry
	DriverName = "bbolt"
	// DefaultTimeout is how long Open waits for the file lock
	DefaultTimeout = 5 * time.Second
)

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&BBoltPlugin{},
	}
}

var _ kv.Plugin = (*BBoltPlugin)(nil)

// BBoltPlugin implements kv.Plugin for bbolt
type BBoltPlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *BBoltPlugin) Name() string {
	return DriverName
}

// NewBackend implements kv.Plugin.NewBackend. Options:
//   path (string, required): database file
//   timeout (string, optional): file lock timeout, e.g. "1s"
func (plugin *BBoltPlugin) NewBackend(options kv.PluginOptions) (kv.Backend, error) {
	var config BBoltBackendConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	if timeout, ok := options["timeout"]; ok {
		timeoutString, ok := timeout.(string)

		if !ok {
			return nil, fmt.Errorf("\"timeout\" must be a string")
		}

		d, err := time.ParseDuration(timeoutString)

		if err != nil {
			return nil, fmt.Errorf("\"timeout\" is not a valid duration: %w", err)
		}

		config.Timeout = d
	}

	backend, err := New(config)

	if err != nil {
		return nil, err
	}

	return backend, nil
}

// NewTempBackend implements kv.Plugin.NewTempBackend
func (plugin *BBoltPlugin) NewTempBackend() (kv.Backend, error) {
	return plugin.NewBackend(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("bbolt-%s", uuid.MustUUID())),
	})
}

// BBoltBackendConfig configures a bbolt backend
type BBoltBackendConfig struct {
	Path    string
	Timeout time.Duration
}

var _ kv.Backend = (*BBoltBackend)(nil)

// New opens the bbolt database at config.Path, creating it
// if necessary
func New(config BBoltBackendConfig) (*BBoltBackend, error) {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	db, err := bolt.Open(config.Path, 0666, &bolt.Options{Timeout: config.Timeout})

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", config.Path, err)
	}

	return &BBoltBackend{db: db}, nil
}

// BBoltBackend is a kv.Backend that keeps each partition
// in a top-level bucket with one nested bucket per collection
type BBoltBackend struct {
	db *bolt.DB
}

// Partition implements kv.Backend.Partition
func (backend *BBoltBackend) Partition(name []byte) kv.Partition {
	return &BBoltPartition{db: backend.db, name: keys.Copy(name)}
}

// Close implements kv.Backend.Close
func (backend *BBoltBackend) Close() error {
	return backend.db.Close()
}

// Delete implements kv.Backend.Delete
func (backend *BBoltBackend) Delete() error {
	path := backend.db.Path()

	if err := backend.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %w", path, err)
	}

	return nil
}

func wrapError(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return kv.ErrClosed
	}

	return err
}

var _ kv.Partition = (*BBoltPartition)(nil)

// BBoltPartition implements kv.Partition
type BBoltPartition struct {
	db   *bolt.DB
	name []byte
}

// Name implements kv.Partition.Name
func (partition *BBoltPartition) Name() []byte {
	return partition.name
}

// Create implements kv.Partition.Create
func (partition *BBoltPartition) Create() error {
	err := partition.db.Update(func(txn *bolt.Tx) error {
		root, err := txn.CreateBucketIfNotExists(partition.name)

		if err != nil {
			return fmt.Errorf("could not create partition bucket: %w", err)
		}

		for _, collection := range kv.Collections() {
			if _, err := root.CreateBucketIfNotExists([]byte(collection)); err != nil {
				return fmt.Errorf("could not create %s bucket: %w", collection, err)
			}
		}

		return nil
	})

	return wrapError(err)
}

// Delete implements kv.Partition.Delete
func (partition *BBoltPartition) Delete() error {
	err := partition.db.Update(func(txn *bolt.Tx) error {
		if err := txn.DeleteBucket(partition.name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		return nil
	})

	return wrapError(err)
}

// Begin implements kv.Partition.Begin
func (partition *BBoltPartition) Begin(writable bool) (kv.Transaction, error) {
	transaction, err := partition.db.Begin(writable)

	if err != nil {
		return nil, wrapError(err)
	}

	root := transaction.Bucket(partition.name)

	if root == nil {
		transaction.Rollback()

		return nil, kv.ErrNoSuchPartition
	}

	return &BBoltTransaction{transaction: transaction, root: root}, nil
}

var _ kv.Transaction = (*BBoltTransaction)(nil)

// BBoltTransaction implements kv.Transaction
type BBoltTransaction struct {
	transaction *bolt.Tx
	root        *bolt.Bucket
}

// Map implements kv.Transaction.Map
func (transaction *BBoltTransaction) Map(collection kv.Collection) kv.Map {
	return &BBoltMap{bucket: transaction.root.Bucket([]byte(collection)), writable: transaction.transaction.Writable()}
}

// Commit implements kv.Transaction.Commit
func (transaction *BBoltTransaction) Commit() error {
	var err error

	if !transaction.transaction.Writable() {
		err = transaction.transaction.Rollback()
	} else {
		err = transaction.transaction.Commit()
	}

	if err != nil {
		if errors.Is(err, bolt.ErrTxClosed) {
			return kv.ErrTxnDone
		}

		return wrapError(err)
	}

	return nil
}

// Rollback implements kv.Transaction.Rollback
func (transaction *BBoltTransaction) Rollback() error {
	if err := transaction.transaction.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return err
	}

	return nil
}

var _ kv.Map = (*BBoltMap)(nil)

// BBoltMap implements kv.Map over a collection bucket
type BBoltMap struct {
	bucket   *bolt.Bucket
	writable bool
}

// Put implements kv.Map.Put
func (m *BBoltMap) Put(key, value []byte) error {
	if !m.writable {
		return kv.ErrReadOnly
	}

	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if len(value) == 0 {
		return kv.ErrEmptyValue
	}

	return m.bucket.Put(key, value)
}

// Delete implements kv.Map.Delete
func (m *BBoltMap) Delete(key []byte) error {
	if !m.writable {
		return kv.ErrReadOnly
	}

	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	return m.bucket.Delete(key)
}

// Get implements kv.Map.Get
func (m *BBoltMap) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}

	// bbolt values are only valid for the life of the transaction
	return keys.Copy(m.bucket.Get(key)), nil
}

// Keys implements kv.Map.Keys
func (m *BBoltMap) Keys(keys keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	return &BBoltIterator{cursor: m.bucket.Cursor(), keys: keys, order: order}, nil
}

var _ kv.Iterator = (*BBoltIterator)(nil)

// BBoltIterator implements kv.Iterator with a bbolt cursor
type BBoltIterator struct {
	cursor  *bolt.Cursor
	keys    keys.Range
	order   kv.SortOrder
	started bool
	done    bool
	key     []byte
	value   []byte
}

// Next implements kv.Iterator.Next
func (iter *BBoltIterator) Next() bool {
	if iter.done {
		return false
	}

	var k, v []byte

	if iter.order == kv.SortOrderDesc {
		k, v = iter.prev()

		if k == nil || (iter.keys.Min != nil && bytes.Compare(k, iter.keys.Min) < 0) {
			return iter.stop()
		}
	} else {
		k, v = iter.next()

		if k == nil || (iter.keys.Max != nil && bytes.Compare(k, iter.keys.Max) >= 0) {
			return iter.stop()
		}
	}

	// cursor memory is only valid for the life of the transaction
	iter.key = keys.Copy(k)
	iter.value = keys.Copy(v)

	return true
}

func (iter *BBoltIterator) next() ([]byte, []byte) {
	if iter.started {
		return iter.cursor.Next()
	}

	iter.started = true

	if iter.keys.Min != nil {
		return iter.cursor.Seek(iter.keys.Min)
	}

	return iter.cursor.First()
}

func (iter *BBoltIterator) prev() ([]byte, []byte) {
	if iter.started {
		return iter.cursor.Prev()
	}

	iter.started = true

	if iter.keys.Max != nil {
		// Seek lands on the first key >= Max, so the
		// last key < Max is the one right before it.
		if k, _ := iter.cursor.Seek(iter.keys.Max); k == nil {
			return iter.cursor.Last()
		}

		return iter.cursor.Prev()
	}

	return iter.cursor.Last()
}

func (iter *BBoltIterator) stop() bool {
	iter.done = true
	iter.key = nil
	iter.value = nil

	return false
}

// Key implements kv.Iterator.Key
func (iter *BBoltIterator) Key() []byte {
	return iter.key
}

// Value implements kv.Iterator.Value
func (iter *BBoltIterator) Value() []byte {
	return iter.value
}

// Error implements kv.Iterator.Error
func (iter *BBoltIterator) Error() error {
	return nil
}
