// Package pebble implements a kv backend on top of a pebble
// LSM database. Every partition lives under its own key prefix
// and every collection under a one byte sub-prefix. A writable
// transaction is an indexed batch that commits atomically.
package pebble

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/keys"
	"github.com/jrife/docstore/storage/kv/keys/composite"
	"github.com/jrife/docstore/utils/uuid"
)

const (
	// DriverName is the name of this plugin in the registry
	DriverName = "pebble"
)

var (
	metaPrefix       = byte(0)
	collectionPrefix = map[kv.Collection]byte{kv.Documents: 1, kv.UniqueKeys: 2, kv.SearchableKeys: 3}
	partitionMarker  = []byte{1}
)

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&PebblePlugin{},
	}
}

var _ kv.Plugin = (*PebblePlugin)(nil)

// PebblePlugin implements kv.Plugin for pebble
type PebblePlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *PebblePlugin) Name() string {
	return DriverName
}

// NewBackend implements kv.Plugin.NewBackend. Options:
//   path (string, required): database directory
//   sync (bool, optional): fsync on every commit, default true
func (plugin *PebblePlugin) NewBackend(options kv.PluginOptions) (kv.Backend, error) {
	var config PebbleBackendConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	config.Sync = true

	if sync, ok := options["sync"]; ok {
		syncBool, ok := sync.(bool)

		if !ok {
			return nil, fmt.Errorf("\"sync\" must be a bool")
		}

		config.Sync = syncBool
	}

	return New(config)
}

// NewTempBackend implements kv.Plugin.NewTempBackend
func (plugin *PebblePlugin) NewTempBackend() (kv.Backend, error) {
	return plugin.NewBackend(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("pebble-%s", uuid.MustUUID())),
		"sync": false,
	})
}

// PebbleBackendConfig configures a pebble backend
type PebbleBackendConfig struct {
	Path string
	Sync bool
}

var _ kv.Backend = (*PebbleBackend)(nil)

// PebbleBackend is a kv.Backend backed by one pebble database
type PebbleBackend struct {
	db           *pebble.DB
	path         string
	writeOptions *pebble.WriteOptions
	mu           sync.RWMutex
	closed       bool
	writersMu    sync.Mutex
	writers      map[string]*sync.Mutex
}

// New opens the pebble database at config.Path, creating it
// if necessary
func New(config PebbleBackendConfig) (*PebbleBackend, error) {
	db, err := pebble.Open(config.Path, &pebble.Options{})

	if err != nil {
		return nil, fmt.Errorf("could not open pebble store at %s: %w", config.Path, err)
	}

	writeOptions := pebble.NoSync

	if config.Sync {
		writeOptions = pebble.Sync
	}

	return &PebbleBackend{
		db:           db,
		path:         config.Path,
		writeOptions: writeOptions,
		writers:      map[string]*sync.Mutex{},
	}, nil
}

// Partition implements kv.Backend.Partition
func (backend *PebbleBackend) Partition(name []byte) kv.Partition {
	return &PebblePartition{
		backend: backend,
		name:    keys.Copy(name),
		prefix:  composite.Key{keys.Key(name)}.Encode(),
	}
}

// Close implements kv.Backend.Close. It waits for
// open transactions to finish.
func (backend *PebbleBackend) Close() error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.closed {
		return nil
	}

	backend.closed = true

	return backend.db.Close()
}

// Delete implements kv.Backend.Delete
func (backend *PebbleBackend) Delete() error {
	if err := backend.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	if err := os.RemoveAll(backend.path); err != nil {
		return fmt.Errorf("could not remove path %s: %w", backend.path, err)
	}

	return nil
}

// acquire marks the start of an operation against the
// database. release must be called once it is over.
func (backend *PebbleBackend) acquire() error {
	backend.mu.RLock()

	if backend.closed {
		backend.mu.RUnlock()

		return kv.ErrClosed
	}

	return nil
}

func (backend *PebbleBackend) release() {
	backend.mu.RUnlock()
}

func (backend *PebbleBackend) writer(name []byte) *sync.Mutex {
	backend.writersMu.Lock()
	defer backend.writersMu.Unlock()

	writer, ok := backend.writers[string(name)]

	if !ok {
		writer = &sync.Mutex{}
		backend.writers[string(name)] = writer
	}

	return writer
}

var _ kv.Partition = (*PebblePartition)(nil)

// PebblePartition implements kv.Partition
type PebblePartition struct {
	backend *PebbleBackend
	name    []byte
	prefix  []byte
}

func (partition *PebblePartition) metaKey() []byte {
	return append(append(keys.Copy(partition.prefix), metaPrefix), partitionMarker...)
}

// Name implements kv.Partition.Name
func (partition *PebblePartition) Name() []byte {
	return partition.name
}

// Create implements kv.Partition.Create
func (partition *PebblePartition) Create() error {
	if err := partition.backend.acquire(); err != nil {
		return err
	}

	defer partition.backend.release()

	if err := partition.backend.db.Set(partition.metaKey(), partitionMarker, partition.backend.writeOptions); err != nil {
		return fmt.Errorf("could not write partition marker: %w", err)
	}

	return nil
}

// Delete implements kv.Partition.Delete
func (partition *PebblePartition) Delete() error {
	writer := partition.backend.writer(partition.name)
	writer.Lock()
	defer writer.Unlock()

	if err := partition.backend.acquire(); err != nil {
		return err
	}

	defer partition.backend.release()

	end := keys.Inc(partition.prefix)

	if err := partition.backend.db.DeleteRange(partition.prefix, end, partition.backend.writeOptions); err != nil {
		return fmt.Errorf("could not delete partition range: %w", err)
	}

	return nil
}

// Begin implements kv.Partition.Begin
func (partition *PebblePartition) Begin(writable bool) (kv.Transaction, error) {
	var writer *sync.Mutex

	if writable {
		writer = partition.backend.writer(partition.name)
		writer.Lock()
	}

	if err := partition.backend.acquire(); err != nil {
		if writer != nil {
			writer.Unlock()
		}

		return nil, err
	}

	txn := &PebbleTransaction{
		partition: partition,
		batch:     partition.backend.db.NewIndexedBatch(),
		writable:  writable,
		writer:    writer,
	}

	_, closer, err := txn.batch.Get(partition.metaKey())

	if err != nil {
		txn.Rollback()

		if errors.Is(err, pebble.ErrNotFound) {
			return nil, kv.ErrNoSuchPartition
		}

		return nil, err
	}

	closer.Close()

	return txn, nil
}

var _ kv.Transaction = (*PebbleTransaction)(nil)

// PebbleTransaction implements kv.Transaction with an
// indexed batch. Reads see the batch's own writes merged
// over the committed database state.
type PebbleTransaction struct {
	partition *PebblePartition
	batch     *pebble.Batch
	writable  bool
	writer    *sync.Mutex
	done      bool
}

// Map implements kv.Transaction.Map
func (txn *PebbleTransaction) Map(collection kv.Collection) kv.Map {
	prefix := append(keys.Copy(txn.partition.prefix), collectionPrefix[collection])

	return &PebbleMap{txn: txn, prefix: prefix}
}

// Commit implements kv.Transaction.Commit
func (txn *PebbleTransaction) Commit() error {
	if txn.done {
		return kv.ErrTxnDone
	}

	defer txn.finish()

	if !txn.writable || txn.batch.Empty() {
		return nil
	}

	if err := txn.batch.Commit(txn.partition.backend.writeOptions); err != nil {
		return fmt.Errorf("could not commit batch: %w", err)
	}

	return nil
}

// Rollback implements kv.Transaction.Rollback
func (txn *PebbleTransaction) Rollback() error {
	if txn.done {
		return nil
	}

	txn.finish()

	return nil
}

func (txn *PebbleTransaction) finish() {
	txn.done = true
	txn.batch.Close()
	txn.partition.backend.release()

	if txn.writer != nil {
		txn.writer.Unlock()
	}
}

var _ kv.Map = (*PebbleMap)(nil)

// PebbleMap implements kv.Map over one collection prefix
type PebbleMap struct {
	txn    *PebbleTransaction
	prefix []byte
}

func (m *PebbleMap) key(key []byte) []byte {
	k := make([]byte, 0, len(m.prefix)+len(key))
	k = append(k, m.prefix...)

	return append(k, key...)
}

func (m *PebbleMap) check(write bool, key []byte) error {
	if m.txn.done {
		return kv.ErrTxnDone
	}

	if write && !m.txn.writable {
		return kv.ErrReadOnly
	}

	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	return nil
}

// Put implements kv.Map.Put
func (m *PebbleMap) Put(key, value []byte) error {
	if err := m.check(true, key); err != nil {
		return err
	}

	if len(value) == 0 {
		return kv.ErrEmptyValue
	}

	return m.txn.batch.Set(m.key(key), value, nil)
}

// Delete implements kv.Map.Delete
func (m *PebbleMap) Delete(key []byte) error {
	if err := m.check(true, key); err != nil {
		return err
	}

	return m.txn.batch.Delete(m.key(key), nil)
}

// Get implements kv.Map.Get
func (m *PebbleMap) Get(key []byte) ([]byte, error) {
	if err := m.check(false, key); err != nil {
		return nil, err
	}

	value, closer, err := m.txn.batch.Get(m.key(key))

	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	defer closer.Close()

	return keys.Copy(value), nil
}

// Keys implements kv.Map.Keys
func (m *PebbleMap) Keys(keys keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	if m.txn.done {
		return nil, kv.ErrTxnDone
	}

	options := &pebble.IterOptions{LowerBound: m.key(keys.Min)}

	if keys.Max != nil {
		options.UpperBound = m.key(keys.Max)
	} else {
		options.UpperBound = incPrefix(m.prefix)
	}

	iter, err := m.txn.batch.NewIter(options)

	if err != nil {
		return nil, fmt.Errorf("could not create iterator: %w", err)
	}

	return &PebbleIterator{iter: iter, order: order, prefixLen: len(m.prefix)}, nil
}

func incPrefix(prefix []byte) []byte {
	return keys.Inc(prefix)
}

var _ kv.Iterator = (*PebbleIterator)(nil)

// PebbleIterator implements kv.Iterator. It closes the
// underlying pebble iterator once exhausted.
type PebbleIterator struct {
	iter      *pebble.Iterator
	order     kv.SortOrder
	prefixLen int
	started   bool
	closed    bool
	key       []byte
	value     []byte
	err       error
}

// Next implements kv.Iterator.Next
func (iter *PebbleIterator) Next() bool {
	if iter.closed {
		return false
	}

	var valid bool

	switch {
	case !iter.started && iter.order == kv.SortOrderDesc:
		valid = iter.iter.Last()
	case !iter.started:
		valid = iter.iter.First()
	case iter.order == kv.SortOrderDesc:
		valid = iter.iter.Prev()
	default:
		valid = iter.iter.Next()
	}

	iter.started = true

	if !valid {
		iter.err = iter.iter.Error()
		iter.key = nil
		iter.value = nil
		iter.closed = true

		if err := iter.iter.Close(); err != nil && iter.err == nil {
			iter.err = err
		}

		return false
	}

	iter.key = keys.Copy(iter.iter.Key()[iter.prefixLen:])
	iter.value = keys.Copy(iter.iter.Value())

	return true
}

// Key implements kv.Iterator.Key
func (iter *PebbleIterator) Key() []byte {
	return iter.key
}

// Value implements kv.Iterator.Value
func (iter *PebbleIterator) Value() []byte {
	return iter.value
}

// Error implements kv.Iterator.Error
func (iter *PebbleIterator) Error() error {
	return iter.err
}
