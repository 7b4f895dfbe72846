// Package memory implements a kv backend that keeps every
// partition in ordered in-memory maps. Nothing survives
// Close. Transactions apply writes in place and keep an undo
// log so Rollback can restore the previous state.
package memory

import (
	"bytes"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/keys"
)

const (
	// DriverName is the name of this plugin in the registry
	DriverName = "memory"
)

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&Plugin{},
	}
}

var _ kv.Plugin = (*Plugin)(nil)

// Plugin implements kv.Plugin for the memory backend
type Plugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *Plugin) Name() string {
	return DriverName
}

// NewBackend implements kv.Plugin.NewBackend. The memory
// backend takes no options.
func (plugin *Plugin) NewBackend(options kv.PluginOptions) (kv.Backend, error) {
	return New(), nil
}

// NewTempBackend implements kv.Plugin.NewTempBackend
func (plugin *Plugin) NewTempBackend() (kv.Backend, error) {
	return New(), nil
}

var _ kv.Backend = (*Backend)(nil)

// Backend is an in-memory kv.Backend
type Backend struct {
	mu         sync.Mutex
	closed     bool
	partitions map[string]*partitionState
}

// New creates an empty memory backend
func New() *Backend {
	return &Backend{
		partitions: map[string]*partitionState{},
	}
}

// Partition implements kv.Backend.Partition
func (backend *Backend) Partition(name []byte) kv.Partition {
	return &Partition{backend: backend, name: keys.Copy(name)}
}

// Close implements kv.Backend.Close
func (backend *Backend) Close() error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	backend.closed = true
	backend.partitions = map[string]*partitionState{}

	return nil
}

// Delete implements kv.Backend.Delete
func (backend *Backend) Delete() error {
	return backend.Close()
}

func (backend *Backend) isClosed() bool {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	return backend.closed
}

func (backend *Backend) state(name []byte) (*partitionState, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.closed {
		return nil, kv.ErrClosed
	}

	state, ok := backend.partitions[string(name)]

	if !ok {
		return nil, kv.ErrNoSuchPartition
	}

	return state, nil
}

// partitionState holds the collections of one partition.
// mu is held for the lifetime of a transaction: exclusively
// by writers and shared by readers.
type partitionState struct {
	mu          sync.RWMutex
	collections map[kv.Collection]*treemap.Map
}

func newPartitionState() *partitionState {
	state := &partitionState{collections: map[kv.Collection]*treemap.Map{}}

	for _, collection := range kv.Collections() {
		state.collections[collection] = treemap.NewWith(func(a, b interface{}) int {
			return bytes.Compare(a.([]byte), b.([]byte))
		})
	}

	return state
}

var _ kv.Partition = (*Partition)(nil)

// Partition implements kv.Partition
type Partition struct {
	backend *Backend
	name    []byte
}

// Name implements kv.Partition.Name
func (partition *Partition) Name() []byte {
	return partition.name
}

// Create implements kv.Partition.Create
func (partition *Partition) Create() error {
	partition.backend.mu.Lock()
	defer partition.backend.mu.Unlock()

	if partition.backend.closed {
		return kv.ErrClosed
	}

	if _, ok := partition.backend.partitions[string(partition.name)]; !ok {
		partition.backend.partitions[string(partition.name)] = newPartitionState()
	}

	return nil
}

// Delete implements kv.Partition.Delete
func (partition *Partition) Delete() error {
	state, err := partition.backend.state(partition.name)

	if err == kv.ErrNoSuchPartition {
		return nil
	} else if err != nil {
		return err
	}

	// Wait for open transactions to finish
	state.mu.Lock()
	defer state.mu.Unlock()

	partition.backend.mu.Lock()
	defer partition.backend.mu.Unlock()

	if partition.backend.partitions[string(partition.name)] == state {
		delete(partition.backend.partitions, string(partition.name))
	}

	return nil
}

// Begin implements kv.Partition.Begin
func (partition *Partition) Begin(writable bool) (kv.Transaction, error) {
	state, err := partition.backend.state(partition.name)

	if err != nil {
		return nil, err
	}

	if writable {
		state.mu.Lock()
	} else {
		state.mu.RLock()
	}

	return &Transaction{
		backend:  partition.backend,
		state:    state,
		writable: writable,
	}, nil
}

type undoEntry struct {
	collection kv.Collection
	key        []byte
	value      []byte
	existed    bool
}

var _ kv.Transaction = (*Transaction)(nil)

// Transaction implements kv.Transaction
type Transaction struct {
	backend  *Backend
	state    *partitionState
	writable bool
	done     bool
	undo     []undoEntry
}

// Map implements kv.Transaction.Map
func (txn *Transaction) Map(collection kv.Collection) kv.Map {
	return &Map{txn: txn, collection: collection}
}

// Commit implements kv.Transaction.Commit
func (txn *Transaction) Commit() error {
	if txn.done {
		return kv.ErrTxnDone
	}

	if txn.backend.isClosed() {
		txn.rollback()

		return kv.ErrClosed
	}

	txn.undo = nil
	txn.finish()

	return nil
}

// Rollback implements kv.Transaction.Rollback
func (txn *Transaction) Rollback() error {
	if txn.done {
		return nil
	}

	txn.rollback()

	return nil
}

func (txn *Transaction) rollback() {
	for i := len(txn.undo) - 1; i >= 0; i-- {
		entry := txn.undo[i]
		m := txn.state.collections[entry.collection]

		if entry.existed {
			m.Put(entry.key, entry.value)
		} else {
			m.Remove(entry.key)
		}
	}

	txn.undo = nil
	txn.finish()
}

func (txn *Transaction) finish() {
	txn.done = true

	if txn.writable {
		txn.state.mu.Unlock()
	} else {
		txn.state.mu.RUnlock()
	}
}

func (txn *Transaction) check(write bool) error {
	if txn.done {
		return kv.ErrTxnDone
	}

	if write && !txn.writable {
		return kv.ErrReadOnly
	}

	if txn.backend.isClosed() {
		return kv.ErrClosed
	}

	return nil
}

func (txn *Transaction) record(collection kv.Collection, key []byte) {
	m := txn.state.collections[collection]
	value, existed := m.Get(key)
	entry := undoEntry{collection: collection, key: key, existed: existed}

	if existed {
		entry.value = value.([]byte)
	}

	txn.undo = append(txn.undo, entry)
}

var _ kv.Map = (*Map)(nil)

// Map implements kv.Map over one collection
// of a transaction
type Map struct {
	txn        *Transaction
	collection kv.Collection
}

func (m *Map) tree() *treemap.Map {
	return m.txn.state.collections[m.collection]
}

// Put implements kv.Map.Put
func (m *Map) Put(key, value []byte) error {
	if err := m.txn.check(true); err != nil {
		return err
	}

	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if len(value) == 0 {
		return kv.ErrEmptyValue
	}

	key = keys.Copy(key)
	m.txn.record(m.collection, key)
	m.tree().Put(key, keys.Copy(value))

	return nil
}

// Delete implements kv.Map.Delete
func (m *Map) Delete(key []byte) error {
	if err := m.txn.check(true); err != nil {
		return err
	}

	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if _, ok := m.tree().Get(key); !ok {
		return nil
	}

	key = keys.Copy(key)
	m.txn.record(m.collection, key)
	m.tree().Remove(key)

	return nil
}

// Get implements kv.Map.Get
func (m *Map) Get(key []byte) ([]byte, error) {
	if err := m.txn.check(false); err != nil {
		return nil, err
	}

	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}

	v, ok := m.tree().Get(key)

	if !ok {
		return nil, nil
	}

	return keys.Copy(v.([]byte)), nil
}

// Keys implements kv.Map.Keys
func (m *Map) Keys(keys keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	if err := m.txn.check(false); err != nil {
		return nil, err
	}

	iter := m.tree().Iterator()

	if order == kv.SortOrderDesc {
		iter.End()
	} else {
		iter.Begin()
	}

	return &Iterator{iter: iter, keys: keys, order: order}, nil
}

var _ kv.Iterator = (*Iterator)(nil)

// Iterator is the iterator implementation for Map
type Iterator struct {
	iter  treemap.Iterator
	keys  keys.Range
	order kv.SortOrder
	done  bool
}

// Next implements kv.Iterator.Next
func (iter *Iterator) Next() bool {
	if iter.done {
		return false
	}

	if iter.order == kv.SortOrderDesc {
		for iter.iter.Prev() {
			key := iter.iter.Key().([]byte)

			if iter.keys.Max != nil && bytes.Compare(key, iter.keys.Max) >= 0 {
				continue
			}

			if iter.keys.Min != nil && bytes.Compare(key, iter.keys.Min) < 0 {
				break
			}

			return true
		}
	} else {
		for iter.iter.Next() {
			key := iter.iter.Key().([]byte)

			if iter.keys.Min != nil && bytes.Compare(key, iter.keys.Min) < 0 {
				continue
			}

			if iter.keys.Max != nil && bytes.Compare(key, iter.keys.Max) >= 0 {
				break
			}

			return true
		}
	}

	iter.done = true

	return false
}

// Key implements kv.Iterator.Key
func (iter *Iterator) Key() []byte {
	return iter.iter.Key().([]byte)
}

// Value implements kv.Iterator.Value
func (iter *Iterator) Value() []byte {
	return iter.iter.Value().([]byte)
}

// Error implements kv.Iterator.Error
func (iter *Iterator) Error() error {
	return nil
}
