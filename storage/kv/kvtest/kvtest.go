// Package kvtest provides kv backends for tests that need
// storage to fail on demand.
package kvtest

import (
	"errors"
	"sync"

	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/keys"
)

// ErrCrashed is returned by every operation of a crashed backend
var ErrCrashed = errors.New("backend crashed")

// Op names a kv operation that a Fault can intercept
type Op string

const (
	// OpCreate is Partition.Create
	OpCreate Op = "create"
	// OpBegin is Partition.Begin
	OpBegin Op = "begin"
	// OpCommit is Transaction.Commit
	OpCommit Op = "commit"
	// OpPut is Map.Put
	OpPut Op = "put"
	// OpDelete is Map.Delete
	OpDelete Op = "delete"
	// OpGet is Map.Get
	OpGet Op = "get"
	// OpKeys is Map.Keys
	OpKeys Op = "keys"
)

// Fault decides whether op against collection should fail.
// collection is empty for OpCreate, OpBegin and OpCommit. A nil return
// lets the operation through to the wrapped backend.
type Fault func(op Op, collection kv.Collection) error

// Crashed is a Fault that fails everything
func Crashed(op Op, collection kv.Collection) error {
	return ErrCrashed
}

// FailOn returns a Fault that fails only op against collection.
// An empty collection matches any collection.
func FailOn(op Op, collection kv.Collection) Fault {
	return func(o Op, c kv.Collection) error {
		if o == op && (collection == "" || c == collection) {
			return ErrCrashed
		}

		return nil
	}
}

// FaultyBackend wraps a backend and consults a Fault before
// each operation. The fault can be swapped at any time.
type FaultyBackend struct {
	kv.Backend
	mu    sync.Mutex
	fault Fault
}

// NewFaultyBackend wraps backend. With a nil fault it behaves
// exactly like backend.
func NewFaultyBackend(backend kv.Backend, fault Fault) *FaultyBackend {
	return &FaultyBackend{Backend: backend, fault: fault}
}

// NewCrashedBackend returns a backend where every partition
// operation fails with ErrCrashed, starting with Create.
func NewCrashedBackend(backend kv.Backend) *FaultyBackend {
	return NewFaultyBackend(backend, Crashed)
}

// SetFault replaces the current fault
func (backend *FaultyBackend) SetFault(fault Fault) {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	backend.fault = fault
}

func (backend *FaultyBackend) check(op Op, collection kv.Collection) error {
	backend.mu.Lock()
	fault := backend.fault
	backend.mu.Unlock()

	if fault == nil {
		return nil
	}

	return fault(op, collection)
}

// Partition implements kv.Backend.Partition
func (backend *FaultyBackend) Partition(name []byte) kv.Partition {
	return &faultyPartition{Partition: backend.Backend.Partition(name), backend: backend}
}

type faultyPartition struct {
	kv.Partition
	backend *FaultyBackend
}

func (partition *faultyPartition) Create() error {
	if err := partition.backend.check(OpCreate, ""); err != nil {
		return err
	}

	return partition.Partition.Create()
}

func (partition *faultyPartition) Begin(writable bool) (kv.Transaction, error) {
	if err := partition.backend.check(OpBegin, ""); err != nil {
		return nil, err
	}

	txn, err := partition.Partition.Begin(writable)

	if err != nil {
		return nil, err
	}

	return &faultyTransaction{Transaction: txn, backend: partition.backend}, nil
}

type faultyTransaction struct {
	kv.Transaction
	backend *FaultyBackend
}

func (txn *faultyTransaction) Map(collection kv.Collection) kv.Map {
	return &faultyMap{Map: txn.Transaction.Map(collection), collection: collection, backend: txn.backend}
}

func (txn *faultyTransaction) Commit() error {
	if err := txn.backend.check(OpCommit, ""); err != nil {
		// The wrapped transaction must still be released
		txn.Transaction.Rollback()

		return err
	}

	return txn.Transaction.Commit()
}

type faultyMap struct {
	kv.Map
	collection kv.Collection
	backend    *FaultyBackend
}

func (m *faultyMap) Put(key, value []byte) error {
	if err := m.backend.check(OpPut, m.collection); err != nil {
		return err
	}

	return m.Map.Put(key, value)
}

func (m *faultyMap) Delete(key []byte) error {
	if err := m.backend.check(OpDelete, m.collection); err != nil {
		return err
	}

	return m.Map.Delete(key)
}

func (m *faultyMap) Get(key []byte) ([]byte, error) {
	if err := m.backend.check(OpGet, m.collection); err != nil {
		return nil, err
	}

	return m.Map.Get(key)
}

func (m *faultyMap) Keys(keys keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	if err := m.backend.check(OpKeys, m.collection); err != nil {
		return nil, err
	}

	return m.Map.Keys(keys, order)
}
