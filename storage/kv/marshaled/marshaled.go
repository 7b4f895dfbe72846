// Package marshaled provides typed views over kv maps. Values
// are marshaled through a Codec on the way in and unmarshaled
// on the way out.
package marshaled

import (
	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/keys"
)

// Map is like kv.Map except its values are of type T
type Map[T any] struct {
	Map   kv.Map
	Codec Codec[T]
}

// New wraps m so that values are marshaled with codec
func New[T any](m kv.Map, codec Codec[T]) *Map[T] {
	return &Map[T]{Map: m, Codec: codec}
}

// Put is like kv.MapUpdater.Put except it marshals the value
func (m *Map[T]) Put(key []byte, value T) error {
	marshaledValue, err := m.Codec.Marshal(value)

	if err != nil {
		return err
	}

	return m.Map.Put(key, marshaledValue)
}

// Delete is kv.MapUpdater.Delete
func (m *Map[T]) Delete(key []byte) error {
	return m.Map.Delete(key)
}

// Get is like kv.MapReader.Get except it unmarshals the value.
// ok is false if the key does not exist.
func (m *Map[T]) Get(key []byte) (value T, ok bool, err error) {
	raw, err := m.Map.Get(key)

	if err != nil || raw == nil {
		return value, false, err
	}

	value, err = m.Codec.Unmarshal(raw)

	if err != nil {
		return value, false, err
	}

	return value, true, nil
}

// Keys is like kv.MapReader.Keys except the returned iterator unmarshals values
func (m *Map[T]) Keys(keys keys.Range, order kv.SortOrder) (*Iterator[T], error) {
	iter, err := m.Map.Keys(keys, order)

	if err != nil {
		return nil, err
	}

	return &Iterator[T]{
		Iterator: iter,
		codec:    m.Codec,
	}, nil
}

// Iterator is like kv.Iterator except it unmarshals values
type Iterator[T any] struct {
	kv.Iterator
	codec Codec[T]
	value T
	err   error
}

// Next is like kv.Iterator.Next. It stops at the first value
// that cannot be unmarshaled.
func (iterator *Iterator[T]) Next() bool {
	var zero T

	if iterator.err != nil {
		return false
	}

	if !iterator.Iterator.Next() {
		iterator.value = zero
		iterator.err = iterator.Iterator.Error()

		return false
	}

	iterator.value, iterator.err = iterator.codec.Unmarshal(iterator.Iterator.Value())

	if iterator.err != nil {
		iterator.value = zero

		// Exhaust the wrapped iterator so it releases its resources
		for iterator.Iterator.Next() {
		}

		return false
	}

	return true
}

// Value returns the unmarshaled value at the current iterator position
func (iterator *Iterator[T]) Value() T {
	return iterator.value
}

// Error is like kv.Iterator.Error but also reports unmarshaling errors
func (iterator *Iterator[T]) Error() error {
	return iterator.err
}
