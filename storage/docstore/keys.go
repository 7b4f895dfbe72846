package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// QueryKey is a field name and value pair. It names a
// document by its store key or filters documents by one
// of their searchable fields.
type QueryKey struct {
	Key   string
	Value interface{}
}

// Encode returns the bytes that identify the value of q in
// storage. Two query keys with the same field are equal when
// their encoded values are equal.
func (q QueryKey) Encode() ([]byte, error) {
	return encodeValue(q.Value)
}

// Equal reports whether q and other are structurally equal
func (q QueryKey) Equal(other QueryKey) bool {
	if q.Key != other.Key {
		return false
	}

	a, err := q.Encode()

	if err != nil {
		return false
	}

	b, err := other.Encode()

	if err != nil {
		return false
	}

	return bytes.Equal(a, b)
}

// QueryKeys is an ordered set of query keys. As a filter
// it matches documents that match every key in the set.
type QueryKeys []QueryKey

// Validate returns ErrInvalidQuery if the set is empty
func (qks QueryKeys) Validate() error {
	if len(qks) == 0 {
		return fmt.Errorf("%w: at least one query key is required", ErrInvalidQuery)
	}

	return nil
}

// PartitionKey describes how a named field is read from
// a document.
type PartitionKey[T any] struct {
	// Key is the field name used in query keys
	Key string
	// Extract reads the field value from a document
	Extract func(doc T) interface{}
}

// WithObj derives the query key of doc for this field
func (pk PartitionKey[T]) WithObj(doc T) QueryKey {
	return QueryKey{Key: pk.Key, Value: pk.Extract(doc)}
}

// With returns a query key for this field with the given value
func (pk PartitionKey[T]) With(value interface{}) QueryKey {
	return QueryKey{Key: pk.Key, Value: value}
}

// Field is shorthand for building a PartitionKey
func Field[T any](key string, extract func(doc T) interface{}) PartitionKey[T] {
	return PartitionKey[T]{Key: key, Extract: extract}
}

// encodeValue uses JSON since it is deterministic for the
// scalars, strings, structs and maps used as key values
func encodeValue(value interface{}) ([]byte, error) {
	encoded, err := json.Marshal(value)

	if err != nil {
		return nil, fmt.Errorf("%w: could not encode value %#v: %w", ErrInvalidQuery, value, err)
	}

	return encoded, nil
}
