// Package composite encodes a sequence of byte strings into
// a single flat key such that keys sharing leading elements
// share a byte prefix. Each element is written as a uvarint
// length followed by its bytes, which keeps element boundaries
// unambiguous regardless of the element contents.
package composite

import (
	"encoding/binary"
	"errors"

	"github.com/jrife/docstore/storage/kv/keys"
)

// ErrMalformed is returned by Decode when a flat key
// is not a valid encoding of a composite key
var ErrMalformed = errors.New("malformed composite key")

// Key is a sequence of keys
type Key []keys.Key

// Encode flattens the composite key
func (key Key) Encode() []byte {
	size := 0

	for _, k := range key {
		size += binary.MaxVarintLen64 + len(k)
	}

	flat := make([]byte, 0, size)

	for _, k := range key {
		flat = binary.AppendUvarint(flat, uint64(len(k)))
		flat = append(flat, k...)
	}

	return flat
}

// Range returns the range of flat keys whose composite
// form starts with every element of key, excluding the
// flat form of key itself.
func (key Key) Range() keys.Range {
	return keys.All().Prefix(key.Encode())
}

// Decode reverses Encode
func Decode(flat []byte) (Key, error) {
	var key Key

	for len(flat) > 0 {
		n, size := binary.Uvarint(flat)

		if size <= 0 || uint64(len(flat)-size) < n {
			return nil, ErrMalformed
		}

		flat = flat[size:]
		key = append(key, keys.Key(flat[:n:n]))
		flat = flat[n:]
	}

	return key, nil
}
