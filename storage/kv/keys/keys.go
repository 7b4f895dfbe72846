package keys

import (
	"bytes"
)

// Key is a single key
type Key []byte

// Compare compares two keys
// -1 means a < b
// 1 means a > b
// 0 means a = b
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// Inc returns the smallest key that is greater than
// every key having key as a prefix. It returns nil
// if no such key exists (key is empty or all 0xff).
// key is not modified.
func Inc(key Key) Key {
	after := make(Key, len(key))

	copy(after, key)

	for i := len(after) - 1; i >= 0; i-- {
		if after[i] < 0xff {
			after[i]++

			return after[:i+1]
		}
	}

	// Every byte was 0xff. The range should just go
	// all the way to the end of the real key range.
	return nil
}

// Copy returns a copy of key that does not share
// its backing array
func Copy(key []byte) []byte {
	if key == nil {
		return nil
	}

	return append([]byte{}, key...)
}
