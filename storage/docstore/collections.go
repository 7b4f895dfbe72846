package docstore

import (
	"fmt"

	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/keys"
	"github.com/jrife/docstore/storage/kv/keys/composite"
	"github.com/jrife/docstore/storage/kv/marshaled"
)

// indexRecordVersion leads every unique_keys value. The rest
// of the value is the composite encoding of the searchable
// entries written for the document, so they can be removed
// without decoding the document again.
const indexRecordVersion = 1

// collections is the view of the three collections of a
// partition inside one backend transaction
type collections[T any] struct {
	settings   Settings[T]
	documents  *marshaled.Map[T]
	uniqueKeys kv.Map
	searchable kv.Map
}

func newCollections[T any](txn kv.Transaction, settings Settings[T], codec marshaled.Codec[T]) *collections[T] {
	return &collections[T]{
		settings:   settings,
		documents:  marshaled.New(txn.Map(kv.Documents), codec),
		uniqueKeys: txn.Map(kv.UniqueKeys),
		searchable: txn.Map(kv.SearchableKeys),
	}
}

func (c *collections[T]) exists(key []byte) (bool, error) {
	marker, err := c.uniqueKeys.Get(key)

	if err != nil {
		return false, wrapError("could not read unique key", err)
	}

	return marker != nil, nil
}

func (c *collections[T]) document(key []byte) (T, bool, error) {
	doc, ok, err := c.documents.Get(key)

	if err != nil {
		return doc, false, wrapError("could not read document", err)
	}

	return doc, ok, nil
}

// insert adds doc under key to all three collections
func (c *collections[T]) insert(key []byte, doc T) error {
	if err := c.documents.Put(key, doc); err != nil {
		return wrapError("could not write document", err)
	}

	return c.index(key, doc)
}

// remove deletes the document stored under key from all
// three collections
func (c *collections[T]) remove(key []byte) error {
	if err := c.unindex(key); err != nil {
		return err
	}

	if err := c.uniqueKeys.Delete(key); err != nil {
		return wrapError("could not delete unique key", err)
	}

	if err := c.documents.Delete(key); err != nil {
		return wrapError("could not delete document", err)
	}

	return nil
}

// replace swaps the document stored under key for doc,
// moving its searchable entries along with it
func (c *collections[T]) replace(key []byte, doc T) error {
	if err := c.unindex(key); err != nil {
		return err
	}

	if err := c.documents.Put(key, doc); err != nil {
		return wrapError("could not write document", err)
	}

	return c.index(key, doc)
}

// index writes the searchable entries of doc and records
// them in unique_keys
func (c *collections[T]) index(key []byte, doc T) error {
	entries := make(composite.Key, 0, len(c.settings.SearchableKeys))

	for _, searchableKey := range c.settings.SearchableKeys {
		entry, err := searchableEntry(searchableKey, key, doc)

		if err != nil {
			return err
		}

		if err := c.searchable.Put(entry, key); err != nil {
			return wrapError("could not write searchable key", err)
		}

		entries = append(entries, entry)
	}

	record := append([]byte{indexRecordVersion}, entries.Encode()...)

	if err := c.uniqueKeys.Put(key, record); err != nil {
		return wrapError("could not write unique key", err)
	}

	return nil
}

// unindex deletes the searchable entries recorded for key
func (c *collections[T]) unindex(key []byte) error {
	entries, err := c.indexed(key)

	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := c.searchable.Delete(entry); err != nil {
			return wrapError("could not delete searchable key", err)
		}
	}

	return nil
}

func (c *collections[T]) indexed(key []byte) (composite.Key, error) {
	record, err := c.uniqueKeys.Get(key)

	if err != nil {
		return nil, wrapError("could not read unique key", err)
	} else if len(record) == 0 {
		return nil, nil
	}

	if record[0] != indexRecordVersion {
		return nil, fmt.Errorf("%w: unique key %s has unknown record version %d", ErrBackend, key, record[0])
	}

	entries, err := composite.Decode(record[1:])

	if err != nil {
		return nil, fmt.Errorf("%w: unique key %s: %w", ErrBackend, key, err)
	}

	return entries, nil
}

// bucket lists the keys of documents whose field
// encodes to value
func (c *collections[T]) bucket(field string, value []byte) ([][]byte, error) {
	iter, err := c.searchable.Keys(composite.Key{keys.Key(field), keys.Key(value)}.Range(), kv.SortOrderAsc)

	if err != nil {
		return nil, wrapError("could not scan searchable keys", err)
	}

	var result [][]byte

	for iter.Next() {
		result = append(result, iter.Value())
	}

	if err := iter.Error(); err != nil {
		return nil, wrapError("could not scan searchable keys", err)
	}

	return result, nil
}

func (c *collections[T]) all() ([][]byte, []T, error) {
	iter, err := c.documents.Keys(keys.All(), kv.SortOrderAsc)

	if err != nil {
		return nil, nil, wrapError("could not scan documents", err)
	}

	var ks [][]byte
	var docs []T

	for iter.Next() {
		ks = append(ks, iter.Key())
		docs = append(docs, iter.Value())
	}

	if err := iter.Error(); err != nil {
		return nil, nil, wrapError("could not scan documents", err)
	}

	return ks, docs, nil
}

func (c *collections[T]) count() (int, error) {
	iter, err := c.uniqueKeys.Keys(keys.All(), kv.SortOrderAsc)

	if err != nil {
		return 0, wrapError("could not scan unique keys", err)
	}

	n := 0

	for iter.Next() {
		n++
	}

	if err := iter.Error(); err != nil {
		return 0, wrapError("could not scan unique keys", err)
	}

	return n, nil
}

// searchableEntry is the searchable_keys key of doc for one field:
// (field, encoded value, encoded document key)
func searchableEntry[T any](searchableKey PartitionKey[T], key []byte, doc T) ([]byte, error) {
	value, err := encodeValue(searchableKey.Extract(doc))

	if err != nil {
		return nil, err
	}

	return composite.Key{keys.Key(searchableKey.Key), keys.Key(value), keys.Key(key)}.Encode(), nil
}
