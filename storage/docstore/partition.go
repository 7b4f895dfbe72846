package docstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/marshaled"
	"github.com/jrife/docstore/utils/log"
	"go.uber.org/zap"
)

// Partition is one collection of documents of type T. All
// of its operations are serialized by a single mutex and
// each runs inside exactly one backend transaction, so the
// documents, unique_keys and searchable_keys collections
// always change together.
//
// Documents are values: callers must not mutate a document
// after handing it to the partition or after receiving it
// from one.
type Partition[T any] struct {
	mu          sync.Mutex
	settings    Settings[T]
	backend     kv.Backend
	codec       marshaled.Codec[T]
	logger      *zap.Logger
	cache       *lru.Cache[string, T]
	partition   kv.Partition
	initialized bool
	initErr     error
}

// New creates a partition. It does not touch the backend
// until Init is called.
func New[T any](config PartitionConfig[T]) *Partition[T] {
	partition := &Partition[T]{
		settings: config.Settings,
		backend:  config.Backend,
		codec:    config.Codec,
		logger:   config.Logger,
	}

	partition.settings.StoreKey.Key = partition.settings.storeKey()

	if partition.codec == nil {
		partition.codec = marshaled.JSON[T]()
	}

	if partition.logger == nil {
		partition.logger = zap.L()
	}

	if config.CacheSize > 0 {
		// lru.New only fails for a non-positive size
		partition.cache, _ = lru.New[string, T](config.CacheSize)
	}

	return partition
}

// Settings returns the settings of this partition
func (partition *Partition[T]) Settings() Settings[T] {
	return partition.settings
}

// Init opens the three collections of the partition. If the
// backend cannot be opened it returns an error matching
// ErrBackend and every later operation fails the same way.
// Calling Init again after it succeeded has no effect.
func (partition *Partition[T]) Init(ctx context.Context) error {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "Init")
	logger.Debug("start Init()", zap.String("object_type", partition.settings.ObjectType), zap.String("codec", partition.codec.Name()))

	if partition.initialized {
		logger.Debug("return from Init()", zap.Bool("already_initialized", true))

		return nil
	}

	if err := partition.settings.Validate(); err != nil {
		logger.Debug("error", zap.Error(err))

		return err
	}

	if partition.backend == nil {
		partition.initErr = fmt.Errorf("%w: no backend configured", ErrBackend)
		logger.Debug("error", zap.Error(partition.initErr))

		return partition.initErr
	}

	kvPartition := partition.backend.Partition([]byte(partition.settings.Name))

	if err := kvPartition.Create(); err != nil {
		partition.initErr = wrapError("could not open collections", err)
		logger.Debug("error", zap.Error(partition.initErr))

		return partition.initErr
	}

	partition.partition = kvPartition
	partition.initialized = true
	partition.initErr = nil

	logger.Debug("return from Init()")

	return nil
}

// Set stores doc under the key derived from it. If a document
// is already stored under that key Set fails with ErrDuplicate,
// unless ignoreDuplicates is true in which case it returns the
// stored document without changing anything.
func (partition *Partition[T]) Set(ctx context.Context, doc T, ignoreDuplicates bool) (T, error) {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "Set")
	logger.Debug("start Set()", zap.Bool("ignore_duplicates", ignoreDuplicates))

	result, err := partition.setLocked(doc, ignoreDuplicates)

	if err != nil {
		logger.Debug("error", zap.Error(err))

		return result, err
	}

	logger.Debug("return from Set()")

	return result, nil
}

func (partition *Partition[T]) setLocked(doc T, ignoreDuplicates bool) (T, error) {
	var result T

	if err := partition.ready(); err != nil {
		return result, err
	}

	key, err := partition.settings.StoreKey.WithObj(doc).Encode()

	if err != nil {
		return result, err
	}

	inserted := false

	err = partition.update(func(c *collections[T]) error {
		exists, err := c.exists(key)

		if err != nil {
			return err
		}

		if !exists {
			if err := c.insert(key, doc); err != nil {
				return err
			}

			result = doc
			inserted = true

			return nil
		}

		if !ignoreDuplicates {
			return fmt.Errorf("%w: %s", ErrDuplicate, key)
		}

		stored, ok, err := partition.read(c, key)

		if err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: unique key %s has no document", ErrBackend, key)
		}

		result = stored

		return nil
	})

	if err != nil {
		var zero T

		return zero, err
	}

	if inserted {
		partition.cacheAdd(key, result)
	}

	return result, nil
}

// GetAll returns every document that matches all of qks. A query
// key on the store key field matches the document stored under
// that key. A query key on a searchable field matches documents
// whose field has that value. The order of the result is unspecified.
func (partition *Partition[T]) GetAll(ctx context.Context, qks QueryKeys) ([]T, error) {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "GetAll")
	logger.Debug("start GetAll()", zap.Int("query_keys", len(qks)))

	docs, err := partition.getAllLocked(qks)

	if err != nil {
		logger.Debug("error", zap.Error(err))

		return nil, err
	}

	logger.Debug("return from GetAll()", zap.Int("return", len(docs)))

	return docs, nil
}

// filter is a query key resolved against the settings
type filter[T any] struct {
	field      string
	value      []byte
	searchable *PartitionKey[T]
}

func (f filter[T]) matches(key []byte, doc T) bool {
	if f.searchable == nil {
		return bytes.Equal(key, f.value)
	}

	value, err := encodeValue(f.searchable.Extract(doc))

	return err == nil && bytes.Equal(value, f.value)
}

func (partition *Partition[T]) filters(qks QueryKeys) ([]filter[T], error) {
	if err := qks.Validate(); err != nil {
		return nil, err
	}

	filters := make([]filter[T], len(qks))

	for i, qk := range qks {
		value, err := qk.Encode()

		if err != nil {
			return nil, err
		}

		filters[i] = filter[T]{field: qk.Key, value: value}

		if qk.Key == partition.settings.StoreKey.Key {
			continue
		}

		searchableKey, ok := partition.settings.searchableKey(qk.Key)

		if !ok {
			return nil, fmt.Errorf("%w: field %q is neither the store key nor searchable", ErrInvalidQuery, qk.Key)
		}

		filters[i].searchable = &searchableKey
	}

	return filters, nil
}

func (partition *Partition[T]) getAllLocked(qks QueryKeys) ([]T, error) {
	if err := partition.ready(); err != nil {
		return nil, err
	}

	filters, err := partition.filters(qks)

	if err != nil {
		return nil, err
	}

	docs := []T{}
	found := map[string]T{}

	err = partition.view(func(c *collections[T]) error {
		candidates, err := partition.candidates(c, filters)

		if err != nil {
			return err
		}

	Candidates:
		for _, key := range candidates {
			doc, ok, err := partition.read(c, key)

			if err != nil {
				return err
			} else if !ok {
				continue
			}

			for _, f := range filters {
				if !f.matches(key, doc) {
					continue Candidates
				}
			}

			found[string(key)] = doc
			docs = append(docs, doc)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	for key, doc := range found {
		partition.cacheAdd([]byte(key), doc)
	}

	return docs, nil
}

// candidates intersects the key sets of every filter
func (partition *Partition[T]) candidates(c *collections[T], filters []filter[T]) ([][]byte, error) {
	var result [][]byte

	for i, f := range filters {
		var keys [][]byte

		if f.searchable == nil {
			exists, err := c.exists(f.value)

			if err != nil {
				return nil, err
			}

			if exists {
				keys = [][]byte{f.value}
			}
		} else {
			bucket, err := c.bucket(f.field, f.value)

			if err != nil {
				return nil, err
			}

			keys = bucket
		}

		if i == 0 {
			result = keys
		} else {
			result = intersect(result, keys)
		}

		if len(result) == 0 {
			return nil, nil
		}
	}

	return result, nil
}

func intersect(a [][]byte, b [][]byte) [][]byte {
	inB := make(map[string]bool, len(b))

	for _, k := range b {
		inB[string(k)] = true
	}

	var result [][]byte

	for _, k := range a {
		if inB[string(k)] {
			result = append(result, k)
		}
	}

	return result
}

// All returns a snapshot of every stored document
func (partition *Partition[T]) All(ctx context.Context) ([]T, error) {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "All")
	logger.Debug("start All()")

	if err := partition.ready(); err != nil {
		logger.Debug("error", zap.Error(err))

		return nil, err
	}

	var docs []T

	err := partition.view(func(c *collections[T]) error {
		var err error

		_, docs, err = c.all()

		return err
	})

	if err != nil {
		logger.Debug("error", zap.Error(err))

		return nil, err
	}

	if docs == nil {
		docs = []T{}
	}

	logger.Debug("return from All()", zap.Int("return", len(docs)))

	return docs, nil
}

// Count returns the number of stored documents
func (partition *Partition[T]) Count(ctx context.Context) (int, error) {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "Count")
	logger.Debug("start Count()")

	if err := partition.ready(); err != nil {
		logger.Debug("error", zap.Error(err))

		return 0, err
	}

	var n int

	err := partition.view(func(c *collections[T]) error {
		var err error

		n, err = c.count()

		return err
	})

	if err != nil {
		logger.Debug("error", zap.Error(err))

		return 0, err
	}

	logger.Debug("return from Count()", zap.Int("return", n))

	return n, nil
}

// Get returns the document stored under key. key must
// name the store key field.
func (partition *Partition[T]) Get(ctx context.Context, key QueryKey) (T, error) {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "Get")
	logger.Debug("start Get()")

	var doc T

	encodedKey, err := partition.addressingKey(key)

	if err == nil {
		err = partition.view(func(c *collections[T]) error {
			var ok bool
			var err error

			doc, ok, err = partition.read(c, encodedKey)

			if err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: %s", ErrKeyNotFound, encodedKey)
			}

			return nil
		})
	}

	if err != nil {
		logger.Debug("error", zap.Error(err))

		var zero T

		return zero, err
	}

	partition.cacheAdd(encodedKey, doc)
	logger.Debug("return from Get()")

	return doc, nil
}

// Delete removes the document stored under key from all
// three collections. It fails with ErrKeyNotFound if there
// is no such document.
func (partition *Partition[T]) Delete(ctx context.Context, key QueryKey) error {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "Delete")
	logger.Debug("start Delete()")

	encodedKey, err := partition.addressingKey(key)

	if err == nil {
		err = partition.update(func(c *collections[T]) error {
			exists, err := c.exists(encodedKey)

			if err != nil {
				return err
			} else if !exists {
				return fmt.Errorf("%w: %s", ErrKeyNotFound, encodedKey)
			}

			return c.remove(encodedKey)
		})
	}

	if err != nil {
		logger.Debug("error", zap.Error(err))

		return err
	}

	partition.cacheRemove(encodedKey)
	logger.Debug("return from Delete()")

	return nil
}

// Update replaces the document stored under key with doc.
// The key is not derived again from doc, so the document
// stays addressable by key even if its own identity field
// changed. It fails with ErrKeyNotFound if there is no such
// document.
func (partition *Partition[T]) Update(ctx context.Context, key QueryKey, doc T) error {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "Update")
	logger.Debug("start Update()")

	_, err := partition.modifyLocked(key, func(T) (T, error) { return doc, nil })

	if err != nil {
		logger.Debug("error", zap.Error(err))

		return err
	}

	logger.Debug("return from Update()")

	return nil
}

// Modify atomically replaces the document stored under key
// with fn applied to it and returns the new document. fn runs
// while the partition is locked so it must not call back into
// the partition. If fn returns an error nothing is changed
// and the error is returned wrapped.
func (partition *Partition[T]) Modify(ctx context.Context, key QueryKey, fn func(doc T) (T, error)) (T, error) {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	logger := partition.operationLogger(ctx, "Modify")
	logger.Debug("start Modify()")

	doc, err := partition.modifyLocked(key, fn)

	if err != nil {
		logger.Debug("error", zap.Error(err))

		return doc, err
	}

	logger.Debug("return from Modify()")

	return doc, nil
}

func (partition *Partition[T]) modifyLocked(key QueryKey, fn func(doc T) (T, error)) (T, error) {
	var result T

	encodedKey, err := partition.addressingKey(key)

	if err != nil {
		return result, err
	}

	err = partition.update(func(c *collections[T]) error {
		old, ok, err := c.document(encodedKey)

		if err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, encodedKey)
		}

		doc, err := fn(old)

		if err != nil {
			return fmt.Errorf("modify function failed: %w", err)
		}

		if err := c.replace(encodedKey, doc); err != nil {
			return err
		}

		result = doc

		return nil
	})

	if err != nil {
		var zero T

		return zero, err
	}

	partition.cacheAdd(encodedKey, result)

	return result, nil
}

// addressingKey checks that the partition is ready and that
// key names the store key field, then encodes it
func (partition *Partition[T]) addressingKey(key QueryKey) ([]byte, error) {
	if err := partition.ready(); err != nil {
		return nil, err
	}

	if key.Key != partition.settings.StoreKey.Key {
		return nil, fmt.Errorf("%w: %q is not the store key %q", ErrInvalidQuery, key.Key, partition.settings.StoreKey.Key)
	}

	return key.Encode()
}

func (partition *Partition[T]) ready() error {
	if partition.initialized {
		return nil
	}

	if partition.initErr != nil {
		return partition.initErr
	}

	return ErrNotInitialized
}

// operationLogger prefers a logger carried by ctx over the
// configured one and adds the fields carried by ctx
func (partition *Partition[T]) operationLogger(ctx context.Context, operation string) *zap.Logger {
	logger, ctx := log.LoggerFromContext(ctx, partition.logger)
	ctx = log.WithFields(ctx, zap.String("partition", partition.settings.Name), zap.String("operation", operation))

	return log.WithContext(ctx, logger)
}

// read loads the document stored under key, preferring
// the cache
func (partition *Partition[T]) read(c *collections[T], key []byte) (T, bool, error) {
	if partition.cache != nil {
		if doc, ok := partition.cache.Get(string(key)); ok {
			return doc, true, nil
		}
	}

	return c.document(key)
}

func (partition *Partition[T]) cacheAdd(key []byte, doc T) {
	if partition.cache != nil {
		partition.cache.Add(string(key), doc)
	}
}

func (partition *Partition[T]) cacheRemove(key []byte) {
	if partition.cache != nil {
		partition.cache.Remove(string(key))
	}
}

func (partition *Partition[T]) view(fn func(c *collections[T]) error) error {
	return partition.transaction(false, fn)
}

func (partition *Partition[T]) update(fn func(c *collections[T]) error) error {
	return partition.transaction(true, fn)
}

// transaction runs fn in one backend transaction. It commits
// if fn succeeds and rolls back otherwise.
func (partition *Partition[T]) transaction(writable bool, fn func(c *collections[T]) error) error {
	txn, err := partition.partition.Begin(writable)

	if err != nil {
		return wrapError("could not begin transaction", err)
	}

	defer txn.Rollback()

	if err := fn(newCollections(txn, partition.settings, partition.codec)); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return wrapError("could not commit transaction", err)
	}

	return nil
}
