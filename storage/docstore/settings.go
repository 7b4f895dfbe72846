package docstore

import (
	"fmt"

	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/marshaled"
	"go.uber.org/zap"
)

// DefaultStoreKey is the field name used for the store key
// when Settings.StoreKey.Key is empty
const DefaultStoreKey = "id"

// Settings is the static configuration of a partition
type Settings[T any] struct {
	// Name names the collection and the backend partition
	Name string
	// ObjectType is the declared type of the documents
	ObjectType string
	// StoreKey derives the addressing key of a document
	StoreKey PartitionKey[T]
	// SearchableKeys are the fields indexed for GetAll
	SearchableKeys []PartitionKey[T]
}

// Validate checks that the settings describe a usable partition
func (settings Settings[T]) Validate() error {
	if settings.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSettings)
	}

	if settings.ObjectType == "" {
		return fmt.Errorf("%w: object type is required", ErrInvalidSettings)
	}

	if settings.StoreKey.Extract == nil {
		return fmt.Errorf("%w: store key %q has no extractor", ErrInvalidSettings, settings.storeKey())
	}

	seen := map[string]bool{settings.storeKey(): true}

	for _, searchableKey := range settings.SearchableKeys {
		if searchableKey.Key == "" {
			return fmt.Errorf("%w: searchable keys must be named", ErrInvalidSettings)
		}

		if searchableKey.Extract == nil {
			return fmt.Errorf("%w: searchable key %q has no extractor", ErrInvalidSettings, searchableKey.Key)
		}

		if seen[searchableKey.Key] {
			return fmt.Errorf("%w: field %q is declared more than once", ErrInvalidSettings, searchableKey.Key)
		}

		seen[searchableKey.Key] = true
	}

	return nil
}

func (settings Settings[T]) storeKey() string {
	if settings.StoreKey.Key == "" {
		return DefaultStoreKey
	}

	return settings.StoreKey.Key
}

func (settings Settings[T]) searchableKey(field string) (PartitionKey[T], bool) {
	for _, searchableKey := range settings.SearchableKeys {
		if searchableKey.Key == field {
			return searchableKey, true
		}
	}

	return PartitionKey[T]{}, false
}

// PartitionConfig contains everything needed
// to construct a partition
type PartitionConfig[T any] struct {
	Settings Settings[T]
	Backend  kv.Backend
	// Codec marshals documents. It defaults to JSON.
	Codec marshaled.Codec[T]
	// Logger defaults to zap.L()
	Logger *zap.Logger
	// CacheSize is the number of decoded documents kept
	// in memory. Zero disables the cache.
	CacheSize int
}
