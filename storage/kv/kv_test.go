package kv_test

import (
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/keys"
	"github.com/jrife/docstore/storage/kv/kvtest"
	"github.com/jrife/docstore/storage/kv/plugins"
	"golang.org/x/sync/errgroup"
)

type pair struct {
	Key   string
	Value string
}

type tempBackendBuilder func(t *testing.T) kv.Backend

func builder(plugin kv.Plugin) tempBackendBuilder {
	return func(t *testing.T) kv.Backend {
		backend, err := plugin.NewTempBackend()

		if err != nil {
			t.Fatalf("could not build a %s backend: %s", plugin.Name(), err.Error())
		}

		t.Cleanup(func() { backend.Delete() })

		return backend
	}
}

func partition(t *testing.T, backend kv.Backend, name string) kv.Partition {
	p := backend.Partition([]byte(name))

	if err := p.Create(); err != nil {
		t.Fatalf("could not create partition %s: %s", name, err.Error())
	}

	return p
}

func write(t *testing.T, p kv.Partition, collection kv.Collection, pairs ...pair) {
	txn, err := p.Begin(true)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	defer txn.Rollback()

	for _, pair := range pairs {
		if err := txn.Map(collection).Put([]byte(pair.Key), []byte(pair.Value)); err != nil {
			t.Fatalf("could not put %s: %s", pair.Key, err.Error())
		}
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("could not commit: %s", err.Error())
	}
}

func read(t *testing.T, p kv.Partition, collection kv.Collection, keys keys.Range, order kv.SortOrder) []pair {
	txn, err := p.Begin(false)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	defer txn.Rollback()

	iter, err := txn.Map(collection).Keys(keys, order)

	if err != nil {
		t.Fatalf("could not create iterator: %s", err.Error())
	}

	result := []pair{}

	for iter.Next() {
		result = append(result, pair{Key: string(iter.Key()), Value: string(iter.Value())})
	}

	if iter.Error() != nil {
		t.Fatalf("iteration failed: %s", iter.Error().Error())
	}

	return result
}

func get(t *testing.T, p kv.Partition, collection kv.Collection, key string) []byte {
	txn, err := p.Begin(false)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	defer txn.Rollback()

	value, err := txn.Map(collection).Get([]byte(key))

	if err != nil {
		t.Fatalf("could not get %s: %s", key, err.Error())
	}

	return value
}

func TestDrivers(t *testing.T) {
	pluginManager := plugins.NewKVPluginManager()

	for _, plugin := range pluginManager.Plugins() {
		t.Run(plugin.Name(), driverTest(builder(plugin)))
	}
}

func driverTest(builder tempBackendBuilder) func(t *testing.T) {
	return func(t *testing.T) {
		testDriver(builder, t)
	}
}

func testDriver(builder tempBackendBuilder, t *testing.T) {
	t.Run("partitions", func(t *testing.T) { testPartitions(builder, t) })
	t.Run("put-get-delete", func(t *testing.T) { testPutGetDelete(builder, t) })
	t.Run("keys", func(t *testing.T) { testKeys(builder, t) })
	t.Run("transactions", func(t *testing.T) { testTransactions(builder, t) })
	t.Run("exclusive-writers", func(t *testing.T) { testExclusiveWriters(builder, t) })
	t.Run("close", func(t *testing.T) { testClose(builder, t) })
}

func testPartitions(builder tempBackendBuilder, t *testing.T) {
	backend := builder(t)
	p := backend.Partition([]byte("p1"))

	if _, err := p.Begin(false); !errors.Is(err, kv.ErrNoSuchPartition) {
		t.Fatalf("expected ErrNoSuchPartition before Create, got %#v", err)
	}

	if err := p.Create(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	write(t, p, kv.Documents, pair{"a", "1"})

	// Create is idempotent and leaves state in place
	if err := p.Create(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]byte("1"), get(t, p, kv.Documents, "a")); diff != "" {
		t.Fatal(diff)
	}

	// Partitions and collections do not share keys
	other := partition(t, backend, "p2")
	write(t, other, kv.Documents, pair{"a", "2"})
	write(t, p, kv.UniqueKeys, pair{"a", "3"})

	if diff := cmp.Diff([]byte("1"), get(t, p, kv.Documents, "a")); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff([]byte("2"), get(t, other, kv.Documents, "a")); diff != "" {
		t.Fatal(diff)
	}

	if get(t, p, kv.SearchableKeys, "a") != nil {
		t.Fatal("expected searchable_keys to be empty")
	}

	if err := p.Delete(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := p.Begin(false); !errors.Is(err, kv.ErrNoSuchPartition) {
		t.Fatalf("expected ErrNoSuchPartition after Delete, got %#v", err)
	}

	if diff := cmp.Diff([]byte("2"), get(t, other, kv.Documents, "a")); diff != "" {
		t.Fatal(diff)
	}

	// Deleting twice has no effect
	if err := p.Delete(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	// Recreating a deleted partition starts empty
	p = partition(t, backend, "p1")

	if diff := cmp.Diff([]pair{}, read(t, p, kv.Documents, keys.All(), kv.SortOrderAsc)); diff != "" {
		t.Fatal(diff)
	}
}

func testPutGetDelete(builder tempBackendBuilder, t *testing.T) {
	p := partition(t, builder(t), "p1")
	txn, err := p.Begin(true)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	defer txn.Rollback()

	m := txn.Map(kv.Documents)

	if err := m.Put(nil, []byte("a")); err == nil {
		t.Fatal("expected an error for an empty key")
	}

	if err := m.Put([]byte("a"), nil); err == nil {
		t.Fatal("expected an error for an empty value")
	}

	if err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	// Reads observe earlier writes of the same transaction
	value, err := m.Get([]byte("a"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]byte("1"), value); diff != "" {
		t.Fatal(diff)
	}

	if err := m.Put([]byte("a"), []byte("2")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	value, _ = m.Get([]byte("a"))

	if diff := cmp.Diff([]byte("2"), value); diff != "" {
		t.Fatal(diff)
	}

	if err := m.Delete([]byte("a")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := m.Delete([]byte("missing")); err != nil {
		t.Fatalf("expected deleting a missing key to succeed, got %#v", err)
	}

	if value, err := m.Get([]byte("a")); err != nil || value != nil {
		t.Fatalf("expected (nil, nil), got (%#v, %#v)", value, err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if get(t, p, kv.Documents, "a") != nil {
		t.Fatal("expected a to be deleted")
	}
}

func testKeys(builder tempBackendBuilder, t *testing.T) {
	p := partition(t, builder(t), "p1")
	write(t, p, kv.SearchableKeys,
		pair{"aa", "1"},
		pair{"ab", "2"},
		pair{"abc", "3"},
		pair{"b", "4"},
		pair{"c", "5"},
	)

	testCases := map[string]struct {
		keys     keys.Range
		order    kv.SortOrder
		expected []pair
	}{
		"all-asc": {
			keys:     keys.All(),
			order:    kv.SortOrderAsc,
			expected: []pair{{"aa", "1"}, {"ab", "2"}, {"abc", "3"}, {"b", "4"}, {"c", "5"}},
		},
		"all-desc": {
			keys:     keys.All(),
			order:    kv.SortOrderDesc,
			expected: []pair{{"c", "5"}, {"b", "4"}, {"abc", "3"}, {"ab", "2"}, {"aa", "1"}},
		},
		"prefix-asc": {
			keys:     keys.All().Prefix([]byte("ab")),
			order:    kv.SortOrderAsc,
			expected: []pair{{"abc", "3"}},
		},
		"gte-lt-asc": {
			keys:     keys.All().Gte([]byte("ab")).Lt([]byte("b")),
			order:    kv.SortOrderAsc,
			expected: []pair{{"ab", "2"}, {"abc", "3"}},
		},
		"gte-lt-desc": {
			keys:     keys.All().Gte([]byte("ab")).Lt([]byte("b")),
			order:    kv.SortOrderDesc,
			expected: []pair{{"abc", "3"}, {"ab", "2"}},
		},
		"lte-desc": {
			keys:     keys.All().Lte([]byte("b")),
			order:    kv.SortOrderDesc,
			expected: []pair{{"b", "4"}, {"abc", "3"}, {"ab", "2"}, {"aa", "1"}},
		},
		"gt-asc": {
			keys:     keys.All().Gt([]byte("b")),
			order:    kv.SortOrderAsc,
			expected: []pair{{"c", "5"}},
		},
		"past-the-end": {
			keys:     keys.All().Gt([]byte("d")),
			order:    kv.SortOrderDesc,
			expected: []pair{},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(testCase.expected, read(t, p, kv.SearchableKeys, testCase.keys, testCase.order)); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func testTransactions(builder tempBackendBuilder, t *testing.T) {
	p := partition(t, builder(t), "p1")
	write(t, p, kv.Documents, pair{"a", "1"})

	txn, err := p.Begin(true)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	txn.Map(kv.Documents).Put([]byte("a"), []byte("2"))
	txn.Map(kv.Documents).Put([]byte("b"), []byte("2"))
	txn.Map(kv.UniqueKeys).Put([]byte("b"), []byte("x"))
	txn.Map(kv.Documents).Delete([]byte("a"))

	if err := txn.Rollback(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]pair{{"a", "1"}}, read(t, p, kv.Documents, keys.All(), kv.SortOrderAsc)); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff([]pair{}, read(t, p, kv.UniqueKeys, keys.All(), kv.SortOrderAsc)); diff != "" {
		t.Fatal(diff)
	}

	txn, err = p.Begin(true)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	txn.Map(kv.Documents).Put([]byte("b"), []byte("2"))

	if err := txn.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := txn.Commit(); !errors.Is(err, kv.ErrTxnDone) {
		t.Fatalf("expected ErrTxnDone, got %#v", err)
	}

	if err := txn.Rollback(); err != nil {
		t.Fatalf("expected Rollback after Commit to have no effect, got %#v", err)
	}

	if diff := cmp.Diff([]pair{{"a", "1"}, {"b", "2"}}, read(t, p, kv.Documents, keys.All(), kv.SortOrderAsc)); diff != "" {
		t.Fatal(diff)
	}

	readTxn, err := p.Begin(false)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	defer readTxn.Rollback()

	if err := readTxn.Map(kv.Documents).Put([]byte("c"), []byte("3")); err == nil {
		t.Fatal("expected a read-only transaction to reject writes")
	}
}

func testExclusiveWriters(builder tempBackendBuilder, t *testing.T) {
	p := partition(t, builder(t), "p1")
	write(t, p, kv.Documents, pair{"counter", "0"})

	var group errgroup.Group

	for i := 0; i < 5; i++ {
		group.Go(func() error {
			for j := 0; j < 20; j++ {
				if err := increment(p); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]byte("100"), get(t, p, kv.Documents, "counter")); diff != "" {
		t.Fatal(diff)
	}
}

func increment(p kv.Partition) error {
	txn, err := p.Begin(true)

	if err != nil {
		return err
	}

	defer txn.Rollback()

	raw, err := txn.Map(kv.Documents).Get([]byte("counter"))

	if err != nil {
		return err
	}

	n, err := strconv.Atoi(string(raw))

	if err != nil {
		return err
	}

	if err := txn.Map(kv.Documents).Put([]byte("counter"), []byte(fmt.Sprint(n+1))); err != nil {
		return err
	}

	return txn.Commit()
}

func testClose(builder tempBackendBuilder, t *testing.T) {
	backend := builder(t)
	p := partition(t, backend, "p1")

	if err := backend.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := p.Begin(false); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %#v", err)
	}

	if err := p.Create(); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %#v", err)
	}
}

func TestFaultyBackend(t *testing.T) {
	backend := kvtest.NewFaultyBackend(builder(plugins.Plugin("memory"))(t), nil)
	p := partition(t, backend, "p1")
	write(t, p, kv.Documents, pair{"a", "1"})

	backend.SetFault(kvtest.FailOn(kvtest.OpPut, kv.SearchableKeys))

	txn, err := p.Begin(true)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	if err := txn.Map(kv.Documents).Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := txn.Map(kv.SearchableKeys).Put([]byte("b"), []byte("2")); !errors.Is(err, kvtest.ErrCrashed) {
		t.Fatalf("expected ErrCrashed, got %#v", err)
	}

	txn.Rollback()

	backend.SetFault(kvtest.FailOn(kvtest.OpCommit, ""))

	txn, err = p.Begin(true)

	if err != nil {
		t.Fatalf("could not begin transaction: %s", err.Error())
	}

	txn.Map(kv.Documents).Put([]byte("c"), []byte("3"))

	if err := txn.Commit(); !errors.Is(err, kvtest.ErrCrashed) {
		t.Fatalf("expected ErrCrashed, got %#v", err)
	}

	backend.SetFault(nil)

	if diff := cmp.Diff([]pair{{"a", "1"}}, read(t, p, kv.Documents, keys.All(), kv.SortOrderAsc)); diff != "" {
		t.Fatal(diff)
	}

	backend.SetFault(kvtest.Crashed)

	if _, err := p.Begin(false); !errors.Is(err, kvtest.ErrCrashed) {
		t.Fatalf("expected ErrCrashed, got %#v", err)
	}
}
