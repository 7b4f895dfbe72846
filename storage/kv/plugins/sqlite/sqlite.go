// Package sqlite implements a kv backend on a single sqlite
// database file. Each collection is a table keyed by
// (partition, key). BLOB keys compare bytewise in sqlite so
// ordered scans match the other backends.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/keys"
	"github.com/jrife/docstore/utils/uuid"
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the name of this plugin in the registry
	DriverName = "sqlite"
	// DefaultBusyTimeout is how long sqlite waits on a locked
	// database, in milliseconds
	DefaultBusyTimeout = 5000
)

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&SQLitePlugin{},
	}
}

var _ kv.Plugin = (*SQLitePlugin)(nil)

// SQLitePlugin implements kv.Plugin for sqlite
type SQLitePlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *SQLitePlugin) Name() string {
	return DriverName
}

// NewBackend implements kv.Plugin.NewBackend. Options:
//   path (string, required): database file
func (plugin *SQLitePlugin) NewBackend(options kv.PluginOptions) (kv.Backend, error) {
	var config SQLiteBackendConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	return New(config)
}

// NewTempBackend implements kv.Plugin.NewTempBackend
func (plugin *SQLitePlugin) NewTempBackend() (kv.Backend, error) {
	return plugin.NewBackend(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("sqlite-%s.db", uuid.MustUUID())),
	})
}

// SQLiteBackendConfig configures a sqlite backend
type SQLiteBackendConfig struct {
	Path string
}

var _ kv.Backend = (*SQLiteBackend)(nil)

// SQLiteBackend is a kv.Backend stored in one sqlite file.
// It uses a single connection so transactions are serialized
// by the connection pool.
type SQLiteBackend struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// New opens the sqlite database at config.Path, creating
// it and its schema if necessary
func New(config SQLiteBackendConfig) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", config.Path, DefaultBusyTimeout)
	db, err := sql.Open("sqlite", dsn)

	if err != nil {
		return nil, fmt.Errorf("could not open sqlite store at %s: %w", config.Path, err)
	}

	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		db.Close()

		return nil, fmt.Errorf("could not create schema: %w", err)
	}

	return &SQLiteBackend{db: db, path: config.Path}, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (name BLOB PRIMARY KEY)`,
	}

	for _, collection := range kv.Collections() {
		statements = append(statements, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (partition BLOB NOT NULL, key BLOB NOT NULL, value BLOB NOT NULL, PRIMARY KEY (partition, key)) WITHOUT ROWID`,
			collection,
		))
	}

	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

// Partition implements kv.Backend.Partition
func (backend *SQLiteBackend) Partition(name []byte) kv.Partition {
	return &SQLitePartition{backend: backend, name: keys.Copy(name)}
}

// Close implements kv.Backend.Close
func (backend *SQLiteBackend) Close() error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.closed {
		return nil
	}

	backend.closed = true

	return backend.db.Close()
}

// Delete implements kv.Backend.Delete
func (backend *SQLiteBackend) Delete() error {
	if err := backend.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.RemoveAll(backend.path + suffix); err != nil {
			return fmt.Errorf("could not remove path %s: %w", backend.path+suffix, err)
		}
	}

	return nil
}

func (backend *SQLiteBackend) isClosed() bool {
	backend.mu.RLock()
	defer backend.mu.RUnlock()

	return backend.closed
}

var _ kv.Partition = (*SQLitePartition)(nil)

// SQLitePartition implements kv.Partition
type SQLitePartition struct {
	backend *SQLiteBackend
	name    []byte
}

// Name implements kv.Partition.Name
func (partition *SQLitePartition) Name() []byte {
	return partition.name
}

// Create implements kv.Partition.Create
func (partition *SQLitePartition) Create() error {
	if partition.backend.isClosed() {
		return kv.ErrClosed
	}

	if _, err := partition.backend.db.Exec(`INSERT OR IGNORE INTO partitions (name) VALUES (?)`, partition.name); err != nil {
		return fmt.Errorf("could not insert partition: %w", err)
	}

	return nil
}

// Delete implements kv.Partition.Delete
func (partition *SQLitePartition) Delete() error {
	if partition.backend.isClosed() {
		return kv.ErrClosed
	}

	txn, err := partition.backend.db.Begin()

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer txn.Rollback()

	if _, err := txn.Exec(`DELETE FROM partitions WHERE name = ?`, partition.name); err != nil {
		return fmt.Errorf("could not delete partition: %w", err)
	}

	for _, collection := range kv.Collections() {
		if _, err := txn.Exec(fmt.Sprintf(`DELETE FROM %s WHERE partition = ?`, collection), partition.name); err != nil {
			return fmt.Errorf("could not delete %s: %w", collection, err)
		}
	}

	return txn.Commit()
}

// Begin implements kv.Partition.Begin
func (partition *SQLitePartition) Begin(writable bool) (kv.Transaction, error) {
	if partition.backend.isClosed() {
		return nil, kv.ErrClosed
	}

	txn, err := partition.backend.db.Begin()

	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}

	var exists int

	if err := txn.QueryRow(`SELECT COUNT(*) FROM partitions WHERE name = ?`, partition.name).Scan(&exists); err != nil {
		txn.Rollback()

		return nil, fmt.Errorf("could not look up partition: %w", err)
	}

	if exists == 0 {
		txn.Rollback()

		return nil, kv.ErrNoSuchPartition
	}

	return &SQLiteTransaction{txn: txn, partition: partition.name, writable: writable}, nil
}

var _ kv.Transaction = (*SQLiteTransaction)(nil)

// SQLiteTransaction implements kv.Transaction
type SQLiteTransaction struct {
	txn       *sql.Tx
	partition []byte
	writable  bool
	done      bool
}

// Map implements kv.Transaction.Map
func (txn *SQLiteTransaction) Map(collection kv.Collection) kv.Map {
	return &SQLiteMap{txn: txn, table: string(collection)}
}

// Commit implements kv.Transaction.Commit
func (txn *SQLiteTransaction) Commit() error {
	if txn.done {
		return kv.ErrTxnDone
	}

	txn.done = true

	if !txn.writable {
		return txn.txn.Rollback()
	}

	if err := txn.txn.Commit(); err != nil {
		return fmt.Errorf("could not commit: %w", err)
	}

	return nil
}

// Rollback implements kv.Transaction.Rollback
func (txn *SQLiteTransaction) Rollback() error {
	if txn.done {
		return nil
	}

	txn.done = true

	if err := txn.txn.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}

var _ kv.Map = (*SQLiteMap)(nil)

// SQLiteMap implements kv.Map over one collection table
type SQLiteMap struct {
	txn   *SQLiteTransaction
	table string
}

func (m *SQLiteMap) check(write bool, key []byte) error {
	if m.txn.done {
		return kv.ErrTxnDone
	}

	if write && !m.txn.writable {
		return kv.ErrReadOnly
	}

	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	return nil
}

// Put implements kv.Map.Put
func (m *SQLiteMap) Put(key, value []byte) error {
	if err := m.check(true, key); err != nil {
		return err
	}

	if len(value) == 0 {
		return kv.ErrEmptyValue
	}

	_, err := m.txn.txn.Exec(
		fmt.Sprintf(`INSERT INTO %s (partition, key, value) VALUES (?, ?, ?) ON CONFLICT (partition, key) DO UPDATE SET value = excluded.value`, m.table),
		m.txn.partition, key, value,
	)

	return err
}

// Delete implements kv.Map.Delete
func (m *SQLiteMap) Delete(key []byte) error {
	if err := m.check(true, key); err != nil {
		return err
	}

	_, err := m.txn.txn.Exec(fmt.Sprintf(`DELETE FROM %s WHERE partition = ? AND key = ?`, m.table), m.txn.partition, key)

	return err
}

// Get implements kv.Map.Get
func (m *SQLiteMap) Get(key []byte) ([]byte, error) {
	if err := m.check(false, key); err != nil {
		return nil, err
	}

	var value []byte

	err := m.txn.txn.QueryRow(fmt.Sprintf(`SELECT value FROM %s WHERE partition = ? AND key = ?`, m.table), m.txn.partition, key).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return value, nil
}

// Keys implements kv.Map.Keys. Matching rows are read
// eagerly since the connection is shared by the whole
// transaction.
func (m *SQLiteMap) Keys(keys keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	if m.txn.done {
		return nil, kv.ErrTxnDone
	}

	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE partition = ?`, m.table)
	args := []interface{}{m.txn.partition}

	if keys.Min != nil {
		query += ` AND key >= ?`
		args = append(args, []byte(keys.Min))
	}

	if keys.Max != nil {
		query += ` AND key < ?`
		args = append(args, []byte(keys.Max))
	}

	if order == kv.SortOrderDesc {
		query += ` ORDER BY key DESC`
	} else {
		query += ` ORDER BY key ASC`
	}

	rows, err := m.txn.txn.Query(query, args...)

	if err != nil {
		return nil, fmt.Errorf("could not query %s: %w", m.table, err)
	}

	defer rows.Close()

	iter := &SQLiteIterator{index: -1}

	for rows.Next() {
		var row [2][]byte

		if err := rows.Scan(&row[0], &row[1]); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}

		iter.rows = append(iter.rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read rows: %w", err)
	}

	return iter, nil
}

var _ kv.Iterator = (*SQLiteIterator)(nil)

// SQLiteIterator walks rows that were loaded by Keys
type SQLiteIterator struct {
	rows  [][2][]byte
	index int
}

// Next implements kv.Iterator.Next
func (iter *SQLiteIterator) Next() bool {
	if iter.index >= len(iter.rows) {
		return false
	}

	iter.index++

	return iter.index < len(iter.rows)
}

// Key implements kv.Iterator.Key
func (iter *SQLiteIterator) Key() []byte {
	if iter.index < 0 || iter.index >= len(iter.rows) {
		return nil
	}

	return iter.rows[iter.index][0]
}

// Value implements kv.Iterator.Value
func (iter *SQLiteIterator) Value() []byte {
	if iter.index < 0 || iter.index >= len(iter.rows) {
		return nil
	}

	return iter.rows[iter.index][1]
}

// Error implements kv.Iterator.Error
func (iter *SQLiteIterator) Error() error {
	return nil
}
