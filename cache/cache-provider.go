package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It manages a set of named stores, each of which maps request keys
// to []byte values representing HTTP responses.
// Stores are versioned by name: bumping a name and deleting the old one
// is how whole generations of entries are invalidated.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open returns the store with the given name, creating it if it does not exist.
	Open(name string) (Store, error)
	// Names returns the names of all existing stores, in creation order.
	Names() ([]string, error)
	// Delete removes the store with the given name, including all its entries.
	// It reports whether a store was actually removed.
	Delete(name string) (bool, error)
	// Match looks up the key in every store, in creation order,
	// and returns the first entry found.
	Match(key string) (CacheEntry, bool, error)
}

// Store is a single named key-value store inside a CacheProvider.
// Writing to a store that has been deleted creates it again.
type Store interface {
	// Name returns the name of the store.
	Name() string
	// Get returns the entry for the given key, if it exists.
	Get(key string) (CacheEntry, bool, error)
	// Put stores the entry under its key, overwriting any previous entry.
	Put(ce CacheEntry) error
	// Purge removes the entry for the given key.
	Purge(key string) error
	// Keys calls the given callback for each key in the store.
	Keys(cb func(string)) error
}

type CacheEntry struct {
	Key         string
	RequestedAt time.Time
	ReceivedAt  time.Time
	Bytes       []byte
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open cache db: %w", err)
	}
	// a single connection keeps in-memory dbs alive and serializes access
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS cache (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			requested_at INTEGER,
			received_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init cache db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying db.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func (s SQLiteCache) Open(name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return sqliteStore{cache: s, name: name}, nil
}

func (s SQLiteCache) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY seq ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM cache WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteCache) Match(key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var req, rec int64
	err := s.db.QueryRow(`SELECT c.requested_at, c.received_at, c.bytes
		FROM cache c JOIN stores s ON s.name = c.store
		WHERE c.key = ? ORDER BY s.seq ASC LIMIT 1`, key).
		Scan(&req, &rec, &entry.Bytes)
	if err == sql.ErrNoRows {
		return entry, false, nil
	} else if err != nil {
		return entry, false, err
	}
	entry.RequestedAt = time.UnixMilli(req)
	entry.ReceivedAt = time.UnixMilli(rec)
	return entry, true, nil
}

type sqliteStore struct {
	cache SQLiteCache
	name  string
}

func (s sqliteStore) Name() string {
	return s.name
}

func (s sqliteStore) Get(key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var req, rec int64
	err := s.cache.db.QueryRow(
		"SELECT requested_at, received_at, bytes FROM cache WHERE store = ? AND key = ?",
		s.name, key,
	).Scan(&req, &rec, &entry.Bytes)
	if err == sql.ErrNoRows {
		return entry, false, nil
	} else if err != nil {
		return entry, false, err
	}
	entry.RequestedAt = time.UnixMilli(req)
	entry.ReceivedAt = time.UnixMilli(rec)
	return entry, true, nil
}

func (s sqliteStore) Put(ce CacheEntry) error {
	s.cache.writeMutex.Lock()
	defer s.cache.writeMutex.Unlock()
	tx, err := s.cache.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", s.name); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO cache
		(store, key, requested_at, received_at, bytes) VALUES (?, ?, ?, ?, ?)`,
		s.name, ce.Key, ce.RequestedAt.UnixMilli(), ce.ReceivedAt.UnixMilli(), ce.Bytes)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s sqliteStore) Purge(key string) error {
	s.cache.writeMutex.Lock()
	defer s.cache.writeMutex.Unlock()
	_, err := s.cache.db.Exec("DELETE FROM cache WHERE store = ? AND key = ?", s.name, key)
	return err
}

func (s sqliteStore) Keys(cb func(string)) error {
	rows, err := s.cache.db.Query("SELECT key FROM cache WHERE store = ? ORDER BY key", s.name)
	if err != nil {
		return err
	}
	// collect first, the callback may want the connection back
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}
