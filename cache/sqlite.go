package cache

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/xerrors"
)

const memoSeparator = "\x00"

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	// recently matched or written entries, keyed by generation and entry key
	memo *lru.Cache
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a private in-memory db is opened.
// A positive memoSize keeps that many recently used entries in memory.
func NewSQLiteStorage(filename string, memoSize int) (*SQLiteStorage, error) {
	inMemory := filename == ""
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, xerrors.Errorf("failed to open db %s: %w", filename, err)
	}
	if inMemory {
		// every connection to :memory: is a different database
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, xerrors.Errorf("failed to initialize db %s: %w", filename, err)
		}
	}
	s := &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
	if memoSize > 0 {
		if s.memo, err = lru.New(memoSize); err != nil {
			db.Close()
			return nil, xerrors.Errorf("failed to create LRU memo: %w", err)
		}
	}
	return s, nil
}

func (s *SQLiteStorage) Open(name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	if err != nil {
		return nil, xerrors.Errorf("failed to open cache %s: %w", name, err)
	}
	return &sqliteCache{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM generations WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("failed to look up cache %s: %w", name, err)
	}
	return true, nil
}

func (s *SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, xerrors.Errorf("failed to begin deleting cache %s: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, xerrors.Errorf("failed to delete entries of cache %s: %w", name, err)
	}
	result, err := tx.Exec("DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, xerrors.Errorf("failed to delete cache %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, xerrors.Errorf("failed to commit deleting cache %s: %w", name, err)
	}
	s.forget(name)
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLiteStorage) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM generations ORDER BY created_at ASC, name ASC")
	if err != nil {
		return nil, xerrors.Errorf("failed to list caches: %w", err)
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

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// forget drops all memoized entries of the named generation.
// Must be called with the write mutex held.
func (s *SQLiteStorage) forget(name string) {
	if s.memo == nil {
		return
	}
	prefix := name + memoSeparator
	for _, k := range s.memo.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, prefix) {
			s.memo.Remove(k)
		}
	}
}

func (s *SQLiteStorage) remember(name string, entry Entry) {
	if s.memo != nil {
		s.memo.Add(name+memoSeparator+entry.Key, entry)
	}
}

type sqliteCache struct {
	storage *SQLiteStorage
	name    string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(key string) (Entry, bool, error) {
	s := c.storage
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if s.memo != nil {
		if v, ok := s.memo.Get(c.name + memoSeparator + key); ok {
			return v.(Entry), true, nil
		}
	}
	entry := Entry{Key: key}
	var storedAt int64
	err := s.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE generation = ? AND key = ?",
		c.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Errorf("failed to match %s in cache %s: %w", key, c.name, err)
	}
	entry.StoredAt = time.Unix(0, storedAt)
	s.remember(c.name, entry)
	return entry, true, nil
}

func (c *sqliteCache) Put(entry Entry) error {
	return c.PutAll([]Entry{entry})
}

func (c *sqliteCache) PutAll(entries []Entry) error {
	s := c.storage
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return xerrors.Errorf("failed to begin writing cache %s: %w", c.name, err)
	}
	defer tx.Rollback()
	// a deleted generation is condemned, it must not come back to life
	var one int
	if err := tx.QueryRow("SELECT 1 FROM generations WHERE name = ?", c.name).Scan(&one); err == sql.ErrNoRows {
		return xerrors.Errorf("failed to write cache %s: %w", c.name, ErrNotFound)
	} else if err != nil {
		return xerrors.Errorf("failed to look up cache %s: %w", c.name, err)
	}
	for _, entry := range entries {
		_, err := tx.Exec(
			"INSERT OR REPLACE INTO entries (generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			c.name, entry.Key, entry.StoredAt.UnixNano(), entry.Bytes,
		)
		if err != nil {
			return xerrors.Errorf("failed to write %s to cache %s: %w", entry.Key, c.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("failed to commit writing cache %s: %w", c.name, err)
	}
	for _, entry := range entries {
		s.remember(c.name, entry)
	}
	return nil
}

func (c *sqliteCache) Keys() ([]string, error) {
	rows, err := c.storage.db.Query("SELECT key FROM entries WHERE generation = ? ORDER BY key", c.name)
	if err != nil {
		return nil, xerrors.Errorf("failed to list keys of cache %s: %w", c.name, err)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (c *sqliteCache) Len() (int, error) {
	var n int
	if err := c.storage.db.QueryRow("SELECT COUNT(*) FROM entries WHERE generation = ?", c.name).Scan(&n); err != nil {
		return 0, xerrors.Errorf("failed to count entries of cache %s: %w", c.name, err)
	}
	return n, nil
}
