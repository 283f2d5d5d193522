package cache

import (
	"time"

	"golang.org/x/xerrors"
)

// ErrNotFound is returned when a named cache generation does not exist.
var ErrNotFound = xerrors.New("cache not found")

// Storage is a set of named caches, one per generation.
// It stores and retrieves []byte values, which represent response snapshots.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the cache with the given name, creating it if needed.
	Open(name string) (Cache, error)
	// Has checks if a cache with the given name exists.
	Has(name string) (bool, error)
	// Delete removes the named cache and all of its entries.
	// It returns false if there was no such cache.
	Delete(name string) (bool, error)
	// Keys returns the names of all caches, in creation order.
	Keys() ([]string, error)
	// Close releases the underlying resources.
	Close() error
}

// Cache is a single named generation of request identity -> response entries.
// Entries are only ever replaced as a whole; the last write wins.
//
// Implementations must be thread-safe!
type Cache interface {
	// Name returns the generation name.
	Name() string
	// Match returns the entry for the given key.
	// The boolean is false if there is no such entry.
	Match(key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(entry Entry) error
	// PutAll stores all entries, or none of them if there is an error.
	PutAll(entries []Entry) error
	// Keys returns all keys in the cache.
	Keys() ([]string, error)
	// Len returns the number of entries in the cache.
	Len() (int, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
