package cache

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"
)

type MemStorage struct {
	mutex  *sync.RWMutex
	caches map[string]map[string]Entry
	// generation names in creation order
	order []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]map[string]Entry),
	}
}

func (m *MemStorage) Open(name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		m.caches[name] = make(map[string]Entry)
		m.order = append(m.order, name)
	}
	return &memCache{storage: m, name: name}, nil
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string{}, m.order...), nil
}

func (m *MemStorage) Close() error {
	return nil
}

type memCache struct {
	storage *MemStorage
	name    string
}

func (c *memCache) Name() string {
	return c.name
}

func (c *memCache) Match(key string) (Entry, bool, error) {
	c.storage.mutex.RLock()
	defer c.storage.mutex.RUnlock()
	entry, ok := c.storage.caches[c.name][key]
	return entry, ok, nil
}

func (c *memCache) Put(entry Entry) error {
	return c.PutAll([]Entry{entry})
}

func (c *memCache) PutAll(entries []Entry) error {
	c.storage.mutex.Lock()
	defer c.storage.mutex.Unlock()
	db, ok := c.storage.caches[c.name]
	if !ok {
		return xerrors.Errorf("failed to write cache %s: %w", c.name, ErrNotFound)
	}
	for _, entry := range entries {
		db[entry.Key] = entry
	}
	return nil
}

func (c *memCache) Keys() ([]string, error) {
	c.storage.mutex.RLock()
	defer c.storage.mutex.RUnlock()
	keys := make([]string, 0, len(c.storage.caches[c.name]))
	for key := range c.storage.caches[c.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memCache) Len() (int, error) {
	c.storage.mutex.RLock()
	defer c.storage.mutex.RUnlock()
	return len(c.storage.caches[c.name]), nil
}
