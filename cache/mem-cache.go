package cache

import (
	"sort"
	"sync"
)

// MemCache is an in-memory CacheProvider.
// Nothing survives a restart, so it is mostly useful for tests and development.
type MemCache struct {
	mutex  *sync.RWMutex
	stores map[string]map[string]CacheEntry
	order  *[]string
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]map[string]CacheEntry),
		order:  &[]string{},
	}
}

func (m MemCache) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.create(name)
	return memStore{cache: m, name: name}, nil
}

// create adds an empty store if it does not exist.
// The caller must hold the write lock.
func (m MemCache) create(name string) map[string]CacheEntry {
	entries, ok := m.stores[name]
	if !ok {
		entries = make(map[string]CacheEntry)
		m.stores[name] = entries
		*m.order = append(*m.order, name)
	}
	return entries
}

func (m MemCache) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(*m.order))
	copy(names, *m.order)
	return names, nil
}

func (m MemCache) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	order := (*m.order)[:0]
	for _, n := range *m.order {
		if n != name {
			order = append(order, n)
		}
	}
	*m.order = order
	return true, nil
}

func (m MemCache) Match(key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range *m.order {
		if entry, ok := m.stores[name][key]; ok {
			return entry, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

type memStore struct {
	cache MemCache
	name  string
}

func (s memStore) Name() string {
	return s.name
}

func (s memStore) Get(key string) (CacheEntry, bool, error) {
	s.cache.mutex.RLock()
	defer s.cache.mutex.RUnlock()
	entry, ok := s.cache.stores[s.name][key]
	return entry, ok, nil
}

func (s memStore) Put(ce CacheEntry) error {
	s.cache.mutex.Lock()
	defer s.cache.mutex.Unlock()
	s.cache.create(s.name)[ce.Key] = ce
	return nil
}

func (s memStore) Purge(key string) error {
	s.cache.mutex.Lock()
	defer s.cache.mutex.Unlock()
	delete(s.cache.stores[s.name], key)
	return nil
}

func (s memStore) Keys(cb func(string)) error {
	s.cache.mutex.RLock()
	keys := make([]string, 0, len(s.cache.stores[s.name]))
	for key := range s.cache.stores[s.name] {
		keys = append(keys, key)
	}
	s.cache.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}
