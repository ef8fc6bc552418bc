package swcache

import (
	"strings"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend keeps caches in process memory. Entries never expire; an
// activated worker removes old caches explicitly.
type MemoryBackend struct {
	c *gocache.Cache
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{c: gocache.New(gocache.NoExpiration, 0)}
}

func memName(cache string) string       { return "n/" + cache }
func memEntries(cache string) string    { return "c/" + cache + "\x00" }
func memEntry(cache, key string) string { return memEntries(cache) + key }

func (m *MemoryBackend) CreateCache(name string) error {
	m.c.Set(memName(name), struct{}{}, gocache.NoExpiration)
	return nil
}

func (m *MemoryBackend) CacheNames() ([]string, error) {
	var names []string
	for k := range m.c.Items() {
		if name, ok := strings.CutPrefix(k, "n/"); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *MemoryBackend) DeleteCache(name string) (bool, error) {
	if _, ok := m.c.Get(memName(name)); !ok {
		return false, nil
	}
	prefix := memEntries(name)
	for k := range m.c.Items() {
		if strings.HasPrefix(k, prefix) {
			m.c.Delete(k)
		}
	}
	m.c.Delete(memName(name))
	return true, nil
}

func (m *MemoryBackend) Get(cache, key string) ([]byte, error) {
	v, ok := m.c.Get(memEntry(cache, key))
	if !ok {
		return nil, ErrMiss
	}
	return v.([]byte), nil
}

func (m *MemoryBackend) Put(cache, key string, value []byte) error {
	m.c.Set(memEntry(cache, key), value, gocache.NoExpiration)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.c.Flush()
	return nil
}
