package swcache

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httputil"
	"slices"

	"github.com/els-fr/livreur/internal/errors"
)

// ErrMiss is returned by a Backend when a key is absent.
var ErrMiss = errors.NewStd("cache miss")

// Backend stores raw cache entries grouped into named caches.
type Backend interface {
	CreateCache(name string) error
	CacheNames() ([]string, error)
	// DeleteCache removes a cache and its entries, reporting whether it existed.
	DeleteCache(name string) (bool, error)
	Get(cache, key string) ([]byte, error)
	Put(cache, key string, value []byte) error
	Close() error
}

// Storage is the set of named response caches.
type Storage struct {
	backend Backend
}

// NewStorage wraps backend.
func NewStorage(backend Backend) *Storage {
	return &Storage{backend: backend}
}

// Open returns the cache called name, creating it if needed.
func (s *Storage) Open(name string) (*Cache, error) {
	if err := s.backend.CreateCache(name); err != nil {
		return nil, storageErr(err, "open", name)
	}
	return &Cache{name: name, backend: s.backend}, nil
}

// Keys lists cache names in sorted order.
func (s *Storage) Keys() ([]string, error) {
	names, err := s.backend.CacheNames()
	if err != nil {
		return nil, storageErr(err, "keys", "")
	}
	slices.Sort(names)
	return names, nil
}

// Delete removes the cache called name.
func (s *Storage) Delete(name string) (bool, error) {
	ok, err := s.backend.DeleteCache(name)
	if err != nil {
		return false, storageErr(err, "delete", name)
	}
	return ok, nil
}

// Close releases the backend.
func (s *Storage) Close() error {
	return s.backend.Close()
}

// Cache maps exact requests (method and full URL) to stored responses.
type Cache struct {
	name    string
	backend Backend
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

func requestKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// Match returns the stored response for req, or nil when there is none.
func (c *Cache) Match(req *http.Request) (*http.Response, error) {
	raw, err := c.backend.Get(c.name, requestKey(req))
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "match", c.name)
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), req)
	if err != nil {
		return nil, storageErr(err, "decode", c.name)
	}
	return resp, nil
}

// Put stores resp for req. resp.Body is read and replaced so the caller can
// still consume it.
func (c *Cache) Put(req *http.Request, resp *http.Response) error {
	r := *resp
	if r.ProtoMajor == 0 {
		r.Proto, r.ProtoMajor, r.ProtoMinor = "HTTP/1.1", 1, 1
	}
	raw, err := httputil.DumpResponse(&r, true)
	resp.Body = r.Body
	if err != nil {
		return storageErr(err, "encode", c.name)
	}
	return c.putRaw(requestKey(req), raw)
}

func (c *Cache) putRaw(key string, raw []byte) error {
	if err := c.backend.Put(c.name, key, raw); err != nil {
		return storageErr(err, "put", c.name)
	}
	return nil
}

func storageErr(err error, op, cache string) error {
	return errors.New(err).
		Component("swcache").
		Category(errors.CategoryStorage).
		Context("op", op).
		Context("cache", cache).
		Build()
}
