package swcache

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"

	"github.com/els-fr/livreur/internal/errors"
)

var (
	namePrefix  = []byte("n/")
	entryPrefix = []byte("c/")
)

// BadgerBackend keeps caches on disk so the shell survives restarts.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database in dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Newf("failed to open cache store: %w", err).
			Component("swcache").
			Category(errors.CategoryStorage).
			Context("dir", dir).
			Build()
	}
	return &BadgerBackend{db: db}, nil
}

func nameKey(cache string) []byte {
	return append(bytes.Clone(namePrefix), cache...)
}

func entriesPrefix(cache string) []byte {
	k := append(bytes.Clone(entryPrefix), cache...)
	return append(k, 0)
}

func entryKey(cache, key string) []byte {
	return append(entriesPrefix(cache), key...)
}

func (b *BadgerBackend) CreateCache(name string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nameKey(name), nil)
	})
}

func (b *BadgerBackend) CacheNames() ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = namePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(namePrefix):]))
		}
		return nil
	})
	return names, err
}

func (b *BadgerBackend) DeleteCache(name string) (bool, error) {
	existed := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(nameKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		existed = err == nil
		return err
	})
	if err != nil || !existed {
		return false, err
	}
	// The name key is deleted exactly: as a prefix it would also match
	// longer names such as v1 and v1.0.0.
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nameKey(name))
	}); err != nil {
		return false, err
	}
	if err := b.db.DropPrefix(entriesPrefix(name)); err != nil {
		return false, err
	}
	return true, nil
}

func (b *BadgerBackend) Get(cache, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(cache, key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	return val, err
}

func (b *BadgerBackend) Put(cache, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(cache, key), value)
	})
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
