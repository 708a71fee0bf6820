package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const (
	badgerCachePrefix = "c/"
	badgerNamePrefix  = "n/"
)

// BadgerOptions 控制 BadgerDB 后端的打开方式。
type BadgerOptions struct {
	// Dir 为数据目录；InMemory 为 true 时忽略。
	Dir      string
	InMemory bool
}

// NewBadgerStore 打开 BadgerDB 作为缓存后端，所有命名缓存共享同一个库。
func NewBadgerStore(opts BadgerOptions) (Store, error) {
	var dbOpts badgerdb.Options
	if opts.InMemory {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger dir required")
		}
		abs, err := filepath.Abs(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("resolve badger dir: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		dbOpts = badgerdb.DefaultOptions(abs)
	}
	dbOpts = dbOpts.WithLogger(nil)

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

type badgerStore struct {
	db *badgerdb.DB
}

func keyName(name string) []byte {
	return []byte(badgerNamePrefix + name)
}

func keyEntry(locator Locator) []byte {
	return []byte(badgerCachePrefix + locator.CacheName + "/" + locator.URL)
}

func keyEntryPrefix(name string) []byte {
	return []byte(badgerCachePrefix + name + "/")
}

func (s *badgerStore) Open(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: cache name required", ErrInvalidLocator)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyName(name))
		if err == nil {
			return nil
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		return txn.Set(keyName(name), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *badgerStore) Match(ctx context.Context, locator Locator) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateLocator(locator); err != nil {
		return nil, err
	}

	var record Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyEntry(locator))
		if err == badgerdb.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return nil, err
	}

	record = cloneRecord(record)
	return &Entry{
		Locator:   locator,
		Record:    record,
		SizeBytes: int64(len(record.Body)),
	}, nil
}

func (s *badgerStore) Put(ctx context.Context, locator Locator, record Record) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateLocator(locator); err != nil {
		return nil, err
	}

	record = cloneRecord(record)
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode cache record: %w", err)
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyName(locator.CacheName)); err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return fmt.Errorf("%w: %s", ErrCacheNotOpen, locator.CacheName)
			}
			return err
		}
		return txn.Set(keyEntry(locator), encoded)
	})
	if err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		Record:    record,
		SizeBytes: int64(len(record.Body)),
	}, nil
}

func (s *badgerStore) Remove(ctx context.Context, locator Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateLocator(locator); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete(keyEntry(locator)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

func (s *badgerStore) Keys(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := keyEntryPrefix(name)

	var keys []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			keys = append(keys, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
