package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerCache stores cache entries in an embedded Badger database so that
// neighbour lists survive process restarts on a single node. Expiry uses
// Badger's native key TTL.
type BadgerCache struct {
	db     *badger.DB
	prefix string
	logger *zap.Logger
}

// NewBadgerCache namespaces all keys under prefix so the database can be
// shared with other stores.
func NewBadgerCache(db *badger.DB, prefix string, logger *zap.Logger) *BadgerCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerCache{db: db, prefix: prefix, logger: logger.Named("badger_cache")}
}

func (c *BadgerCache) key(k string) []byte {
	return []byte(c.prefix + k)
}

func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger cache get %s: %w", key, err)
	}
	return value, true, nil
}

func (c *BadgerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(c.key(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger cache set %s: %w", key, err)
	}
	return nil
}

func (c *BadgerCache) Delete(ctx context.Context, key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(c.key(key))
	})
	if err != nil {
		return fmt.Errorf("badger cache delete %s: %w", key, err)
	}
	return nil
}

func (c *BadgerCache) Clear(ctx context.Context, pattern string) error {
	if pattern == "*" || strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*") {
		prefix := c.key(strings.TrimSuffix(pattern, "*"))
		if err := c.db.DropPrefix(prefix); err != nil {
			return fmt.Errorf("badger cache clear %s: %w", pattern, err)
		}
		return nil
	}

	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(c.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if matchPattern(strings.TrimPrefix(string(k), c.prefix), pattern) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger cache scan %s: %w", pattern, err)
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("badger cache clear %s: %w", pattern, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger cache clear %s: %w", pattern, err)
	}
	c.logger.Debug("Cleared cache entries", zap.String("pattern", pattern), zap.Int("count", len(keys)))
	return nil
}

func (c *BadgerCache) Len(ctx context.Context) (int, error) {
	count := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(c.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger cache len: %w", err)
	}
	return count, nil
}
