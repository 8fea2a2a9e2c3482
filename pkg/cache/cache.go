// Package cache is the local article cache: fetched article bodies and
// download progress markers, stored in BadgerDB with a TTL so the cache
// bounds itself without an eviction pass.
package cache

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/metrics"
)

// ErrMiss is returned when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Config configures the article cache.
type Config struct {
	// Path is the cache directory. Empty runs badger in memory (tests).
	Path string `mapstructure:"path"`

	// TTL bounds how long cached articles live. Zero means the default.
	TTL time.Duration `mapstructure:"ttl"`
}

const defaultTTL = 72 * time.Hour

// Cache wraps one badger instance.
type Cache struct {
	db      *badger.DB
	ttl     time.Duration
	metrics *metrics.CacheMetrics
}

// New opens the cache. Badger's own chatty logger is silenced; errors still
// surface through returned values.
func New(config Config, m *metrics.CacheMetrics) (*Cache, error) {
	ttl := config.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	var opts badger.Options
	if config.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open article cache: %w", err)
	}

	return &Cache{db: db, ttl: ttl, metrics: m}, nil
}

// Close flushes and closes the cache.
func (c *Cache) Close() error {
	return c.db.Close()
}

func keyArticle(messageID string) []byte {
	return []byte("a:" + messageID)
}

func keyProgress(sessionID, fileID string) []byte {
	return []byte("p:" + sessionID + ":" + fileID)
}

// PutArticle stores one article body under its message id.
func (c *Cache) PutArticle(messageID string, body []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(keyArticle(messageID), body).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to cache article: %w", err)
	}
	c.metrics.ObserveWrite()
	return nil
}

// GetArticle returns a cached article body, or ErrMiss.
func (c *Cache) GetArticle(messageID string) ([]byte, error) {
	var body []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyArticle(messageID))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		c.metrics.ObserveMiss()
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached article: %w", err)
	}
	c.metrics.ObserveHit()
	return body, nil
}

// PutProgress stores a download progress marker: the verified plaintext
// prefix length of one file in one session. Resume starts from here.
func (c *Cache) PutProgress(sessionID, fileID string, verified int64) error {
	val := fmt.Sprintf("%d", verified)
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(keyProgress(sessionID, fileID), []byte(val)).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	return nil
}

// GetProgress returns the verified prefix length, or ErrMiss.
func (c *Cache) GetProgress(sessionID, fileID string) (int64, error) {
	var verified int64
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyProgress(sessionID, fileID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			_, serr := fmt.Sscanf(string(val), "%d", &verified)
			return serr
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read progress: %w", err)
	}
	return verified, nil
}

// DropSession removes every progress marker of one session.
func (c *Cache) DropSession(sessionID string) error {
	prefix := []byte("p:" + sessionID + ":")
	return c.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GC runs one value-log garbage collection pass and publishes the on-disk
// size. Callers run it periodically from a maintenance goroutine.
func (c *Cache) GC() {
	if err := c.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		logger.Warn("cache gc failed", logger.Err(err))
	}
	lsm, vlog := c.db.Size()
	c.metrics.SetSize(lsm + vlog)
}
