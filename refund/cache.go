package refund

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const payoutKeyPrefix = "payout:"

// cacheEntry is one idempotency record keyed by the bearer fingerprint.
type cacheEntry struct {
	Payout    Payout    `json:"payout"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache remembers completed payouts for a short TTL so a retried refund call
// returns the same artifact instead of hitting the wallet again. Entries live
// in memory under a mutex; an optional LevelDB file carries them across a
// restart, since the credential row is already gone by the time a retry
// arrives.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	db      *leveldb.DB
}

// NewCache builds an in-memory cache. ttl at or below zero falls back to five
// minutes.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// NewPersistentCache opens (or creates) a LevelDB file behind the cache.
func NewPersistentCache(ttl time.Duration, path string) (*Cache, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("refund cache path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve refund cache path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open refund cache: %w", err)
	}
	c := NewCache(ttl)
	c.db = db
	return c, nil
}

// Close releases the LevelDB handle, if any.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached payout for key, honoring the TTL.
func (c *Cache) Get(key string) (Payout, bool) {
	if c == nil {
		return Payout{}, false
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		if now.Sub(entry.CreatedAt) < c.ttl {
			return entry.Payout, true
		}
		delete(c.entries, key)
		c.deleteDB(key)
		return Payout{}, false
	}
	entry, ok := c.loadDB(key)
	if !ok {
		return Payout{}, false
	}
	if now.Sub(entry.CreatedAt) >= c.ttl {
		c.deleteDB(key)
		return Payout{}, false
	}
	c.entries[key] = entry
	return entry.Payout, true
}

// Put records a completed payout under key.
func (c *Cache) Put(key string, payout Payout) {
	if c == nil {
		return
	}
	entry := cacheEntry{Payout: payout, CreatedAt: time.Now()}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	if c.db != nil {
		if raw, err := json.Marshal(entry); err == nil {
			_ = c.db.Put([]byte(payoutKeyPrefix+key), raw, nil)
		}
	}
}

// Prune drops expired entries from memory and disk.
func (c *Cache) Prune() {
	if c == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.Sub(entry.CreatedAt) >= c.ttl {
			delete(c.entries, key)
			c.deleteDB(key)
		}
	}
	if c.db == nil {
		return
	}
	iter := c.db.NewIterator(util.BytesPrefix([]byte(payoutKeyPrefix)), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		var entry cacheEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil || now.Sub(entry.CreatedAt) >= c.ttl {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if batch.Len() > 0 {
		_ = c.db.Write(batch, nil)
	}
}

func (c *Cache) loadDB(key string) (cacheEntry, bool) {
	if c.db == nil {
		return cacheEntry{}, false
	}
	raw, err := c.db.Get([]byte(payoutKeyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) || err != nil {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) deleteDB(key string) {
	if c.db != nil {
		_ = c.db.Delete([]byte(payoutKeyPrefix+key), nil)
	}
}
