package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is one committed cache record. Entries are immutable once stored.
type Entry struct {
	Key       string    `json:"key"`
	Digest    string    `json:"digest"`
	Signature []byte    `json:"signature,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Bytes     []byte    `json:"-"`
}

// Valid reports whether the entry may still be served at now.
func (e *Entry) Valid(now time.Time) bool {
	if e == nil {
		return false
	}
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Fetched is the result of a cache-miss fetch.
type Fetched struct {
	Bytes     []byte
	Signature []byte
}

// FetchFunc performs the network round trip for a cache miss.
type FetchFunc func(ctx context.Context) (Fetched, error)

// CacheStats counts cache lookups.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// TTL bounds entry validity. Zero keeps entries until invalidated.
	TTL time.Duration
	// Dir persists entries across processes when set.
	Dir    string
	Now    func() time.Time
	Logger *slog.Logger
}

// Cache stores resolved artifact bytes keyed by resolved location.
//
// Contract:
//   - Reads are lock-free.
//   - Concurrent misses for the same key share one fetch.
//   - An entry is stored only after its fetch completed; a failed fetch
//     leaves the previous entry untouched.
//   - An entry is served only when its stored key equals the lookup key.
type Cache struct {
	ttl    time.Duration
	dir    string
	now    func() time.Time
	logger *slog.Logger

	entries sync.Map // key -> *Entry
	group   singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache, preparing Dir when set.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.TTL < 0 {
		return nil, errors.New("artifact: cache ttl must be non-negative")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("artifact: create cache dir: %w", err)
		}
	}
	return &Cache{
		ttl:    cfg.TTL,
		dir:    cfg.Dir,
		now:    cfg.Now,
		logger: cfg.Logger,
	}, nil
}

// Get returns a valid entry for key without fetching.
func (c *Cache) Get(key string) (*Entry, bool) {
	now := c.now()
	if value, ok := c.entries.Load(key); ok {
		entry := value.(*Entry)
		if entry.Key == key && entry.Valid(now) {
			return entry, true
		}
	}
	if c.dir == "" {
		return nil, false
	}
	entry, err := c.readDisk(key)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("artifact cache disk read failed", "key", key, "error", err)
		}
		return nil, false
	}
	if entry.Key != key || !entry.Valid(now) {
		return nil, false
	}
	c.entries.Store(key, entry)
	return entry, true
}

// Load returns the entry for key, running fetch on a miss. The boolean
// reports whether the entry came from cache.
func (c *Cache) Load(ctx context.Context, key string, fetch FetchFunc) (*Entry, bool, error) {
	if entry, ok := c.Get(key); ok {
		c.hits.Add(1)
		return entry, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if entry, ok := c.Get(key); ok {
			return entry, nil
		}
		c.misses.Add(1)
		// The fetch is shared by every waiter, so it must outlive any one caller.
		fetched, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		return c.commit(key, fetched)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*Entry), false, nil
	}
}

// Invalidate drops key from memory and disk.
func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
	if c.dir == "" {
		return
	}
	base := c.diskBase(key)
	_ = os.Remove(base + ".json")
	_ = os.Remove(base + ".bin")
}

// Prune removes expired entries and returns how many distinct keys were dropped.
func (c *Cache) Prune() int {
	now := c.now()
	removed := make(map[string]struct{})
	c.entries.Range(func(key, value any) bool {
		if !value.(*Entry).Valid(now) {
			c.entries.Delete(key)
			removed[key.(string)] = struct{}{}
		}
		return true
	})
	if c.dir != "" {
		c.pruneDisk(now, removed)
	}
	return len(removed)
}

// Stats returns lookup counters.
func (c *Cache) Stats() CacheStats {
	count := 0
	c.entries.Range(func(any, any) bool {
		count++
		return true
	})
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: count,
	}
}

func (c *Cache) commit(key string, fetched Fetched) (*Entry, error) {
	now := c.now()
	entry := &Entry{
		Key:       key,
		Digest:    Digest(fetched.Bytes),
		Signature: append([]byte(nil), fetched.Signature...),
		FetchedAt: now,
		Bytes:     append([]byte(nil), fetched.Bytes...),
	}
	if c.ttl > 0 {
		entry.ExpiresAt = now.Add(c.ttl)
	}
	if c.dir != "" {
		if err := c.writeDisk(entry); err != nil {
			c.logger.Warn("artifact cache disk write failed", "key", key, "error", err)
		}
	}
	c.entries.Store(key, entry)
	return entry, nil
}

func (c *Cache) diskBase(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}

func (c *Cache) readDisk(key string) (*Entry, error) {
	base := c.diskBase(key)
	meta, err := os.ReadFile(base + ".json") // #nosec G304 -- path derived from a hash inside the cache dir
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(meta, &entry); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}
	data, err := os.ReadFile(base + ".bin") // #nosec G304 -- path derived from a hash inside the cache dir
	if err != nil {
		return nil, err
	}
	if Digest(data) != entry.Digest {
		return nil, fmt.Errorf("cache bytes for %s do not match recorded digest", key)
	}
	entry.Bytes = data
	return &entry, nil
}

// writeDisk writes bytes before metadata; readers require both and a
// matching digest, so a crash between the two renames is never served.
func (c *Cache) writeDisk(entry *Entry) error {
	base := c.diskBase(entry.Key)
	if err := writeFileAtomic(base+".bin", entry.Bytes); err != nil {
		return err
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return writeFileAtomic(base+".json", meta)
}

func (c *Cache) pruneDisk(now time.Time, removed map[string]struct{}) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return
	}
	for _, metaPath := range matches {
		raw, err := os.ReadFile(metaPath) // #nosec G304 -- glob inside the cache dir
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || !entry.Valid(now) {
			base := metaPath[:len(metaPath)-len(".json")]
			_ = os.Remove(metaPath)
			_ = os.Remove(base + ".bin")
			key := entry.Key
			if key == "" {
				key = metaPath
			}
			removed[key] = struct{}{}
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
