package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/typemaster/leaderboard/internal/model"
)

// LRUConfig bounds the process-local cache by both entry count and a byte
// budget of summed serialized response sizes (spec §4.3).
type LRUConfig struct {
	MaxEntries   int
	MaxBytes     int64
	LeaderboardTTL time.Duration
	RatingTTL      time.Duration
	AroundMeTTL    time.Duration
}

// DefaultLRUConfig matches the spec §4.3 defaults.
func DefaultLRUConfig() LRUConfig {
	return LRUConfig{
		MaxEntries:     10000,
		MaxBytes:       64 * 1024 * 1024,
		LeaderboardTTL: 10 * time.Second,
		RatingTTL:      30 * time.Second,
		AroundMeTTL:    5 * time.Second,
	}
}

type lruEntry struct {
	key        string
	response   model.PaginatedLeaderboardResponse
	size       int64
	expiresAt  time.Time
	lastAccess time.Time
	elem       *list.Element
}

// LRU is the process-local, byte-budgeted leaderboard response cache.
type LRU struct {
	mu       sync.Mutex
	cfg      LRUConfig
	entries  map[string]*lruEntry
	order    *list.List // front = most recently used
	curBytes int64
}

// NewLRU creates an LRU cache.
func NewLRU(cfg LRUConfig) *LRU {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 * 1024 * 1024
	}
	return &LRU{
		cfg:     cfg,
		entries: make(map[string]*lruEntry),
		order:   list.New(),
	}
}

// TTLFor selects the configured TTL for a leaderboard mode, per spec §4.3
// (ratings get a longer TTL; around-me uses its own short TTL separately).
func (c *LRU) TTLFor(mode model.LeaderboardMode) time.Duration {
	if mode == model.ModeRating {
		return c.cfg.RatingTTL
	}
	return c.cfg.LeaderboardTTL
}

// Get returns a cached response if present and not expired, bumping its
// recency.
func (c *LRU) Get(key Key) (model.PaginatedLeaderboardResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	e, ok := c.entries[k]
	if !ok {
		return model.PaginatedLeaderboardResponse{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		return model.PaginatedLeaderboardResponse{}, false
	}
	e.lastAccess = time.Now()
	c.order.MoveToFront(e.elem)
	return e.response, true
}

// Set stores a response under key with the given TTL, computing its ETag
// and evicting by entry count and byte budget as needed.
func (c *LRU) Set(key Key, response model.PaginatedLeaderboardResponse, ttl time.Duration) model.PaginatedLeaderboardResponse {
	body, err := json.Marshal(response.Entries)
	if err == nil {
		response.Metadata.ETag = ETag(body)
	}
	size := int64(len(body))

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if existing, ok := c.entries[k]; ok {
		c.removeLocked(existing)
	}

	e := &lruEntry{
		key:        k,
		response:   response,
		size:       size,
		expiresAt:  time.Now().Add(ttl),
		lastAccess: time.Now(),
	}
	e.elem = c.order.PushFront(e)
	c.entries[k] = e
	c.curBytes += size

	c.evictLocked()
	return response
}

// InvalidatePrefix removes every entry whose key has the given prefix
// (substring-match invalidation, spec §4.3).
func (c *LRU) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.removeLocked(e)
		}
	}
}

// Size returns the current entry count.
func (c *LRU) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// BytesInUse returns the current summed serialized-entry byte usage.
func (c *LRU) BytesInUse() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

func (c *LRU) evictLocked() {
	for len(c.entries) > c.cfg.MaxEntries || c.curBytes > c.cfg.MaxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest.Value.(*lruEntry))
	}
}

func (c *LRU) removeLocked(e *lruEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
	c.curBytes -= e.size
}

// ETag computes a stable hash of body, truncated to the first 16 hex
// characters of a fast non-cryptographic hash (spec §4.3).
func ETag(body []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(body)
	return fmt.Sprintf("%016x", h.Sum64())
}
