// internal/bridge/dedup.go
package bridge

import (
	"container/list"
	"encoding/binary"
	"sync"
	"time"

	"meshlink/internal/proto"
)

const (
	dedupCacheCap = 2048
	dedupCacheTTL = 2 * time.Minute
)

// dedupCache remembers recently seen 16-byte keys with a TTL and a size
// cap, evicting least-recently-touched entries first.
type dedupCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[[16]byte]*list.Element
	order   *list.List
}

type dedupEntry struct {
	key     [16]byte
	expires time.Time
}

func newDedupCache(capacity int, ttl time.Duration) *dedupCache {
	if capacity <= 0 {
		capacity = dedupCacheCap
	}
	if ttl <= 0 {
		ttl = dedupCacheTTL
	}
	return &dedupCache{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[[16]byte]*list.Element),
		order:   list.New(),
	}
}

// seen reports whether key is live in the cache and, when absent, records
// it. Check and insert are one critical section so two transports handing
// over the same packet concurrently cannot both pass.
func (c *dedupCache) seen(key [16]byte) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*dedupEntry)
		if ent.expires.After(now) {
			ent.expires = now.Add(c.ttl)
			c.order.MoveToFront(el)
			return true
		}
		delete(c.entries, key)
		c.order.Remove(el)
	}
	ent := &dedupEntry{key: key, expires: now.Add(c.ttl)}
	c.entries[key] = c.order.PushFront(ent)
	for len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*dedupEntry)
		delete(c.entries, old.key)
		c.order.Remove(back)
	}
	return false
}

// Touches refresh the deadline as they move to the front, so the list
// stays ordered by expiry and the scan stops at the first live entry.
func (c *dedupCache) pruneLocked(now time.Time) {
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*dedupEntry)
		if ent.expires.After(now) {
			return
		}
		delete(c.entries, ent.key)
		c.order.Remove(back)
	}
}

// senderTimeKey folds (senderID, timestamp) into a cache key; a repeating
// pair is dropped even when payload bytes differ.
func senderTimeKey(sender proto.PeerID, timestampMs uint64) [16]byte {
	var key [16]byte
	copy(key[:8], sender[:])
	binary.BigEndian.PutUint64(key[8:], timestampMs)
	return key
}
