// Package dedupe suppresses replayed inbound events. Transports with
// at-least-once delivery (webhook retries, polling overlap, socket resumes)
// can hand the gateway the same event more than once; the cache remembers
// recent fingerprints for a fixed TTL inside a hard size bound.
package dedupe

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 1000
)

type entry struct {
	key        string
	insertedAt time.Time
}

// Cache is a TTL + size bounded set of fingerprints. Safe for concurrent use.
// Entries live in insertion order so the oldest is always at the front.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. Non-positive ttl or maxSize fall back to the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// SeenRecently reports whether fingerprint was recorded within the TTL.
// A negative answer records it, so the next call within the TTL returns true.
// A positive answer does not extend the entry's lifetime.
func (c *Cache) SeenRecently(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneExpiredLocked(now)

	if _, ok := c.seen[fingerprint]; ok {
		return true
	}

	for len(c.seen) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.seen[fingerprint] = c.order.PushBack(&entry{key: fingerprint, insertedAt: now})
	return false
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(c.now())
	return len(c.seen)
}

// pruneExpiredLocked drops stale entries from the front of the list.
// TTL is fixed, so everything after the first live entry is live too.
func (c *Cache) pruneExpiredLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.insertedAt) <= c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.seen, e.key)
}

// Fingerprint joins the identifying parts of an event into a stable key,
// e.g. Fingerprint("telegram", accountID, chatID, messageID).
// Each part is length-prefixed, so parts containing the separator (chat ids
// like "a:b") cannot collide with a different split.
func Fingerprint(parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}
