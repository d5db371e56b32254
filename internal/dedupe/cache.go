// ABOUTME: Thread-safe TTL window of seen keys with per-key repeat counts.
// ABOUTME: Observe reports repeats without ever refusing a key; CheckAndMark is the strict form.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Observation describes a key's history inside the window.
type Observation struct {
	Key       string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Repeat reports whether the key had already been seen.
func (o Observation) Repeat() bool {
	return o.Count > 1
}

type entry struct {
	key       string
	firstSeen time.Time
	lastSeen  time.Time
	count     int
	elem      *list.Element
}

// Cache is a size-bounded window of keys. Entries expire ttl after they were
// last seen; when full, the least recently seen key is evicted.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front is least recently seen
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its janitor.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Observe records a sighting of key and returns its history including this one.
func (c *Cache) Observe(key string) Observation {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if ok && now.Sub(e.lastSeen) >= c.ttl {
		c.removeLocked(e)
		ok = false
	}

	if !ok {
		if c.maxSize > 0 && len(c.entries) >= c.maxSize {
			if oldest := c.lru.Front(); oldest != nil {
				c.removeLocked(oldest.Value.(*entry))
			}
		}
		e = &entry{key: key, firstSeen: now}
		e.elem = c.lru.PushBack(e)
		c.entries[key] = e
	} else {
		c.lru.MoveToBack(e.elem)
	}

	e.count++
	e.lastSeen = now
	return Observation{Key: key, Count: e.count, FirstSeen: e.firstSeen, LastSeen: e.lastSeen}
}

// CheckAndMark atomically marks key and reports whether it was already present.
func (c *Cache) CheckAndMark(key string) bool {
	return c.Observe(key).Repeat()
}

// Seen reports whether key is in the window without recording a sighting.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && c.now().Sub(e.lastSeen) < c.ttl
}

// Len returns the number of tracked keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if now.Sub(e.lastSeen) >= c.ttl {
			c.removeLocked(e)
			removed++
		}
		el = next
	}
	return removed
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *Cache) janitor() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the janitor. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
