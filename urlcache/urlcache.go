// Package urlcache holds resolved playback URLs in memory for the lifetime of the process.
// Losing an entry only costs a repeated resolution.
package urlcache

import (
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/xeptore/tunestream/media"
)

const DefaultMaxEntries = 1000

type Entry struct {
	URL       string
	ExpiresAt time.Time
}

type Cache struct {
	c   *ccache.Cache[Entry]
	now func() time.Time
}

func New(maxEntries int64) *Cache {
	c := ccache.New(
		ccache.Configure[Entry]().
			MaxSize(maxEntries).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)
	return &Cache{c: c, now: time.Now}
}

// WithClock replaces the clock used for expiry checks.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get returns the entry of id if present and not expired.
func (c *Cache) Get(id media.TrackID) (Entry, bool) {
	item := c.c.Get(string(id))
	if nil == item {
		return Entry{}, false
	}
	entry := item.Value()
	if !entry.ExpiresAt.After(c.now()) {
		c.c.Delete(string(id))
		return Entry{}, false
	}
	return entry, true
}

// Set stores url for id until expiresAt. Already expired entries are not stored.
func (c *Cache) Set(id media.TrackID, url string, expiresAt time.Time) {
	ttl := expiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	c.c.Set(string(id), Entry{URL: url, ExpiresAt: expiresAt}, ttl)
}

func (c *Cache) Delete(id media.TrackID) {
	c.c.Delete(string(id))
}

func (c *Cache) Clear() {
	c.c.Clear()
}

func (c *Cache) Len() int {
	return c.c.ItemCount()
}

func (c *Cache) Close() {
	c.c.Stop()
}
