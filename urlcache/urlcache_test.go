package urlcache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/urlcache"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGetSet(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Now()}
	c := urlcache.New(urlcache.DefaultMaxEntries).WithClock(clk.Now)
	defer c.Close()

	_, ok := c.Get("dQw4w9WgXcQ")
	assert.False(t, ok)

	c.Set("dQw4w9WgXcQ", "https://rr1.example.com/a", clk.Now().Add(time.Hour))
	entry, ok := c.Get("dQw4w9WgXcQ")
	require.True(t, ok)
	assert.Equal(t, "https://rr1.example.com/a", entry.URL)

	clk.Advance(time.Hour)
	_, ok = c.Get("dQw4w9WgXcQ")
	assert.False(t, ok, "entry must be absent once expiresAt is reached")
}

func TestSetIgnoresExpired(t *testing.T) {
	t.Parallel()

	c := urlcache.New(urlcache.DefaultMaxEntries)
	defer c.Close()

	c.Set("dQw4w9WgXcQ", "https://rr1.example.com/a", time.Now().Add(-time.Second))
	_, ok := c.Get("dQw4w9WgXcQ")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := urlcache.New(urlcache.DefaultMaxEntries)
	defer c.Close()

	ids := []media.TrackID{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc", "ddddddddddd"}
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ids[i%len(ids)]
			c.Set(id, "https://rr1.example.com/"+string(id), time.Now().Add(time.Minute))
			_, _ = c.Get(id)
			if i%7 == 0 {
				c.Delete(id)
			}
		}()
	}
	wg.Wait()

	c.Clear()
	_, ok := c.Get(ids[0])
	assert.False(t, ok)
}
