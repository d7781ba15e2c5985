package bytecache_test

import (
	"bytes"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/tunestream/bytecache"
	"github.com/xeptore/tunestream/media"
)

const trackID = "dQw4w9WgXcQ"

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestPersistentCoverage(t *testing.T) {
	t.Parallel()

	c, err := bytecache.NewPersistent(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	assert.False(t, c.IsCached(trackID, 0, 10))

	require.NoError(t, c.Write(trackID, 0, payload(100, 1)))
	require.NoError(t, c.Write(trackID, 100, payload(50, 2)))
	require.NoError(t, c.Write(trackID, 200, payload(50, 3)))

	assert.True(t, c.IsCached(trackID, 0, 150))
	assert.True(t, c.IsCached(trackID, 90, 20), "range across a span boundary")
	assert.False(t, c.IsCached(trackID, 140, 20), "range across a gap")
	assert.True(t, c.IsCached(trackID, 200, 50))
	assert.False(t, c.IsCached(trackID, 200, 51))
	assert.False(t, c.IsCached(trackID, 0, media.LengthUnset), "unbounded range needs a content length")
	assert.False(t, c.IsCached("aaaaaaaaaaa", 0, 10))

	require.NoError(t, c.Write(trackID, 150, payload(50, 4)))
	require.NoError(t, c.SetContentLength(trackID, 250))
	assert.True(t, c.IsCached(trackID, 0, media.LengthUnset))
	assert.True(t, c.IsCached(trackID, 120, media.LengthUnset))
	assert.False(t, c.IsCached(trackID, 250, media.LengthUnset))
	assert.Equal(t, int64(250), c.Size())
}

func TestPersistentReadRange(t *testing.T) {
	t.Parallel()

	c, err := bytecache.NewPersistent(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	first, second := payload(64, 10), payload(64, 20)
	require.NoError(t, c.Write(trackID, 0, first))
	require.NoError(t, c.Write(trackID, 64, second))

	b, err := c.ReadRange(trackID, 60, 8)
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Clone(first[60:]), second[:4]...), b)

	_, err = c.ReadRange(trackID, 100, 64)
	require.ErrorIs(t, err, bytecache.ErrNotCached)
}

func TestPersistentReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := bytecache.NewPersistent(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Write(trackID, 0, payload(32, 1)))
	require.NoError(t, c.Write(trackID, 32, payload(32, 2)))
	require.NoError(t, c.SetContentLength(trackID, 64))
	require.NoError(t, c.Write("local/song.mp3", 0, payload(8, 3)))

	reopened, err := bytecache.NewPersistent(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, reopened.IsCached(trackID, 0, media.LengthUnset))
	assert.True(t, reopened.IsCached("local/song.mp3", 0, 8))
	n, ok := reopened.ContentLength(trackID)
	require.True(t, ok)
	assert.Equal(t, int64(64), n)
	assert.Equal(t, int64(72), reopened.Size())
}

func TestRemoveKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := bytecache.NewPersistent(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Write(trackID, 0, payload(32, 1)))
	require.NoError(t, c.SetContentLength(trackID, 32))

	require.NoError(t, c.RemoveKey(trackID))
	assert.False(t, c.IsCached(trackID, 0, 32))
	_, ok := c.ContentLength(trackID)
	assert.False(t, ok)
	assert.Zero(t, c.Size())

	reopened, err := bytecache.NewPersistent(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, reopened.IsCached(trackID, 0, 32))

	require.NoError(t, c.RemoveKey("never-stored"))
}

func TestLRUEviction(t *testing.T) {
	t.Parallel()

	c, err := bytecache.NewLRU(t.TempDir(), 100, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.Write("aaaaaaaaaaa", 0, payload(40, 1)))
	require.NoError(t, c.Write("bbbbbbbbbbb", 0, payload(40, 2)))

	// Reading promotes a above b.
	_, err = c.ReadRange("aaaaaaaaaaa", 0, 40)
	require.NoError(t, err)

	require.NoError(t, c.Write("ccccccccccc", 0, payload(40, 3)))

	assert.True(t, c.IsCached("aaaaaaaaaaa", 0, 40))
	assert.False(t, c.IsCached("bbbbbbbbbbb", 0, 40), "least recently read span must be evicted")
	assert.True(t, c.IsCached("ccccccccccc", 0, 40))
	assert.Equal(t, int64(80), c.Size())

	require.NoError(t, c.Write("ddddddddddd", 0, payload(101, 4)))
	assert.False(t, c.IsCached("ddddddddddd", 0, 101), "span larger than the cache is not stored")
}

func TestLRUConcurrentRewritesKeepFilesAndIndexInSync(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := bytecache.NewLRU(dir, 64, zerolog.Nop())
	require.NoError(t, err)

	keys := []string{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc"}
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := keys[(w+i)%len(keys)]
				offset := int64(i%2) * 16
				assert.NoError(t, c.Write(key, offset, payload(16, byte(offset))))
			}
		}()
	}
	wg.Wait()

	var onDisk int64
	require.NoError(t, filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if nil != err || d.IsDir() || filepath.Ext(path) != ".span" {
			return err
		}
		info, err := d.Info()
		if nil != err {
			return err
		}
		onDisk += info.Size()
		return nil
	}))
	assert.Equal(t, c.Size(), onDisk)
	assert.LessOrEqual(t, c.Size(), int64(64))

	for _, key := range keys {
		for _, offset := range []int64{0, 16} {
			if !c.IsCached(key, offset, 16) {
				continue
			}
			b, err := c.ReadRange(key, offset, 16)
			require.NoError(t, err, "indexed span %s@%d must have its file", key, offset)
			assert.Equal(t, payload(16, byte(offset)), b)
		}
	}
}

func TestLRUReloadHonorsBudget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := bytecache.NewPersistent(dir, zerolog.Nop())
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, c.Write(trackID, int64(i*30), payload(30, byte(i))))
	}

	lru, err := bytecache.NewLRU(dir, 100, zerolog.Nop())
	require.NoError(t, err)
	assert.LessOrEqual(t, lru.Size(), int64(100))
}

func newRangeServer(t *testing.T, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		spec, ok := strings.CutPrefix(r.Header.Get("Range"), "bytes=")
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		from, to, _ := strings.Cut(spec, "-")
		start, err := strconv.Atoi(from)
		if nil != err {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		end := len(body) - 1
		if to != "" {
			if end, err = strconv.Atoi(to); nil != err {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		end = min(end, len(body)-1)
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTierWritesThroughToStreaming(t *testing.T) {
	t.Parallel()

	body := payload(4096, 7)
	var hits atomic.Int32
	srv := newRangeServer(t, body, &hits)

	streaming, err := bytecache.NewLRU(t.TempDir(), 1<<20, zerolog.Nop())
	require.NoError(t, err)
	download, err := bytecache.NewPersistent(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	tier := bytecache.NewTier(streaming, download, zerolog.Nop())

	req := media.NewRequest(trackID, 0, 1024).WithURL(srv.URL + "/videoplayback")

	rc, err := tier.Open(t.Context(), req)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body[:1024], got)
	assert.Equal(t, int32(1), hits.Load())

	assert.True(t, streaming.IsCached(trackID, 0, 1024))
	assert.False(t, download.IsCached(trackID, 0, 1024), "download cache is read-only on the playback path")
	n, ok := streaming.ContentLength(trackID)
	require.True(t, ok)
	assert.Equal(t, int64(4096), n)

	rc, err = tier.Open(t.Context(), req)
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body[:1024], got)
	assert.Equal(t, int32(1), hits.Load(), "second read must be served from the streaming cache")
}

func TestTierServesDownloadCache(t *testing.T) {
	t.Parallel()

	streaming, err := bytecache.NewLRU(t.TempDir(), 1<<20, zerolog.Nop())
	require.NoError(t, err)
	download, err := bytecache.NewPersistent(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	body := payload(512, 9)
	require.NoError(t, download.Write(trackID, 0, body))

	tier := bytecache.NewTier(streaming, download, zerolog.Nop())
	rc, err := tier.Open(t.Context(), media.NewRequest(trackID, 128, 128))
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body[128:256], got)
	assert.False(t, streaming.IsCached(trackID, 128, 128))
}

func TestTierRejectsUnresolvedRequest(t *testing.T) {
	t.Parallel()

	streaming, err := bytecache.NewLRU(t.TempDir(), 1<<20, zerolog.Nop())
	require.NoError(t, err)
	download, err := bytecache.NewPersistent(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	tier := bytecache.NewTier(streaming, download, zerolog.Nop())
	_, err = tier.Open(t.Context(), media.NewRequest(trackID, 0, 128))
	require.ErrorIs(t, err, bytecache.ErrUnresolved)
}

func TestFetchRangeStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		err    error
	}{
		{name: "throttled", status: http.StatusTooManyRequests},
		{name: "expired", status: http.StatusForbidden, err: bytecache.ErrURLRejected},
		{name: "gone", status: http.StatusGone, err: bytecache.ErrURLRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, _, err := bytecache.FetchRange(t.Context(), media.NewRequest(trackID, 0, 16).WithURL(srv.URL))
			require.Error(t, err)
			if nil != tc.err {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestFetchRangeFullBody(t *testing.T) {
	t.Parallel()

	body := payload(100, 5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	b, total, err := bytecache.FetchRange(t.Context(), media.NewRequest(trackID, 10, 20).WithURL(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
	assert.Equal(t, body[10:30], b)
}
