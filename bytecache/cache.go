// Package bytecache stores byte ranges of remote tracks on disk as spans and answers whether a
// requested range is fully covered by them. A Cache is either persistent (the download cache) or
// bounded with least-recently-used eviction (the streaming cache).
package bytecache

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/metrics"
	"github.com/xeptore/tunestream/must"
)

const (
	spanFileExt       = ".span"
	contentLengthFile = "content_length"
)

var ErrNotCached = errors.New("range is not cached")

type keyIndex struct {
	spans         map[int64]int64
	contentLength int64
}

type spanRef struct {
	key    string
	offset int64
}

type Cache struct {
	dir      string
	source   string
	maxBytes int64
	mu       sync.RWMutex
	keys     map[string]*keyIndex
	size     int64
	// lru orders streaming spans by recency; nil for the download cache. Guarded by mu.
	lru    *simplelru.LRU[spanRef, int64]
	logger zerolog.Logger
}

// NewPersistent opens the download cache rooted at dir. Nothing is ever evicted from it.
func NewPersistent(dir string, logger zerolog.Logger) (*Cache, error) {
	c := &Cache{
		dir:    dir,
		source: metrics.TierDownload,
		keys:   make(map[string]*keyIndex),
		logger: logger.With().Str("cache", metrics.TierDownload).Logger(),
	}
	if err := c.load(); nil != err {
		return nil, err
	}
	return c, nil
}

// NewLRU opens the streaming cache rooted at dir, evicting least recently read spans once their
// total size exceeds maxBytes.
func NewLRU(dir string, maxBytes int64, logger zerolog.Logger) (*Cache, error) {
	c := &Cache{
		dir:      dir,
		source:   metrics.TierStreaming,
		maxBytes: maxBytes,
		keys:     make(map[string]*keyIndex),
		logger:   logger.With().Str("cache", metrics.TierStreaming).Logger(),
	}
	lru, err := simplelru.NewLRU[spanRef, int64](math.MaxInt, nil)
	if nil != err {
		return nil, flaw.From(fmt.Errorf("failed to create span recency list: %v", err))
	}
	c.lru = lru
	if err := c.load(); nil != err {
		return nil, err
	}
	return c, nil
}

func (c *Cache) keyDir(key string) string {
	return filepath.Join(c.dir, url.PathEscape(key))
}

func (c *Cache) spanPath(key string, offset int64) string {
	return filepath.Join(c.keyDir(key), strconv.FormatInt(offset, 10)+spanFileExt)
}

func (c *Cache) load() error {
	if err := os.MkdirAll(c.dir, 0o0700); nil != err {
		flawP := flaw.P{"dir": c.dir, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create cache directory: %v", err)).Append(flawP)
	}

	entries, err := os.ReadDir(c.dir)
	if nil != err {
		flawP := flaw.P{"dir": c.dir, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to list cache directory: %v", err)).Append(flawP)
	}

	var loaded int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if nil != err {
			c.logger.Warn().Str("entry", entry.Name()).Msg("Skipping cache entry with invalid name")
			continue
		}
		n, err := c.loadKey(key)
		if nil != err {
			return err
		}
		loaded += n
	}

	c.mu.Lock()
	c.evictLocked()
	c.mu.Unlock()

	c.logger.Debug().Int("keys", len(c.keys)).Int("spans", loaded).Int64("size", c.size).Msg("Cache index loaded")
	return nil
}

func (c *Cache) loadKey(key string) (int, error) {
	dir := c.keyDir(key)
	files, err := os.ReadDir(dir)
	if nil != err {
		flawP := flaw.P{"dir": dir, "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to list cache key directory: %v", err)).Append(flawP)
	}

	idx := &keyIndex{spans: make(map[int64]int64), contentLength: media.LengthUnset}
	for _, f := range files {
		name := f.Name()
		if name == contentLengthFile {
			b, err := os.ReadFile(filepath.Join(dir, name))
			if nil != err {
				flawP := flaw.P{"key": key, "err_debug_tree": errutil.Tree(err).FlawP()}
				return 0, flaw.From(fmt.Errorf("failed to read content length file: %v", err)).Append(flawP)
			}
			if n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); nil == err {
				idx.contentLength = n
			}
			continue
		}

		offset, err := strconv.ParseInt(strings.TrimSuffix(name, spanFileExt), 10, 64)
		if !strings.HasSuffix(name, spanFileExt) || nil != err {
			continue
		}
		info, err := f.Info()
		if nil != err {
			flawP := flaw.P{"key": key, "file": name, "err_debug_tree": errutil.Tree(err).FlawP()}
			return 0, flaw.From(fmt.Errorf("failed to stat span file: %v", err)).Append(flawP)
		}
		if info.Size() == 0 {
			continue
		}
		idx.spans[offset] = info.Size()
		c.size += info.Size()
		if nil != c.lru {
			c.lru.Add(spanRef{key: key, offset: offset}, info.Size())
		}
	}

	if len(idx.spans) > 0 || idx.contentLength != media.LengthUnset {
		c.keys[key] = idx
	}
	return len(idx.spans), nil
}

// SetContentLength records the total size of key, which unbounded reads need to decide coverage.
func (c *Cache) SetContentLength(key string, n int64) error {
	c.mu.Lock()
	idx := c.indexLocked(key)
	idx.contentLength = n
	c.mu.Unlock()

	if nil != c.lru {
		return nil
	}

	if err := os.MkdirAll(c.keyDir(key), 0o0700); nil != err {
		flawP := flaw.P{"key": key, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create cache key directory: %v", err)).Append(flawP)
	}
	path := filepath.Join(c.keyDir(key), contentLengthFile)
	if err := renameio.WriteFile(path, []byte(strconv.FormatInt(n, 10)), 0o0600); nil != err {
		flawP := flaw.P{"key": key, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to write content length file: %v", err)).Append(flawP)
	}
	return nil
}

func (c *Cache) ContentLength(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.keys[key]
	if !ok || idx.contentLength == media.LengthUnset {
		return 0, false
	}
	return idx.contentLength, true
}

func (c *Cache) indexLocked(key string) *keyIndex {
	idx, ok := c.keys[key]
	if !ok {
		idx = &keyIndex{spans: make(map[int64]int64), contentLength: media.LengthUnset}
		c.keys[key] = idx
	}
	return idx
}

// IsCached reports whether [position, position+length) of key is fully covered by stored spans.
// Unbounded requests are covered up to the recorded content length, and never when it is unknown.
func (c *Cache) IsCached(key string, position, length int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.keys[key]
	if !ok {
		return false
	}
	end, ok := idx.end(position, length)
	if !ok {
		return false
	}
	return idx.covers(position, end)
}

func (idx *keyIndex) end(position, length int64) (int64, bool) {
	switch {
	case length == media.LengthUnset:
		if idx.contentLength == media.LengthUnset || position >= idx.contentLength {
			return 0, false
		}
		return idx.contentLength, true
	case length <= 0:
		return 0, false
	default:
		return position + length, true
	}
}

func (idx *keyIndex) covers(from, to int64) bool {
	cur := from
	for _, offset := range slices.Sorted(maps.Keys(idx.spans)) {
		if offset > cur {
			return false
		}
		if end := offset + idx.spans[offset]; end > cur {
			cur = end
		}
		if cur >= to {
			return true
		}
	}
	return cur >= to
}

// Write stores data as the span of key starting at offset, replacing a previous span at the same
// offset.
func (c *Cache) Write(key string, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	size := int64(len(data))
	if nil != c.lru && size > c.maxBytes {
		c.logger.Debug().Str("key", key).Int64("size", size).Msg("Span is larger than the cache, skipping")
		return nil
	}

	// The file and its index entry change together under mu, so eviction and RemoveKey never
	// see one without the other.
	c.mu.Lock()
	defer c.mu.Unlock()

	flawP := flaw.P{"key": key, "offset": offset, "size": size}
	if err := os.MkdirAll(c.keyDir(key), 0o0700); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to create cache key directory: %v", err)).Append(flawP)
	}
	if err := renameio.WriteFile(c.spanPath(key, offset), data, 0o0600); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to write span file: %v", err)).Append(flawP)
	}

	idx := c.indexLocked(key)
	c.size += size - idx.spans[offset]
	idx.spans[offset] = size
	if nil != c.lru {
		c.lru.Add(spanRef{key: key, offset: offset}, size)
		c.evictLocked()
	}
	return nil
}

// ReadRange assembles the requested range from stored spans. It returns ErrNotCached when the
// range is not fully covered, including when a span is evicted while being read.
func (c *Cache) ReadRange(key string, position, length int64) ([]byte, error) {
	type part struct {
		offset int64
		length int64
	}

	c.mu.RLock()
	idx, ok := c.keys[key]
	if !ok {
		c.mu.RUnlock()
		return nil, ErrNotCached
	}
	end, ok := idx.end(position, length)
	if !ok || !idx.covers(position, end) {
		c.mu.RUnlock()
		return nil, ErrNotCached
	}
	var parts []part
	for _, offset := range slices.Sorted(maps.Keys(idx.spans)) {
		if n := idx.spans[offset]; offset < end && offset+n > position {
			parts = append(parts, part{offset: offset, length: n})
		}
	}
	c.mu.RUnlock()

	out := make([]byte, end-position)
	cur := position
	for _, p := range parts {
		if cur >= end {
			break
		}
		if p.offset+p.length <= cur {
			continue
		}
		n := min(end, p.offset+p.length) - cur
		if err := c.readSpan(key, p.offset, cur-p.offset, out[cur-position:cur-position+n]); nil != err {
			return nil, err
		}
		cur += n
	}

	if nil != c.lru {
		c.mu.Lock()
		for _, p := range parts {
			c.lru.Get(spanRef{key: key, offset: p.offset})
		}
		c.mu.Unlock()
	}
	metrics.ByteCacheReadTotal.WithLabelValues(c.source).Inc()
	return out, nil
}

func (c *Cache) readSpan(key string, offset, at int64, dst []byte) (err error) {
	path := c.spanPath(key, offset)
	flawP := flaw.P{"path": path, "at": at, "size": len(dst)}

	f, err := os.Open(path)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotCached
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to open span file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close span file: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errors.Is(err, ErrNotCached):
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				panic(errutil.UnknownError(err))
			}
		}
	}()

	if _, err := f.ReadAt(dst, at); nil != err {
		if errors.Is(err, io.EOF) {
			return ErrNotCached
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to read span file: %v", err)).Append(flawP)
	}
	return nil
}

// RemoveKey drops every span of key along with its recorded content length.
func (c *Cache) RemoveKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.keys[key]; ok {
		for offset, n := range idx.spans {
			c.size -= n
			if nil != c.lru {
				c.lru.Remove(spanRef{key: key, offset: offset})
			}
		}
		delete(c.keys, key)
	}

	if err := os.RemoveAll(c.keyDir(key)); nil != err {
		flawP := flaw.P{"key": key, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to remove cache key directory: %v", err)).Append(flawP)
	}
	return nil
}

// Size returns the total size of stored spans in bytes.
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// evictLocked drops least recently read spans until the cache fits maxBytes. Callers hold mu,
// which Write also holds while replacing a span file.
func (c *Cache) evictLocked() {
	for c.size > c.maxBytes && nil != c.lru {
		ref, n, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		c.size -= n
		if idx, ok := c.keys[ref.key]; ok {
			delete(idx.spans, ref.offset)
			if len(idx.spans) == 0 && idx.contentLength == media.LengthUnset {
				delete(c.keys, ref.key)
			}
		}

		if err := os.Remove(c.spanPath(ref.key, ref.offset)); nil != err && !errors.Is(err, os.ErrNotExist) {
			c.logger.Error().Err(err).Str("key", ref.key).Int64("offset", ref.offset).Msg("Failed to remove evicted span file")
			continue
		}
		metrics.ByteCacheEvictedBytesTotal.Add(float64(n))
		c.logger.Trace().Str("key", ref.key).Int64("offset", ref.offset).Int64("size", n).Msg("Span evicted")
	}
}
