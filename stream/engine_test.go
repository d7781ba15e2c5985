package stream_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/tunestream/bytecache"
	"github.com/xeptore/tunestream/db"
	"github.com/xeptore/tunestream/formatstore"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/remote"
	"github.com/xeptore/tunestream/stream"
	"github.com/xeptore/tunestream/urlcache"
)

const trackID media.TrackID = "dQw4w9WgXcQ"

type fakeResolver struct {
	calls     atomic.Int32
	mu        sync.Mutex
	qualities []media.Quality
	err       error
	release   chan struct{}
}

func (r *fakeResolver) Resolve(_ context.Context, id media.TrackID, q media.Quality, _ media.NetworkClass) (*remote.Resolution, error) {
	n := r.calls.Add(1)
	r.mu.Lock()
	r.qualities = append(r.qualities, q)
	r.mu.Unlock()
	if nil != r.release {
		<-r.release
	}
	if nil != r.err {
		return nil, r.err
	}
	return &remote.Resolution{
		TrackID: id,
		Format: remote.Format{
			Itag:          251,
			URL:           "https://rr1.example.com/videoplayback?id=" + string(id) + "&n=" + string(rune('0'+n)),
			MimeType:      `audio/webm; codecs="opus"`,
			Bitrate:       160000,
			SampleRate:    48000,
			ContentLength: 3608423,
		},
		ExpiresIn: time.Hour,
	}, nil
}

func (r *fakeResolver) lastQuality() media.Quality {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qualities[len(r.qualities)-1]
}

type rangeSet map[string]bool

func (s rangeSet) IsCached(key string, _, _ int64) bool {
	return s[key]
}

type formatSink struct {
	mu      sync.Mutex
	records []formatstore.ResolvedFormat
	err     error
}

func (f *formatSink) Upsert(_ context.Context, r formatstore.ResolvedFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return f.err
}

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

type fixture struct {
	engine    *stream.Engine
	resolver  *fakeResolver
	download  rangeSet
	streaming rangeSet
	urls      *urlcache.Cache
	formats   *formatSink
	clock     *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Now()}
	f := &fixture{
		resolver:  &fakeResolver{},
		download:  rangeSet{},
		streaming: rangeSet{},
		urls:      urlcache.New(urlcache.DefaultMaxEntries).WithClock(clk.Now),
		formats:   &formatSink{},
		clock:     clk,
	}
	t.Cleanup(f.urls.Close)
	f.engine = stream.New(stream.Deps{
		DownloadCache:  f.download,
		StreamingCache: f.streaming,
		URLCache:       f.urls,
		Resolver:       f.resolver,
		Formats:        f.formats,
		Network:        stream.FixedNetwork(media.NetworkUnmetered),
		Logger:         zerolog.Nop(),
	}, media.QualityAuto).WithClock(clk.Now)
	return f
}

func TestLocalKeyPassesThrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := media.NewRequest("content://media/external/audio/media/42", 0, 1024)
	out, err := f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, req, out)
	assert.Zero(t, f.resolver.calls.Load())
}

func TestDownloadCacheHitNeverResolves(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.download[string(trackID)] = true
	req := media.NewRequest(string(trackID), 0, 524288)

	out, err := f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, req, out)

	f.engine.Bypass(trackID)
	out, err = f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, req, out, "bypass does not skip the download cache")
	assert.Zero(t, f.resolver.calls.Load())
}

func TestStreamingCacheHit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.streaming[string(trackID)] = true
	req := media.NewRequest(string(trackID), 1024, 4096)

	out, err := f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, req, out)
	assert.Zero(t, f.resolver.calls.Load())
}

func TestURLCacheReuseBeforeExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := media.NewRequest(string(trackID), 0, 524288)

	first, err := f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	second, err := f.engine.Resolve(t.Context(), req.WithRange(524288, 524288))
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.resolver.calls.Load())
	assert.Equal(t, first.URI, second.URI)
	assert.Equal(t, int64(524288), second.Position)
	assert.Equal(t, string(trackID), second.Key)

	f.clock.Advance(time.Hour)
	third, err := f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.resolver.calls.Load(), "expired url must be resolved again")
	assert.NotEqual(t, first.URI, third.URI)
}

func TestBypassIsConsumedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := media.NewRequest(string(trackID), 0, 524288)
	f.streaming[string(trackID)] = true
	f.urls.Set(trackID, "https://stale.example.com/a", f.clock.Now().Add(time.Hour))

	f.engine.Bypass(trackID)
	out, err := f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.resolver.calls.Load())
	assert.NotEqual(t, "https://stale.example.com/a", out.URI)

	out, err = f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, req, out, "second request is served by the streaming cache again")
	assert.Equal(t, int32(1), f.resolver.calls.Load())
}

func TestBypassOnlyMatchesArmedID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.streaming[string(trackID)] = true
	f.engine.Bypass("aaaaaaaaaaa")

	req := media.NewRequest(string(trackID), 0, 1024)
	out, err := f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, req, out)
	assert.Zero(t, f.resolver.calls.Load())

	f.engine.Bypass(trackID)
	_, err = f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.resolver.calls.Load(), "latest armed id wins")
}

func TestSetQualityFor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := media.NewRequest(string(trackID), 0, 1024)
	_, err := f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, media.QualityAuto, f.resolver.lastQuality())

	f.engine.SetQualityFor(media.QualityLow, trackID)
	assert.Equal(t, media.QualityLow, f.engine.Quality())
	_, err = f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.resolver.calls.Load(), "url cache is skipped after a quality change")
	assert.Equal(t, media.QualityLow, f.resolver.lastQuality())

	f.engine.SetQuality(media.QualityHigh)
	_, err = f.engine.Resolve(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.resolver.calls.Load(), "plain quality change keeps using the cached url")
}

func TestResolverErrorIsReturnedAsIs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.resolver.err = remote.ErrUnplayable
	req := media.NewRequest(string(trackID), 0, 1024)

	_, err := f.engine.Resolve(t.Context(), req)
	require.ErrorIs(t, err, remote.ErrUnplayable)
	assert.Equal(t, int32(1), f.resolver.calls.Load(), "no retry")

	_, ok := f.urls.Get(trackID)
	assert.False(t, ok)
	assert.Empty(t, f.formats.records)
}

func TestFormatStoreFailureDoesNotFailPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.formats.err = errors.New("disk full")

	out, err := f.engine.Resolve(t.Context(), media.NewRequest(string(trackID), 0, 1024))
	require.NoError(t, err)
	assert.Contains(t, out.URI, "https://rr1.example.com/")
}

func TestConcurrentResolutionsShareOneFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.resolver.release = make(chan struct{})
	req := media.NewRequest(string(trackID), 0, 1024)

	const callers = 8
	var (
		wg   sync.WaitGroup
		uris = make([]string, callers)
		errs = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.engine.Resolve(t.Context(), req)
			uris[i], errs[i] = out.URI, err
		}()
	}

	require.Eventually(t, func() bool { return f.resolver.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.resolver.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.resolver.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, uris[0], uris[i])
	}
}

func TestCancelledCallerReturnsContextError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.resolver.release = make(chan struct{})
	defer close(f.resolver.release)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := f.engine.Resolve(ctx, media.NewRequest(string(trackID), 0, 1024))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEndToEndEmptyCaches(t *testing.T) {
	t.Parallel()

	conn, err := db.Open(t.Context(), filepath.Join(t.TempDir(), "tunestream.db"), db.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	store := formatstore.New(conn)

	download, err := bytecache.NewPersistent(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	streaming, err := bytecache.NewLRU(t.TempDir(), 1<<20, zerolog.Nop())
	require.NoError(t, err)
	urls := urlcache.New(urlcache.DefaultMaxEntries)
	t.Cleanup(urls.Close)
	resolver := &fakeResolver{}

	engine := stream.New(stream.Deps{
		DownloadCache:  download,
		StreamingCache: streaming,
		URLCache:       urls,
		Resolver:       resolver,
		Formats:        store,
		Network:        stream.FixedNetwork(media.NetworkMetered),
		Logger:         zerolog.Nop(),
	}, media.QualityAuto)

	start := time.Now()
	out, err := engine.Resolve(t.Context(), media.NewRequest("dQw4w9WgXcQ", 0, 524288))
	require.NoError(t, err)
	assert.Equal(t, int32(1), resolver.calls.Load())

	entry, ok := urls.Get("dQw4w9WgXcQ")
	require.True(t, ok)
	assert.Equal(t, entry.URL, out.URI)

	record, err := store.GetValid(t.Context(), "dQw4w9WgXcQ", time.Now())
	require.NoError(t, err)
	assert.Equal(t, media.TrackID("dQw4w9WgXcQ"), record.TrackID)
	assert.True(t, record.ExpiresAt.After(start))
	assert.Equal(t, out.URI, record.PlaybackURL)
}
