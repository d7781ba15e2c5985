package bytecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/log"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/metrics"
	"github.com/xeptore/tunestream/must"
)

// ErrUnresolved is returned by Tier.Open for a request that is in neither cache and still
// carries its track id instead of a playback URL.
var ErrUnresolved = errors.New("request is not cached and was not resolved to a playback url")

// Tier serves resolved byte-range requests from the streaming cache, then the download cache,
// then the media host. Bytes fetched from the host are written through to the streaming cache.
// The download cache is never written on this path.
type Tier struct {
	streaming *Cache
	download  *Cache
	logger    zerolog.Logger
}

func NewTier(streaming, download *Cache, logger zerolog.Logger) *Tier {
	return &Tier{
		streaming: streaming,
		download:  download,
		logger:    logger.With().Str("component", "byte_tier").Logger(),
	}
}

func (t *Tier) Open(ctx context.Context, req media.Request) (io.ReadCloser, error) {
	if b, ok, err := t.fromCache(t.streaming, req); nil != err {
		return nil, err
	} else if ok {
		return io.NopCloser(bytes.NewReader(b)), nil
	}

	if b, ok, err := t.fromCache(t.download, req); nil != err {
		return nil, err
	} else if ok {
		return io.NopCloser(bytes.NewReader(b)), nil
	}

	if !strings.HasPrefix(req.URI, "http://") && !strings.HasPrefix(req.URI, "https://") {
		return nil, ErrUnresolved
	}

	b, total, err := FetchRange(ctx, req)
	if nil != err {
		return nil, err
	}
	metrics.ByteCacheReadTotal.WithLabelValues("upstream").Inc()

	if total != media.LengthUnset {
		if err := t.streaming.SetContentLength(req.Key, total); nil != err {
			t.logger.Error().Func(log.Flaw(err)).Msg("Failed to record content length")
		}
	}
	if err := t.streaming.Write(req.Key, req.Position, b); nil != err {
		t.logger.Error().Func(log.Flaw(err)).Func(req.Log).Msg("Failed to write through to streaming cache")
	}

	return io.NopCloser(bytes.NewReader(b)), nil
}

func (t *Tier) fromCache(c *Cache, req media.Request) ([]byte, bool, error) {
	if nil == c || !c.IsCached(req.Key, req.Position, req.Length) {
		return nil, false, nil
	}
	b, err := c.ReadRange(req.Key, req.Position, req.Length)
	if nil != err {
		if errors.Is(err, ErrNotCached) {
			return nil, false, nil
		}
		return nil, false, must.BeFlaw(err).Append(flaw.P{"source": c.source})
	}
	return b, true, nil
}
