// Package stream decides, for every byte-range read of the playback pipeline, whether it can be
// served from a local cache tier or needs a fresh playback URL from the remote service.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
	"golang.org/x/sync/singleflight"

	"github.com/xeptore/tunestream/formatstore"
	"github.com/xeptore/tunestream/log"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/metrics"
	"github.com/xeptore/tunestream/remote"
	"github.com/xeptore/tunestream/urlcache"
)

type Resolver interface {
	Resolve(ctx context.Context, id media.TrackID, q media.Quality, n media.NetworkClass) (*remote.Resolution, error)
}

type RangeCache interface {
	IsCached(key string, position, length int64) bool
}

type FormatStore interface {
	Upsert(ctx context.Context, f formatstore.ResolvedFormat) error
}

type NetworkMonitor interface {
	Class() media.NetworkClass
}

// FixedNetwork reports the same network class on every call.
type FixedNetwork media.NetworkClass

func (n FixedNetwork) Class() media.NetworkClass {
	return media.NetworkClass(n)
}

type Deps struct {
	DownloadCache  RangeCache
	StreamingCache RangeCache
	URLCache       *urlcache.Cache
	Resolver       Resolver
	Formats        FormatStore
	Network        NetworkMonitor
	Logger         zerolog.Logger
}

type Engine struct {
	download  RangeCache
	streaming RangeCache
	urls      *urlcache.Cache
	resolver  Resolver
	formats   FormatStore
	network   NetworkMonitor
	logger    zerolog.Logger
	now       func() time.Time
	flights   singleflight.Group

	mu      sync.Mutex
	quality media.Quality
	bypass  media.TrackID
}

func New(d Deps, quality media.Quality) *Engine {
	return &Engine{
		download:  d.DownloadCache,
		streaming: d.StreamingCache,
		urls:      d.URLCache,
		resolver:  d.Resolver,
		formats:   d.Formats,
		network:   d.Network,
		logger:    d.Logger.With().Str("component", "stream_engine").Logger(),
		now:       time.Now,
		quality:   quality,
	}
}

// WithClock replaces the clock used to compute URL expiry.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) SetQuality(q media.Quality) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quality = q
}

func (e *Engine) Quality() media.Quality {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality
}

// Bypass makes the next resolution of id skip the streaming cache and the URL cache, forcing a
// fresh network resolution. Only one id is armed at a time; the latest call wins.
func (e *Engine) Bypass(id media.TrackID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bypass = id
}

// SetQualityFor changes the quality and forces the next resolution of id to honor it.
func (e *Engine) SetQualityFor(q media.Quality, id media.TrackID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quality = q
	e.bypass = id
}

func (e *Engine) consumeBypass(id media.TrackID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bypass == "" || e.bypass != id {
		return false
	}
	e.bypass = ""
	return true
}

// Resolve returns req unchanged when its range can be served locally, or rewritten to point at
// a playback URL otherwise. Resolver errors are returned as is and nothing is retried.
func (e *Engine) Resolve(ctx context.Context, req media.Request) (media.Request, error) {
	id, ok := media.ParseTrackID(req.Key)
	if !ok {
		metrics.ResolveServedTotal.WithLabelValues(metrics.TierPassthrough).Inc()
		return req, nil
	}

	if e.download.IsCached(req.Key, req.Position, req.Length) {
		metrics.ResolveServedTotal.WithLabelValues(metrics.TierDownload).Inc()
		return req, nil
	}

	if e.consumeBypass(id) {
		e.urls.Delete(id)
		e.logger.Debug().Str("track_id", string(id)).Msg("Bypassing caches")
	} else {
		if e.streaming.IsCached(req.Key, req.Position, req.Length) {
			metrics.ResolveServedTotal.WithLabelValues(metrics.TierStreaming).Inc()
			return req, nil
		}
		return e.ResolveRemote(ctx, req)
	}

	return e.fromNetwork(ctx, id, req)
}

// ResolveRemote rewrites req to a playback URL taken from the URL cache, or resolved over the
// network on a miss. Both byte caches are skipped. It is used when a range reported as cached
// is gone by the time it is read.
func (e *Engine) ResolveRemote(ctx context.Context, req media.Request) (media.Request, error) {
	id, ok := media.ParseTrackID(req.Key)
	if !ok {
		return req, flaw.From(errors.New("request key is not a track id")).Append(flaw.P{"request": req.FlawP()})
	}
	if entry, ok := e.urls.Get(id); ok {
		metrics.ResolveServedTotal.WithLabelValues(metrics.TierURL).Inc()
		return req.WithURL(entry.URL), nil
	}
	return e.fromNetwork(ctx, id, req)
}

func (e *Engine) fromNetwork(ctx context.Context, id media.TrackID, req media.Request) (media.Request, error) {
	url, err := e.resolve(ctx, id)
	if nil != err {
		return req, err
	}
	metrics.ResolveServedTotal.WithLabelValues(metrics.TierNetwork).Inc()
	return req.WithURL(url), nil
}

func (e *Engine) resolve(ctx context.Context, id media.TrackID) (string, error) {
	quality := e.Quality()
	network := e.network.Class()
	key := string(id) + "|" + quality.String() + "|" + network.String()

	ch := e.flights.DoChan(key, func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)
		res, err := e.resolver.Resolve(flightCtx, id, quality, network)
		if nil != err {
			return nil, err
		}

		now := e.now()
		expiresAt := now.Add(res.ExpiresIn)
		e.urls.Set(id, res.Format.URL, expiresAt)

		record := formatstore.ResolvedFormat{
			TrackID:       id,
			Itag:          res.Format.Itag,
			MimeType:      res.Format.MimeType,
			Bitrate:       res.Format.Bitrate,
			SampleRate:    res.Format.SampleRate,
			ContentLength: res.Format.ContentLength,
			LoudnessDB:    res.LoudnessDB,
			PlaybackURL:   res.Format.URL,
			ExpiresAt:     expiresAt,
			CachedAt:      now,
		}
		if err := e.formats.Upsert(flightCtx, record); nil != err {
			e.logger.Error().Func(log.Flaw(err)).Str("track_id", string(id)).Msg("Failed to persist resolved format")
		}

		e.logger.Debug().
			Str("track_id", string(id)).
			Int("itag", res.Format.Itag).
			Int("bitrate", res.Format.Bitrate).
			Dur("expires_in", res.ExpiresIn).
			Msg("Track resolved")
		return res.Format.URL, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Shared {
			metrics.ResolveNetworkTotal.WithLabelValues("shared").Inc()
		}
		if nil != r.Err {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}
