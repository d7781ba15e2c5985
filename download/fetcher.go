package download

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/bytecache"
	"github.com/xeptore/tunestream/config"
	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/mathutil"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/must"
	"github.com/xeptore/tunestream/remote"
)

const chunkSize int64 = 1024 * 1024

type Resolver interface {
	Resolve(ctx context.Context, id media.TrackID, q media.Quality, n media.NetworkClass) (*remote.Resolution, error)
}

// Fetcher downloads a whole track into the download cache in ranged chunks. Chunks already
// present in the cache are skipped, so an interrupted download resumes where it stopped.
type Fetcher struct {
	resolver Resolver
	cache    *bytecache.Cache
	quality  media.Quality
	logger   zerolog.Logger
}

func NewFetcher(resolver Resolver, cache *bytecache.Cache, quality media.Quality, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		resolver: resolver,
		cache:    cache,
		quality:  quality,
		logger:   logger.With().Str("component", "download_fetcher").Logger(),
	}
}

func (f *Fetcher) resolve(ctx context.Context, id media.TrackID) (*remote.Resolution, error) {
	res, err := f.resolver.Resolve(ctx, id, f.quality, media.NetworkUnmetered)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		case errors.Is(err, remote.ErrTooManyRequests):
			return nil, remote.ErrTooManyRequests
		case errors.Is(err, remote.ErrUnplayable):
			return nil, remote.ErrUnplayable
		case errutil.IsFlaw(err):
			return nil, must.BeFlaw(err).Append(flaw.P{"track_id": id})
		default:
			panic(errutil.UnknownError(err))
		}
	}
	return res, nil
}

// Fetch reports progress as a percentage after every stored chunk. Cancellation is observed
// between chunks.
func (f *Fetcher) Fetch(ctx context.Context, id media.TrackID, progress func(percent int)) error {
	key := string(id)
	res, err := f.resolve(ctx, id)
	if nil != err {
		return err
	}
	url := res.Format.URL

	total := res.Format.ContentLength
	if total <= 0 {
		if n, ok := f.cache.ContentLength(key); ok {
			total = n
		}
	}
	if total <= 0 {
		b, n, err := f.fetchChunk(ctx, media.NewRequest(key, 0, chunkSize).WithURL(url))
		if nil != err {
			return err
		}
		if n == media.LengthUnset {
			return flaw.From(errors.New("media host did not report content length")).Append(flaw.P{"track_id": id})
		}
		total = n
		if err := f.cache.Write(key, 0, b); nil != err {
			return err
		}
	}
	if err := f.cache.SetContentLength(key, total); nil != err {
		return err
	}

	numChunks := mathutil.CeilInts(total, chunkSize)
	flawP := flaw.P{"track_id": id, "content_length": total, "num_chunks": numChunks}
	for i := range numChunks {
		if err := ctx.Err(); nil != err {
			return err
		}

		offset := i * chunkSize
		length := min(chunkSize, total-offset)
		if !f.cache.IsCached(key, offset, length) {
			req := media.NewRequest(key, offset, length).WithURL(url)
			b, _, err := f.fetchChunk(ctx, req)
			if errors.Is(err, bytecache.ErrURLRejected) {
				f.logger.Debug().Str("track_id", key).Int64("offset", offset).Msg("Playback URL rejected, resolving again")
				res, err = f.resolve(ctx, id)
				if nil != err {
					return err
				}
				url = res.Format.URL
				b, _, err = f.fetchChunk(ctx, req.WithURL(url))
			}
			if nil != err {
				switch {
				case errutil.IsContext(ctx):
					return ctx.Err()
				case errors.Is(err, context.DeadlineExceeded):
					return context.DeadlineExceeded
				case errors.Is(err, remote.ErrTooManyRequests):
					return remote.ErrTooManyRequests
				case errors.Is(err, bytecache.ErrURLRejected):
					return flaw.From(errors.New("playback url rejected after resolving again")).Append(flawP)
				case errutil.IsFlaw(err):
					flawP["chunk_index"] = i
					return must.BeFlaw(err).Append(flawP)
				default:
					panic(errutil.UnknownError(err))
				}
			}
			if int64(len(b)) != length {
				flawP["chunk_index"] = i
				flawP["received"] = len(b)
				return flaw.From(errors.New("media host returned a short chunk")).Append(flawP)
			}
			if err := f.cache.Write(key, offset, b); nil != err {
				return must.BeFlaw(err).Append(flawP)
			}
		}
		progress(mathutil.Percent(offset+length, total))
	}

	return nil
}

func (f *Fetcher) fetchChunk(ctx context.Context, req media.Request) ([]byte, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DownloadChunkTimeout)
	defer cancel()
	return bytecache.FetchRange(ctx, req)
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
