package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/bytecache"
	"github.com/xeptore/tunestream/catalog"
	"github.com/xeptore/tunestream/config"
	"github.com/xeptore/tunestream/db"
	dl "github.com/xeptore/tunestream/download"
	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/formatstore"
	"github.com/xeptore/tunestream/log"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/queue"
	"github.com/xeptore/tunestream/ratelimit"
	"github.com/xeptore/tunestream/remote"
	"github.com/xeptore/tunestream/stream"
	"github.com/xeptore/tunestream/urlcache"
)

// services holds every long-lived component of one command invocation.
type services struct {
	config    *config.Config
	logger    zerolog.Logger
	db        *sql.DB
	formats   *formatstore.Store
	catalog   *catalog.Catalog
	urls      *urlcache.Cache
	download  *bytecache.Cache
	streaming *bytecache.Cache
	client    *remote.Client
	engine    *stream.Engine
	source    *stream.Source
	closers   []io.Closer
}

func setup(ctx context.Context, cliCtx *cli.Context, network media.NetworkClass) (*services, error) {
	bootLogger := log.NewPretty(os.Stderr).Level(zerolog.InfoLevel)
	cfg, err := loadConfig(cliCtx, bootLogger)
	if nil != err {
		return nil, err
	}
	logger, logCloser := newLogger(cfg)
	rt := &services{config: cfg, logger: logger, closers: []io.Closer{logCloser}}

	for _, dir := range []string{cfg.DataDir, cfg.DownloadCacheDir(), cfg.StreamingCacheDir(), cfg.DownloadIndexDir()} {
		if err := os.MkdirAll(dir, 0o0755); nil != err {
			rt.close()
			return nil, fmt.Errorf("failed to create directory %q: %v", dir, err)
		}
	}

	quality, err := media.ParseQuality(cfg.Quality)
	if nil != err {
		rt.close()
		return nil, err
	}

	sqlDB, err := db.Open(ctx, cfg.FormatDBPath(), db.DefaultOptions())
	if nil != err {
		rt.close()
		return nil, err
	}
	rt.db = sqlDB
	rt.formats = formatstore.New(sqlDB)
	rt.catalog = catalog.New(sqlDB)

	if rt.download, err = bytecache.NewPersistent(cfg.DownloadCacheDir(), logger); nil != err {
		rt.close()
		return nil, err
	}
	if rt.streaming, err = bytecache.NewLRU(cfg.StreamingCacheDir(), cfg.StreamingCacheMaxBytes, logger); nil != err {
		rt.close()
		return nil, err
	}

	rt.urls = urlcache.New(urlcache.DefaultMaxEntries)
	rt.client = remote.New(cfg.API.BaseURL, ratelimit.NewResolverLimiter(cfg.API.RequestsPerSecond), logger)
	rt.engine = stream.New(stream.Deps{
		DownloadCache:  rt.download,
		StreamingCache: rt.streaming,
		URLCache:       rt.urls,
		Resolver:       rt.client,
		Formats:        rt.formats,
		Network:        stream.FixedNetwork(network),
		Logger:         logger,
	}, quality)
	rt.source = stream.NewSource(rt.engine, bytecache.NewTier(rt.streaming, rt.download, logger))
	return rt, nil
}

func (rt *services) close() {
	if nil != rt.urls {
		rt.urls.Close()
	}
	if nil != rt.db {
		if err := rt.db.Close(); nil != err {
			rt.logger.Error().Err(err).Msg("Failed to close database")
		}
	}
	for _, c := range slices.Backward(rt.closers) {
		if err := c.Close(); nil != err {
			rt.logger.Error().Err(err).Msg("Failed to close resource")
		}
	}
}

func trackIDs(args cli.Args) ([]media.TrackID, error) {
	if args.Len() == 0 {
		return nil, errors.New("at least one track id is required")
	}
	ids := make([]media.TrackID, 0, args.Len())
	for _, a := range args.Slice() {
		id, ok := media.ParseTrackID(a)
		if !ok {
			return nil, fmt.Errorf("%q is not a track id", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func resolve(cliCtx *cli.Context) (err error) {
	ctx, cancel := signalContext(cliCtx)
	defer cancel()

	if cliCtx.Args().Len() != 1 {
		return errors.New("exactly one track id or path is required")
	}
	network := media.NetworkUnmetered
	if cliCtx.Bool(flagMetered) {
		network = media.NetworkMetered
	}

	rt, err := setup(ctx, cliCtx, network)
	if nil != err {
		return err
	}
	defer rt.close()

	key := cliCtx.Args().First()
	if q := cliCtx.String(flagQuality); q != "" {
		quality, err := media.ParseQuality(q)
		if nil != err {
			return err
		}
		rt.engine.SetQuality(quality)
	}
	if cliCtx.Bool(flagBypass) {
		if id, ok := media.ParseTrackID(key); ok {
			rt.engine.Bypass(id)
		}
	}

	req := media.NewRequest(key, cliCtx.Int64(flagPosition), cliCtx.Int64(flagLength))
	if req.Length < 0 {
		req = req.WithRange(req.Position, media.LengthUnset)
	}
	out := cliCtx.String(flagOut)
	if out == "" {
		resolved, err := rt.engine.Resolve(ctx, req)
		if nil != err {
			return err
		}
		rt.logger.Info().Str("key", resolved.Key).Str("uri", resolved.URI).Int64("position", resolved.Position).Int64("length", resolved.Length).Msg("Resolved")
		return nil
	}

	r, err := rt.source.Open(ctx, req)
	if nil != err {
		return err
	}
	defer func() {
		if closeErr := r.Close(); nil != closeErr {
			err = errors.Join(err, closeErr)
		}
	}()

	f, err := os.Create(out)
	if nil != err {
		return flaw.From(fmt.Errorf("failed to create output file: %v", err)).Append(flaw.P{"path": out, "err_debug_tree": errutil.Tree(err).FlawP()})
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); nil != closeErr {
		err = errors.Join(err, closeErr)
	}
	if nil != err {
		return flaw.From(fmt.Errorf("failed to write output file: %v", err)).Append(flaw.P{"path": out, "err_debug_tree": errutil.Tree(err).FlawP()})
	}
	rt.logger.Info().Str("key", key).Int64("bytes", n).Str("path", out).Msg("Range written")
	return nil
}

func newManager(rt *services) (*dl.Manager, *dl.Index, error) {
	index, err := dl.OpenIndex(rt.config.DownloadIndexDir())
	if nil != err {
		return nil, nil, err
	}
	quality, err := media.ParseQuality(rt.config.Quality)
	if nil != err {
		_ = index.Close()
		return nil, nil, err
	}
	fetcher := dl.NewFetcher(rt.client, rt.download, quality, rt.logger)
	m := dl.NewManager(dl.Deps{
		Engine:      fetcher,
		Cache:       rt.download,
		Index:       index,
		Catalog:     rt.catalog,
		Logger:      rt.logger,
		Concurrency: rt.config.Download.Concurrency,
		StartJitter: nil,
	})
	return m, index, nil
}

func download(cliCtx *cli.Context) error {
	ctx, cancel := signalContext(cliCtx)
	defer cancel()

	ids, err := trackIDs(cliCtx.Args())
	if nil != err {
		return err
	}
	rt, err := setup(ctx, cliCtx, media.NetworkUnmetered)
	if nil != err {
		return err
	}
	defer rt.close()

	manager, index, err := newManager(rt)
	if nil != err {
		return err
	}
	defer func() {
		if err := index.Close(); nil != err {
			rt.logger.Error().Func(log.Flaw(err)).Msg("Failed to close download index")
		}
	}()
	if err := manager.Start(ctx); nil != err {
		return err
	}
	defer manager.Close()

	for _, id := range ids {
		manager.Enqueue(id)
	}
	if !cliCtx.Bool(flagWait) {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		states := manager.States()
		pending := 0
		for _, id := range ids {
			r, ok := states[id]
			if !ok {
				continue
			}
			switch r.State {
			case dl.StateQueued, dl.StateDownloading, dl.StateRemoving:
				pending++
				rt.logger.Info().Str("track_id", string(id)).Str("state", string(r.State)).Int("percent", r.Percent).Msg("Download in progress")
			case dl.StateCompleted, dl.StateFailed:
			}
		}
		if pending > 0 {
			continue
		}

		var failed []string
		for _, id := range ids {
			if states[id].State == dl.StateFailed {
				failed = append(failed, string(id))
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("downloads failed: %s", strings.Join(failed, ", "))
		}
		rt.logger.Info().Int("count", len(ids)).Msg("All downloads completed")
		return nil
	}
}

func remove(cliCtx *cli.Context) error {
	ctx, cancel := signalContext(cliCtx)
	defer cancel()

	ids, err := trackIDs(cliCtx.Args())
	if nil != err {
		return err
	}
	rt, err := setup(ctx, cliCtx, media.NetworkUnmetered)
	if nil != err {
		return err
	}
	defer rt.close()

	manager, index, err := newManager(rt)
	if nil != err {
		return err
	}
	defer func() {
		if err := index.Close(); nil != err {
			rt.logger.Error().Func(log.Flaw(err)).Msg("Failed to close download index")
		}
	}()
	if err := manager.Start(ctx); nil != err {
		return err
	}
	defer manager.Close()

	for _, id := range ids {
		manager.Cancel(id)
	}
	for {
		states := manager.States()
		pending := slices.ContainsFunc(ids, func(id media.TrackID) bool {
			_, ok := states[id]
			return ok
		})
		if !pending {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	rt.logger.Info().Int("count", len(ids)).Msg("Downloads removed")
	return nil
}

func radio(cliCtx *cli.Context) error {
	ctx, cancel := signalContext(cliCtx)
	defer cancel()

	ids, err := trackIDs(cliCtx.Args())
	if nil != err {
		return err
	}
	rt, err := setup(ctx, cliCtx, media.NetworkUnmetered)
	if nil != err {
		return err
	}
	defer rt.close()

	q := queue.NewTrackRadio(rt.client, ids[0], rt.logger)
	status, err := q.InitialStatus(ctx)
	if nil != err {
		return err
	}
	printItems(status.Items, 0, status.StartIndex)

	offset := len(status.Items)
	for page := 1; page < cliCtx.Int(flagPages) && q.HasNextPage(); page++ {
		items, err := q.NextPage(ctx)
		if nil != err {
			if errors.Is(err, queue.ErrNoMorePages) {
				break
			}
			return err
		}
		printItems(items, offset, -1)
		offset += len(items)
	}
	rt.logger.Info().Str("title", status.Title).Int("items", offset).Msg(queue.Describe(q))
	return nil
}

func localQueue(cliCtx *cli.Context) error {
	logger := log.NewPretty(os.Stderr).Level(zerolog.InfoLevel)

	q, err := queue.FromKeys(cliCtx.String(flagTitle), cliCtx.Args().Slice(), cliCtx.Int(flagStart))
	if nil != err {
		return err
	}
	status, err := q.InitialStatus(cliCtx.Context)
	if nil != err {
		return err
	}
	printItems(status.Items, 0, status.StartIndex)
	logger.Info().Str("title", status.Title).Int("items", len(status.Items)).Msg(queue.Describe(q))
	return nil
}

func printItems(items []queue.Item, offset, current int) {
	for i, item := range items {
		marker := " "
		if i == current {
			marker = ">"
		}
		fmt.Printf("%s %3d  %s  %s - %s (%s)\n", marker, offset+i+1, item.Key, strings.Join(item.Artists, ", "), item.Title, item.Duration)
	}
}

func prune(cliCtx *cli.Context) error {
	ctx, cancel := signalContext(cliCtx)
	defer cancel()

	rt, err := setup(ctx, cliCtx, media.NetworkUnmetered)
	if nil != err {
		return err
	}
	defer rt.close()

	n, err := rt.formats.ClearExpired(ctx, time.Now())
	if nil != err {
		return err
	}
	rt.logger.Info().Int64("deleted", n).Msg("Expired formats pruned")
	return nil
}
