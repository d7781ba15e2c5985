package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/bytecache"
	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/media"
)

// Source is the read side of the playback pipeline: requests go through the engine and are then
// served by the byte tier. Local content is read straight from disk.
type Source struct {
	engine *Engine
	tier   *bytecache.Tier
}

func NewSource(engine *Engine, tier *bytecache.Tier) *Source {
	return &Source{engine: engine, tier: tier}
}

func (s *Source) Open(ctx context.Context, req media.Request) (io.ReadCloser, error) {
	resolved, err := s.engine.Resolve(ctx, req)
	if nil != err {
		return nil, err
	}
	if !media.IsRemote(resolved.Key) {
		return openLocal(resolved)
	}
	rc, err := s.tier.Open(ctx, resolved)
	if errors.Is(err, bytecache.ErrUnresolved) {
		// The streaming cache reported the range but evicted it before the read.
		resolved, err = s.engine.ResolveRemote(ctx, resolved)
		if nil != err {
			return nil, err
		}
		return s.tier.Open(ctx, resolved)
	}
	return rc, err
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l limitedFile) Close() error {
	return l.f.Close()
}

func openLocal(req media.Request) (io.ReadCloser, error) {
	flawP := flaw.P{"request": req.FlawP()}

	f, err := os.Open(req.URI)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to open local track: %v", err)).Append(flawP)
	}
	if _, err := f.Seek(req.Position, io.SeekStart); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		if closeErr := f.Close(); nil != closeErr {
			return nil, flaw.From(fmt.Errorf("failed to seek local track: %v", err)).Join(closeErr).Append(flawP)
		}
		return nil, flaw.From(fmt.Errorf("failed to seek local track: %v", err)).Append(flawP)
	}
	if req.Unbounded() {
		return f, nil
	}
	if req.Length < 0 {
		_ = f.Close()
		return nil, flaw.From(errors.New("invalid request length")).Append(flawP)
	}
	return limitedFile{Reader: io.LimitReader(f, req.Length), f: f}, nil
}
