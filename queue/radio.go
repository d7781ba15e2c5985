package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/matryer/try.v1"

	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/log"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/metrics"
	"github.com/xeptore/tunestream/ptr"
	"github.com/xeptore/tunestream/remote"
)

const (
	maxAttempts = 4

	radioPlaylistPrefix = "RDAMVM"
	radioParams         = "wAEB"
)

type State int

const (
	StateInitial State = iota
	StateHasMore
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateHasMore:
		return "HAS_MORE"
	case StateExhausted:
		return "EXHAUSTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type Pager interface {
	Next(ctx context.Context, endpoint remote.Endpoint, continuation *string) (*remote.NextResult, error)
}

type Radio struct {
	pager        Pager
	endpoint     remote.Endpoint
	continuation *string
	state        State
	newBackOff   func() backoff.BackOff
	logger       zerolog.Logger
}

func NewRadio(pager Pager, endpoint remote.Endpoint, logger zerolog.Logger) *Radio {
	return &Radio{
		pager:      pager,
		endpoint:   endpoint,
		state:      StateInitial,
		newBackOff: newBackOff,
		logger:     logger.With().Str("component", "radio_queue").Logger(),
	}
}

// NewTrackRadio starts a radio seeded by a single track.
func NewTrackRadio(pager Pager, id media.TrackID, logger zerolog.Logger) *Radio {
	return NewRadio(pager, remote.Endpoint{TrackID: id}, logger)
}

// WithBackOff replaces the delay policy between attempts.
func (r *Radio) WithBackOff(f func() backoff.BackOff) *Radio {
	r.newBackOff = f
	return r
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (r *Radio) State() State {
	return r.state
}

func (r *Radio) Endpoint() remote.Endpoint {
	return r.endpoint
}

func (r *Radio) Continuation() *string {
	return r.continuation
}

func (r *Radio) HasNextPage() bool {
	return nil != r.continuation
}

// InitialStatus fetches the first page. When the very first attempt fails for an endpoint that
// names only a track, the endpoint is switched to that track's radio playlist for the remaining
// attempts.
func (r *Radio) InitialStatus(ctx context.Context) (*Status, error) {
	seed := r.endpoint.TrackID
	res, err := r.attempt(ctx, "initial", nil, func(attempt int) {
		if attempt == 1 && r.endpoint.TrackID != "" && r.endpoint.PlaylistID == "" {
			r.endpoint = remote.Endpoint{
				TrackID:    r.endpoint.TrackID,
				PlaylistID: radioPlaylistPrefix + string(r.endpoint.TrackID),
				Params:     radioParams,
			}
			r.logger.Debug().Str("playlist_id", r.endpoint.PlaylistID).Msg("Falling back to track radio")
		}
	})
	if nil != err {
		if !errutil.IsContext(ctx) {
			r.state = StateFailed
		}
		return nil, err
	}

	r.endpoint = res.Endpoint
	r.setContinuation(res.Continuation)

	items := toItems(res.Items)
	start := 0
	switch {
	case nil != res.CurrentIndex:
		start = *res.CurrentIndex
	case seed != "":
		if _, idx, ok := lo.FindIndexOf(items, func(i Item) bool { return i.Key == string(seed) }); ok {
			start = idx
		}
	}

	return &Status{
		Title:        ptr.ValueOr(res.Title, ""),
		Items:        items,
		StartIndex:   start,
		Continuation: r.continuation,
	}, nil
}

// NextPage fetches the page after the current continuation and adopts the endpoint the server
// returned with it. When every attempt fails the queue is considered exhausted and the last
// error is returned.
func (r *Radio) NextPage(ctx context.Context) ([]Item, error) {
	if nil == r.continuation {
		return nil, ErrNoMorePages
	}

	res, err := r.attempt(ctx, "next", r.continuation, nil)
	if nil != err {
		if !errutil.IsContext(ctx) {
			r.setContinuation(nil)
		}
		return nil, err
	}

	r.endpoint = res.Endpoint
	r.setContinuation(res.Continuation)
	return toItems(res.Items), nil
}

func (r *Radio) setContinuation(c *string) {
	r.continuation = c
	if nil == c {
		r.state = StateExhausted
	} else {
		r.state = StateHasMore
	}
}

func (r *Radio) attempt(ctx context.Context, op string, continuation *string, onFailure func(attempt int)) (*remote.NextResult, error) {
	var (
		res *remote.NextResult
		bo  = r.newBackOff()
	)
	err := try.Do(func(attempt int) (retry bool, err error) {
		attemptRemained := attempt < maxAttempts
		if attempt > 1 {
			if err := sleepCtx(ctx, bo.NextBackOff()); nil != err {
				return false, err
			}
		}

		out, err := r.pager.Next(ctx, r.endpoint, continuation)
		if nil != err {
			metrics.QueueAttemptsTotal.WithLabelValues(op, "error").Inc()
			if errutil.IsContext(ctx) {
				return false, ctx.Err()
			}
			r.logger.Warn().Func(log.Flaw(err)).Str("op", op).Int("attempt", attempt).Msg("Queue page request failed")
			if nil != onFailure {
				onFailure(attempt)
			}
			return attemptRemained, err
		}
		metrics.QueueAttemptsTotal.WithLabelValues(op, "ok").Inc()
		res = out
		return false, nil
	})
	if nil != err {
		return nil, err
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 || d == backoff.Stop {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

