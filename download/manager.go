// Package download runs offline downloads of remote tracks into the persistent download cache,
// at most three at a time, and mirrors their state into the song catalog.
package download

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xeptore/tunestream/config"
	"github.com/xeptore/tunestream/ctxutil"
	"github.com/xeptore/tunestream/log"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/metrics"
	"github.com/xeptore/tunestream/ratelimit"
)

const eventBufferSize = 64

type Engine interface {
	Fetch(ctx context.Context, id media.TrackID, progress func(percent int)) error
}

type SpanRemover interface {
	RemoveKey(key string) error
}

type Catalog interface {
	UpdateDownloadState(ctx context.Context, id media.TrackID, downloaded bool, completedAt *time.Time) error
}

type Deps struct {
	Engine  Engine
	Cache   SpanRemover
	Index   *Index
	Catalog Catalog
	Logger  zerolog.Logger
	// Concurrency caps running downloads; zero or anything above ratelimit.DownloadConcurrency
	// means ratelimit.DownloadConcurrency.
	Concurrency int
	// StartJitter spaces out download starts; defaults to ratelimit.DownloadStartJitter.
	StartJitter func() time.Duration
}

type event struct {
	id      media.TrackID
	state   State
	percent int
}

// job tracks the goroutine owning an id. A removal job replaces a download job on Cancel and
// finishes after the download goroutine exits, so REMOVING is always the last event of a run.
type job struct {
	cancel  context.CancelFunc
	done    chan struct{}
	removal bool
}

type Manager struct {
	engine  Engine
	cache   SpanRemover
	index   *Index
	catalog Catalog
	logger  zerolog.Logger
	jitter  func() time.Duration
	now     func() time.Time
	slots   *semaphore.Weighted

	events       chan event
	consumerDone chan struct{}
	workers      errgroup.Group

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	view    map[media.TrackID]Record
	jobs    map[media.TrackID]*job
}

func NewManager(d Deps) *Manager {
	jitter := d.StartJitter
	if nil == jitter {
		jitter = ratelimit.DownloadStartJitter
	}
	slots := d.Concurrency
	if slots <= 0 || slots > ratelimit.DownloadConcurrency {
		slots = ratelimit.DownloadConcurrency
	}
	return &Manager{
		engine:       d.Engine,
		cache:        d.Cache,
		index:        d.Index,
		catalog:      d.Catalog,
		logger:       d.Logger.With().Str("component", "download_manager").Logger(),
		jitter:       jitter,
		now:          time.Now,
		slots:        semaphore.NewWeighted(int64(slots)),
		events:       make(chan event, eventBufferSize),
		consumerDone: make(chan struct{}),
		view:         make(map[media.TrackID]Record),
		jobs:         make(map[media.TrackID]*job),
	}
}

// Start restores the persisted view, starts the event consumer and resumes downloads that were
// queued or running when the process stopped. Downloads keep running for a short drain period
// after ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	records, err := m.index.All()
	if nil != err {
		return err
	}

	m.mu.Lock()
	m.ctx, m.stop = ctxutil.WithDelayedTimeout(ctx, config.DownloadShutdownDrainDelay)
	m.started = true
	var resume, removing []media.TrackID
	for _, r := range records {
		switch r.State {
		case StateRemoving:
			removing = append(removing, r.ID)
			continue
		case StateQueued, StateDownloading:
			resume = append(resume, r.ID)
		case StateCompleted, StateFailed:
		}
		m.view[r.ID] = r
	}
	m.mu.Unlock()

	go m.consume()

	for _, id := range removing {
		m.emit(event{id: id, state: StateRemoving})
	}
	for _, id := range resume {
		m.Enqueue(id)
	}
	m.logger.Info().Int("records", len(records)).Int("resumed", len(resume)).Msg("Download manager started")
	return nil
}

// Close cancels in-flight downloads and waits for every goroutine to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed || !m.started {
		m.closed = true
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	if err := m.workers.Wait(); nil != err {
		m.logger.Error().Err(err).Msg("Download worker exited with error")
	}
	close(m.events)
	<-m.consumerDone
}

// Enqueue schedules id for download and returns immediately. Ids already queued, running or
// completed are left alone.
func (m *Manager) Enqueue(id media.TrackID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.started {
		return
	}

	prev := m.jobs[id]
	if nil != prev && !prev.removal {
		return
	}
	if r, ok := m.view[id]; nil == prev && ok && r.State == StateCompleted {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	m.jobs[id] = j
	m.workers.Go(func() error {
		m.run(ctx, id, j, prev)
		return nil
	})
}

// Cancel stops and removes id, whatever its state, and returns immediately.
func (m *Manager) Cancel(id media.TrackID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.started {
		return
	}

	prev := m.jobs[id]
	if nil != prev && prev.removal {
		return
	}
	if _, ok := m.view[id]; nil == prev && !ok {
		return
	}
	if nil != prev {
		prev.cancel()
	}

	removal := &job{cancel: func() {}, done: make(chan struct{}), removal: true}
	m.jobs[id] = removal
	m.workers.Go(func() error {
		defer close(removal.done)
		if nil != prev {
			<-prev.done
		}
		m.emit(event{id: id, state: StateRemoving})
		m.release(id, removal)
		return nil
	})
}

func (m *Manager) release(id media.TrackID, j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[id] == j {
		delete(m.jobs, id)
	}
}

func (m *Manager) run(ctx context.Context, id media.TrackID, j *job, prev *job) {
	defer close(j.done)
	defer m.release(id, j)
	defer j.cancel()

	if nil != prev {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	m.emit(event{id: id, state: StateQueued})
	if err := m.slots.Acquire(ctx, 1); nil != err {
		return
	}
	defer m.slots.Release(1)

	if err := sleepCtx(ctx, m.jitter()); nil != err {
		return
	}

	m.emit(event{id: id, state: StateDownloading})
	err := m.fetch(ctx, id)
	switch {
	case nil == err:
		m.emit(event{id: id, state: StateCompleted, percent: 100})
	case nil != ctx.Err():
		m.logger.Debug().Str("track_id", string(id)).Msg("Download interrupted")
	default:
		m.logger.Error().Func(log.Flaw(err)).Str("track_id", string(id)).Msg("Download failed")
		m.emit(event{id: id, state: StateFailed})
	}
}

func (m *Manager) fetch(ctx context.Context, id media.TrackID) (err error) {
	defer func() {
		if r := recover(); nil != r {
			m.logger.Error().Func(log.Panic(r)).Str("track_id", string(id)).Msg("Download panicked")
			err = errors.New("download panicked")
		}
	}()
	return m.engine.Fetch(ctx, id, func(percent int) {
		m.emit(event{id: id, state: StateDownloading, percent: percent})
	})
}

func (m *Manager) emit(ev event) {
	m.events <- ev
}

// consume is the only writer of the view, the index and the catalog mirror, which keeps events
// of one id applied in the order they were emitted.
func (m *Manager) consume() {
	defer close(m.consumerDone)
	ctx := context.WithoutCancel(m.ctx)
	for ev := range m.events {
		m.apply(ctx, ev)
	}
}

func (m *Manager) apply(ctx context.Context, ev event) {
	metrics.DownloadTransitionsTotal.WithLabelValues(string(ev.state)).Inc()
	logger := m.logger.With().Str("track_id", string(ev.id)).Str("state", string(ev.state)).Logger()

	if ev.state == StateRemoving {
		if err := m.cache.RemoveKey(string(ev.id)); nil != err {
			logger.Error().Func(log.Flaw(err)).Msg("Failed to remove downloaded spans")
		}
		if err := m.index.Delete(ev.id); nil != err {
			logger.Error().Func(log.Flaw(err)).Msg("Failed to delete download record")
		}
		if err := m.catalog.UpdateDownloadState(ctx, ev.id, false, nil); nil != err {
			logger.Error().Func(log.Flaw(err)).Msg("Failed to mirror download state")
		}
		m.mu.Lock()
		delete(m.view, ev.id)
		m.mu.Unlock()
		logger.Debug().Msg("Download removed")
		return
	}

	now := m.now()
	rec := Record{ID: ev.id, State: ev.state, Percent: ev.percent, UpdatedAt: now}
	m.mu.Lock()
	m.view[ev.id] = rec
	m.mu.Unlock()

	if err := m.index.Put(rec); nil != err {
		logger.Error().Func(log.Flaw(err)).Msg("Failed to persist download record")
	}

	switch ev.state {
	case StateCompleted:
		if err := m.catalog.UpdateDownloadState(ctx, ev.id, true, &now); nil != err {
			logger.Error().Func(log.Flaw(err)).Msg("Failed to mirror download state")
		}
		logger.Info().Msg("Download completed")
	case StateFailed:
		if err := m.catalog.UpdateDownloadState(ctx, ev.id, false, nil); nil != err {
			logger.Error().Func(log.Flaw(err)).Msg("Failed to mirror download state")
		}
	case StateQueued, StateDownloading:
		logger.Trace().Int("percent", ev.percent).Msg("Download state changed")
	case StateRemoving:
		panic("unreachable")
	}
}

func (m *Manager) IsDownloaded(id media.TrackID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.view[id]
	return ok && r.State == StateCompleted
}

// Progress is defined only for downloading and completed ids.
func (m *Manager) Progress(id media.TrackID) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.view[id]
	if !ok {
		return 0, false
	}
	switch r.State {
	case StateDownloading:
		return float64(r.Percent) / 100, true
	case StateCompleted:
		return 1, true
	case StateQueued, StateFailed, StateRemoving:
		return 0, false
	default:
		return 0, false
	}
}

func (m *Manager) States() map[media.TrackID]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.view)
}
