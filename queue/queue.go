// Package queue pages playback queues. The set of queue kinds is closed: a static list built
// locally, and a radio continued page by page from the remote service.
package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/remote"
)

var ErrNoMorePages = errors.New("queue has no more pages")

type Item struct {
	Key          string
	Title        string
	Artists      []string
	Duration     time.Duration
	ThumbnailURL string
}

type Status struct {
	Title        string
	Items        []Item
	StartIndex   int
	Continuation *string
}

// Queue is implemented by *Static and *Radio only. Callers serialize calls on one instance.
type Queue interface {
	InitialStatus(ctx context.Context) (*Status, error)
	HasNextPage() bool
	NextPage(ctx context.Context) ([]Item, error)
	sealed()
}

type Static struct {
	title      string
	items      []Item
	startIndex int
}

func NewStatic(title string, items []Item, startIndex int) *Static {
	return &Static{title: title, items: items, startIndex: startIndex}
}

// FromKeys builds a static queue over track ids and local file paths. File items are titled by
// their base name without extension.
func FromKeys(title string, keys []string, startIndex int) (*Static, error) {
	if len(keys) == 0 {
		return nil, errors.New("queue has no items")
	}
	if startIndex < 0 || startIndex >= len(keys) {
		return nil, fmt.Errorf("start index %d is out of range for %d items", startIndex, len(keys))
	}
	items := lo.Map(keys, func(key string, _ int) Item {
		if media.IsRemote(key) {
			return Item{Key: key}
		}
		base := filepath.Base(key)
		return Item{Key: key, Title: strings.TrimSuffix(base, filepath.Ext(base))}
	})
	return NewStatic(title, items, startIndex), nil
}

func (s *Static) InitialStatus(context.Context) (*Status, error) {
	return &Status{Title: s.title, Items: s.items, StartIndex: s.startIndex}, nil
}

func (s *Static) HasNextPage() bool {
	return false
}

func (s *Static) NextPage(context.Context) ([]Item, error) {
	return nil, ErrNoMorePages
}

func (s *Static) sealed() {}

func (r *Radio) sealed() {}

// Describe renders a one-line summary of q.
func Describe(q Queue) string {
	switch q := q.(type) {
	case *Static:
		return fmt.Sprintf("static queue %q with %d items", q.title, len(q.items))
	case *Radio:
		ep := q.Endpoint()
		return fmt.Sprintf("radio queue (track=%s playlist=%s) in state %s", ep.TrackID, ep.PlaylistID, q.State())
	default:
		panic(fmt.Sprintf("unexpected queue type: %T", q))
	}
}

func toItems(items []remote.Item) []Item {
	return lo.Map(items, func(i remote.Item, _ int) Item {
		return Item{
			Key:          string(i.TrackID),
			Title:        i.Title,
			Artists:      i.Artists,
			Duration:     time.Duration(i.DurationSeconds) * time.Second,
			ThumbnailURL: i.ThumbnailURL,
		}
	})
}
