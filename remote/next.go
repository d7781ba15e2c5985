package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/config"
	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/must"
)

// Endpoint addresses a server-side queue. TrackID alone asks for the track's watch queue,
// PlaylistID (with optional Params) for a playlist or radio.
type Endpoint struct {
	TrackID    media.TrackID `json:"videoId,omitempty"`
	PlaylistID string        `json:"playlistId,omitempty"`
	Params     string        `json:"params,omitempty"`
}

func (e Endpoint) FlawP() flaw.P {
	return flaw.P{
		"track_id":    e.TrackID,
		"playlist_id": e.PlaylistID,
		"params":      e.Params,
	}
}

type Item struct {
	TrackID         media.TrackID `json:"videoId"`
	Title           string        `json:"title"`
	Artists         []string      `json:"artists"`
	DurationSeconds int           `json:"durationSeconds"`
	ThumbnailURL    string        `json:"thumbnail"`
}

type NextResult struct {
	Endpoint     Endpoint `json:"endpoint"`
	Continuation *string  `json:"continuation"`
	Title        *string  `json:"title"`
	Items        []Item   `json:"items"`
	CurrentIndex *int     `json:"currentIndex"`
}

type nextRequest struct {
	Endpoint
	Continuation *string `json:"continuation,omitempty"`
}

// Next fetches a page of the queue at endpoint. A nil continuation asks for the first page.
func (c *Client) Next(ctx context.Context, endpoint Endpoint, continuation *string) (*NextResult, error) {
	flawP := flaw.P{"endpoint": endpoint.FlawP(), "has_continuation": nil != continuation}

	respBytes, err := c.post(ctx, nextPath, nextRequest{Endpoint: endpoint, Continuation: continuation}, config.NextRequestTimeout)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		case errors.Is(err, ErrTooManyRequests):
			return nil, ErrTooManyRequests
		case errutil.IsFlaw(err):
			return nil, must.BeFlaw(err).Append(flawP)
		default:
			panic(errutil.UnknownError(err))
		}
	}

	var res NextResult
	if err := json.Unmarshal(respBytes, &res); nil != err {
		flawP["response_body"] = string(respBytes)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to decode next response body: %v", err)).Append(flawP)
	}
	if res.Endpoint == (Endpoint{}) {
		res.Endpoint = endpoint
	}
	if nil != res.Continuation && *res.Continuation == "" {
		res.Continuation = nil
	}
	return &res, nil
}
