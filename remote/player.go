package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/config"
	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/metrics"
	"github.com/xeptore/tunestream/must"
	"github.com/xeptore/tunestream/ptr"
)

const defaultURLLifetime = 6 * time.Hour

type Format struct {
	Itag          int
	URL           string
	MimeType      string
	Bitrate       int
	SampleRate    int
	ContentLength int64
}

func (f Format) FlawP() flaw.P {
	return flaw.P{
		"itag":           f.Itag,
		"mime_type":      f.MimeType,
		"bitrate":        f.Bitrate,
		"sample_rate":    f.SampleRate,
		"content_length": f.ContentLength,
	}
}

// Resolution is the outcome of a successful player call. The URL in Format stays valid for
// ExpiresIn from the moment the response was received.
type Resolution struct {
	TrackID    media.TrackID
	Format     Format
	LoudnessDB *float64
	ExpiresIn  time.Duration
}

type playerRequest struct {
	VideoID string `json:"videoId"`
	Quality string `json:"quality"`
	Network string `json:"network"`
	CPN     string `json:"cpn"`
}

type playerResponse struct {
	StreamingData struct {
		ExpiresInSeconds string `json:"expiresInSeconds"`
		AdaptiveFormats  []struct {
			Itag            int    `json:"itag"`
			URL             string `json:"url"`
			MimeType        string `json:"mimeType"`
			Bitrate         int    `json:"bitrate"`
			AudioSampleRate string `json:"audioSampleRate"`
			ContentLength   string `json:"contentLength"`
		} `json:"adaptiveFormats"`
	} `json:"streamingData"`
}

// Resolve asks the player endpoint for the formats of id and picks the audio format matching q
// on network n.
func (c *Client) Resolve(ctx context.Context, id media.TrackID, q media.Quality, n media.NetworkClass) (res *Resolution, err error) {
	flawP := flaw.P{"track_id": id, "quality": q.String(), "network": n.String()}
	defer func() {
		switch {
		case nil == err:
			metrics.ResolveNetworkTotal.WithLabelValues("ok").Inc()
		default:
			metrics.ResolveNetworkTotal.WithLabelValues("error").Inc()
		}
	}()

	reqBody := playerRequest{
		VideoID: string(id),
		Quality: q.String(),
		Network: n.String(),
		CPN:     uuid.NewString(),
	}
	respBytes, err := c.post(ctx, playerPath, reqBody, config.ResolveRequestTimeout)
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

	parsed := gjson.ParseBytes(respBytes)
	if status := parsed.Get("playabilityStatus.status").String(); status != "OK" {
		c.logger.Debug().
			Str("track_id", string(id)).
			Str("status", status).
			Str("reason", parsed.Get("playabilityStatus.reason").String()).
			Msg("Track is not playable")
		return nil, ErrUnplayable
	}

	var respBody playerResponse
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		flawP["response_body"] = string(respBytes)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to decode player response body: %v", err)).Append(flawP)
	}

	formats := make([]Format, 0, len(respBody.StreamingData.AdaptiveFormats))
	for _, f := range respBody.StreamingData.AdaptiveFormats {
		if !strings.HasPrefix(f.MimeType, "audio/") || f.URL == "" {
			continue
		}
		format := Format{
			Itag:     f.Itag,
			URL:      f.URL,
			MimeType: f.MimeType,
			Bitrate:  f.Bitrate,
		}
		if v, err := strconv.Atoi(f.AudioSampleRate); nil == err {
			format.SampleRate = v
		}
		if v, err := strconv.ParseInt(f.ContentLength, 10, 64); nil == err {
			format.ContentLength = v
		}
		formats = append(formats, format)
	}
	if len(formats) == 0 {
		flawP["response_body"] = string(respBytes)
		return nil, flaw.From(errors.New("player response has no audio formats")).Append(flawP)
	}

	expiresIn := defaultURLLifetime
	if v, err := strconv.Atoi(respBody.StreamingData.ExpiresInSeconds); nil == err && v > 0 {
		expiresIn = time.Duration(v) * time.Second
	}

	var loudness *float64
	if v := parsed.Get("playerConfig.audioConfig.loudnessDb"); v.Exists() {
		loudness = ptr.Of(v.Float())
	}

	return &Resolution{
		TrackID:    id,
		Format:     SelectFormat(formats, q, n),
		LoudnessDB: loudness,
		ExpiresIn:  expiresIn,
	}, nil
}

// SelectFormat picks the highest bitrate for QualityHigh and the lowest for QualityLow.
// QualityAuto behaves as high on unmetered networks and as low on metered ones.
func SelectFormat(formats []Format, q media.Quality, n media.NetworkClass) Format {
	highest := func(a, b Format) bool { return a.Bitrate > b.Bitrate }
	lowest := func(a, b Format) bool { return a.Bitrate < b.Bitrate }

	switch q {
	case media.QualityHigh:
		return lo.MaxBy(formats, highest)
	case media.QualityLow:
		return lo.MinBy(formats, lowest)
	case media.QualityAuto:
		if n == media.NetworkMetered {
			return lo.MinBy(formats, lowest)
		}
		return lo.MaxBy(formats, highest)
	default:
		panic(fmt.Sprintf("unexpected quality: %d", q))
	}
}
