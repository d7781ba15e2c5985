package bytecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/config"
	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/httputil"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/must"
)

// ErrURLRejected is returned when the media host refuses a playback URL, usually because it
// expired before its advertised lifetime.
var ErrURLRejected = errors.New("playback url rejected by media host")

// FetchRange reads req's byte range from req.URI. The returned total is the full resource size,
// or media.LengthUnset when the host does not report it.
func FetchRange(ctx context.Context, req media.Request) (b []byte, total int64, err error) {
	flawP := flaw.P{"request": req.FlawP()}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, 0, ctx.Err()
		}

		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, 0, flaw.From(fmt.Errorf("failed to create range request: %v", err)).Append(flawP)
	}
	httpReq.Header.Set("Range", req.RangeHeader())

	client := http.Client{Timeout: config.UpstreamRangeTimeout} //nolint:exhaustruct
	resp, err := client.Do(httpReq)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, 0, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, 0, context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return nil, 0, flaw.From(fmt.Errorf("failed to send range request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close range response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsContext(ctx):
				err = flaw.From(errors.New("context was ended")).Join(closeErr)
			case errors.Is(err, context.DeadlineExceeded):
				err = flaw.From(errors.New("timeout has reached")).Join(closeErr)
			case errors.Is(err, httputil.ErrTooManyRequests):
				err = flaw.From(errors.New("too many requests")).Join(closeErr)
			case errors.Is(err, ErrURLRejected):
				err = flaw.From(errors.New("playback url rejected")).Join(closeErr)
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				panic(errutil.UnknownError(err))
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	switch code := resp.StatusCode; code {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusTooManyRequests:
		return nil, 0, httputil.ErrTooManyRequests
	case http.StatusForbidden:
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return nil, 0, err
		}
		if ok, err := errutil.IsQuotaExceededResponse(resp, respBytes); nil != err {
			flawP["response_body"] = string(respBytes)
			return nil, 0, must.BeFlaw(err).Append(flawP)
		} else if ok {
			return nil, 0, httputil.ErrTooManyRequests
		}
		return nil, 0, ErrURLRejected
	case http.StatusGone:
		return nil, 0, ErrURLRejected
	default:
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return nil, 0, err
		}
		flawP["response_body"] = string(respBytes)
		return nil, 0, flaw.From(fmt.Errorf("unexpected status code received from range request: %d", code)).Append(flawP)
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return nil, 0, err
	}
	flawP["bytes_read"] = len(respBytes)

	if resp.StatusCode == http.StatusOK {
		// The host ignored the Range header and sent the whole resource.
		total = int64(len(respBytes))
		if req.Position >= total {
			return nil, 0, flaw.From(errors.New("range starts beyond the end of the resource")).Append(flawP)
		}
		end := total
		if !req.Unbounded() {
			end = min(total, req.End())
		}
		return respBytes[req.Position:end], total, nil
	}

	return respBytes, parseContentRangeTotal(resp.Header.Get("Content-Range")), nil
}

// parseContentRangeTotal extracts the complete length from a "bytes a-b/total" header value.
func parseContentRangeTotal(v string) int64 {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return media.LengthUnset
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if nil != err {
		return media.LengthUnset
	}
	return n
}
