package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/errutil"
)

// MaxBodyBytes bounds every buffered response body. Stream ranges are fetched in chunks well
// below it.
const MaxBodyBytes = 128 << 20

func readBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to read response body: %v", err)).Append(flawP)
		}
	}
	if len(b) > MaxBodyBytes {
		return nil, flaw.From(fmt.Errorf("response body exceeds %d bytes", MaxBodyBytes)).Append(errutil.HTTPResponseFlawPayload(resp))
	}
	return b, nil
}

// ReadResponseBody reads a body the caller needs; an empty one is a flaw.
func ReadResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	b, err := readBody(ctx, resp)
	if nil != err {
		return nil, err
	}
	if len(b) == 0 {
		return nil, flaw.From(errors.New("unexpected empty response body")).Append(errutil.HTTPResponseFlawPayload(resp))
	}
	return b, nil
}

// ReadOptionalResponseBody reads a body used only for diagnostics, such as error envelopes.
func ReadOptionalResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	return readBody(ctx, resp)
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// IsCredentialsExpiredResponse reports whether a 401 body says the visitor session expired, which
// the caller can recover from by re-authenticating.
func IsCredentialsExpiredResponse(b []byte) (bool, error) {
	var body apiError
	if err := json.Unmarshal(b, &body); nil != err {
		flawP := flaw.P{"response_body": string(b), "err_debug_tree": errutil.Tree(err).FlawP()}
		return false, flaw.From(fmt.Errorf("failed to decode 401 status code response body: %v", err)).Append(flawP)
	}
	return body.Error.Code == http.StatusUnauthorized && body.Error.Status == "UNAUTHENTICATED", nil
}
