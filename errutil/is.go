package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"
)

func IsContext(ctx context.Context) bool {
	err := ctx.Err()
	return nil != err && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// IsQuotaExceededResponse reports whether a 403 response body carries the API error envelope
// the music service uses when it throttles a client instead of answering 429.
func IsQuotaExceededResponse(resp *http.Response, respBody []byte) (bool, error) {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return false, nil
	}

	var responseBody struct {
		Error struct {
			Code    int    `json:"code"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &responseBody); nil != err {
		flawP := flaw.P{"err_debug_tree": Tree(err).FlawP()}
		return false, flaw.From(fmt.Errorf("failed to unmarshal JSON error response body: %v", err)).Append(flawP)
	}
	return responseBody.Error.Status == "RESOURCE_EXHAUSTED", nil
}
