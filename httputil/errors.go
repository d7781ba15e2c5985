package httputil

import "errors"

// ErrTooManyRequests is returned by every client in this module when the remote side throttles us,
// either with a 429 or with a quota-exceeded 403 envelope.
var ErrTooManyRequests = errors.New("too many requests")
