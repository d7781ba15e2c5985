package ratelimit

import (
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

const DownloadConcurrency = 3

// NewResolverLimiter paces calls to the remote player endpoint. A non-positive rps disables pacing.
func NewResolverLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), max(1, int(math.Ceil(rps))))
}

func DownloadStartJitter() time.Duration {
	const (
		from = 100
		to   = 600
	)
	millis := rand.IntN(to-from) + from //nolint:gosec
	return time.Duration(millis) * time.Millisecond
}
