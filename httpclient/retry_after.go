package httpclient

import (
	"context"
	"math"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryAfterSeconds is the largest delay-seconds value a time.Duration can hold
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// parseRetryAfter reads a Retry-After header given as delay seconds or as an
// HTTP-date. ok is false when the header is absent or unusable.
func parseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(header)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 || seconds > maxRetryAfterSeconds {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := nethttp.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	return 0, false
}

func retryAfterDelay(headers nethttp.Header, fallback time.Duration, now time.Time) time.Duration {
	if wait, ok := parseRetryAfter(headers.Get("Retry-After"), now); ok {
		return wait
	}
	return fallback
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
