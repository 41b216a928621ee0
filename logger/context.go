package logger

import (
	"context"
	"sync/atomic"
)

type contextKey string

const (
	// callCounterKey tracks outbound API dispatches for one logical operation
	callCounterKey contextKey = "api_call_counter"
	// callElapsedKey tracks total outbound API time for one logical operation
	callElapsedKey contextKey = "api_elapsed_nanos"
)

// WithCallCounter returns a context that accumulates the number of outbound API
// dispatches (replays and retries included) and their total elapsed time.
func WithCallCounter(ctx context.Context) context.Context {
	counter := int64(0)
	elapsed := int64(0)
	ctx = context.WithValue(ctx, callCounterKey, &counter)
	return context.WithValue(ctx, callElapsedKey, &elapsed)
}

// IncrementCallCounter increments the dispatch counter when ctx carries one
func IncrementCallCounter(ctx context.Context) {
	if counter, ok := ctx.Value(callCounterKey).(*int64); ok && counter != nil {
		atomic.AddInt64(counter, 1)
	}
}

// GetCallCounter returns the dispatch count, or 0 without a counter
func GetCallCounter(ctx context.Context) int64 {
	if counter, ok := ctx.Value(callCounterKey).(*int64); ok && counter != nil {
		return atomic.LoadInt64(counter)
	}
	return 0
}

// AddCallElapsed adds elapsed nanoseconds to the accumulated API time
func AddCallElapsed(ctx context.Context, nanos int64) {
	if elapsed, ok := ctx.Value(callElapsedKey).(*int64); ok && elapsed != nil {
		atomic.AddInt64(elapsed, nanos)
	}
}

// GetCallElapsed returns the accumulated API time in nanoseconds
func GetCallElapsed(ctx context.Context) int64 {
	if elapsed, ok := ctx.Value(callElapsedKey).(*int64); ok && elapsed != nil {
		return atomic.LoadInt64(elapsed)
	}
	return 0
}
