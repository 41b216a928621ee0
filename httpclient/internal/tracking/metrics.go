// Package tracking records OpenTelemetry metrics for the API client.
// Instruments are created lazily from the global meter provider, so nothing is
// recorded until an application installs one.
package tracking

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "prodtrack/httpclient"

	// Metric names. The duration histogram follows OTel HTTP client semantic conventions.
	metricRequestDuration = "http.client.request.duration"
	metricRefreshCount    = "prodtrack.auth.refresh.count"
	metricRefreshQueued   = "prodtrack.auth.refresh.queued"
	metricRateLimited     = "prodtrack.client.rate_limited"

	attrHTTPRequestMethod  = "http.request.method"
	attrHTTPResponseStatus = "http.response.status_code"
	attrErrorType          = "error.type"
	attrOutcome            = "outcome"
	attrSource             = "source"
)

// Refresh outcomes
const (
	OutcomeSuccess        = "success"
	OutcomeFailure        = "failure"
	OutcomeNoRefreshToken = "no_refresh_token"
)

// Rate limit sources
const (
	SourceLocal  = "local"
	SourceServer = "server"
)

var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

var (
	meterOnce   sync.Once
	meterInitMu sync.Mutex
	clientMeter metric.Meter
	inited      bool

	requestDuration metric.Float64Histogram
	refreshCounter  metric.Int64Counter
	queuedCounter   metric.Int64Counter
	rateLimited     metric.Int64Counter
)

func logMetricError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize client metric %s: %v\n", name, err)
	}
}

func initMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if clientMeter != nil {
		return
	}
	clientMeter = otel.Meter(meterName)

	var err error
	requestDuration, err = clientMeter.Float64Histogram(
		metricRequestDuration,
		metric.WithDescription("Duration of outbound API requests, replays included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	logMetricError(metricRequestDuration, err)

	refreshCounter, err = clientMeter.Int64Counter(
		metricRefreshCount,
		metric.WithDescription("Token refresh cycles by outcome"),
		metric.WithUnit("{refresh}"),
	)
	logMetricError(metricRefreshCount, err)

	queuedCounter, err = clientMeter.Int64Counter(
		metricRefreshQueued,
		metric.WithDescription("Requests parked while a token refresh was in flight"),
		metric.WithUnit("{request}"),
	)
	logMetricError(metricRefreshQueued, err)

	rateLimited, err = clientMeter.Int64Counter(
		metricRateLimited,
		metric.WithDescription("Requests rejected locally or throttled by the server"),
		metric.WithUnit("{request}"),
	)
	logMetricError(metricRateLimited, err)

	inited = true
}

func ensureInitialized() {
	meterOnce.Do(initMeter)
}

// RecordRequestDuration records one dispatch. status is 0 for transport failures,
// in which case errorType should name the failure.
func RecordRequestDuration(ctx context.Context, method string, status int, errorType string, d time.Duration) {
	ensureInitialized()
	if requestDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrHTTPRequestMethod, method),
	}
	if status > 0 {
		attrs = append(attrs, attribute.Int(attrHTTPResponseStatus, status))
	}
	if errorType == "" && status >= 400 {
		errorType = strconv.Itoa(status)
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String(attrErrorType, errorType))
	}
	requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRefresh counts one refresh cycle
func RecordRefresh(ctx context.Context, outcome string) {
	ensureInitialized()
	if refreshCounter != nil {
		refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
	}
}

// RecordQueued counts a request parked behind an in-flight refresh
func RecordQueued(ctx context.Context) {
	ensureInitialized()
	if queuedCounter != nil {
		queuedCounter.Add(ctx, 1)
	}
}

// RecordRateLimited counts a local rejection or a server 429
func RecordRateLimited(ctx context.Context, source string) {
	ensureInitialized()
	if rateLimited != nil {
		rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String(attrSource, source)))
	}
}

// IsInitialized reports whether the instruments were created
func IsInitialized() bool {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()
	return inited
}

// ResetForTesting drops the instruments so the next record call binds to the
// current global meter provider. Only for tests.
func ResetForTesting() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	clientMeter = nil
	requestDuration = nil
	refreshCounter = nil
	queuedCounter = nil
	rateLimited = nil
	inited = false
	meterOnce = sync.Once{}
}
