package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMeterProvider(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	ResetForTesting()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		ResetForTesting()
	})
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != meterName {
			continue
		}
		for _, m := range sm.Metrics {
			found[m.Name] = m
		}
	}
	return found
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRecordRequestDuration(t *testing.T) {
	reader := setupTestMeterProvider(t)
	ctx := context.Background()

	RecordRequestDuration(ctx, "GET", 200, "", 20*time.Millisecond)
	RecordRequestDuration(ctx, "POST", 503, "", 40*time.Millisecond)
	RecordRequestDuration(ctx, "GET", 0, "timeout", time.Second)

	metrics := collect(t, reader)
	m, ok := metrics[metricRequestDuration]
	require.True(t, ok, "duration histogram not recorded")

	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 3)

	var sawServerError, sawTimeout bool
	for _, dp := range hist.DataPoints {
		attrs := dp.Attributes.ToSlice()
		errType, hasErr := attrValue(attrs, attrErrorType)
		status, hasStatus := attrValue(attrs, attrHTTPResponseStatus)
		switch {
		case hasErr && errType.AsString() == "503":
			sawServerError = true
			assert.Equal(t, int64(503), status.AsInt64())
		case hasErr && errType.AsString() == "timeout":
			sawTimeout = true
			assert.False(t, hasStatus)
		default:
			assert.Equal(t, int64(200), status.AsInt64())
		}
	}
	assert.True(t, sawServerError)
	assert.True(t, sawTimeout)
}

func TestRecordCounters(t *testing.T) {
	reader := setupTestMeterProvider(t)
	ctx := context.Background()

	RecordRefresh(ctx, OutcomeSuccess)
	RecordRefresh(ctx, OutcomeFailure)
	RecordRefresh(ctx, OutcomeSuccess)
	RecordQueued(ctx)
	RecordQueued(ctx)
	RecordRateLimited(ctx, SourceLocal)

	metrics := collect(t, reader)

	refresh, ok := metrics[metricRefreshCount].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byOutcome := make(map[string]int64)
	for _, dp := range refresh.DataPoints {
		v, _ := attrValue(dp.Attributes.ToSlice(), attrOutcome)
		byOutcome[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{OutcomeSuccess: 2, OutcomeFailure: 1}, byOutcome)

	queued, ok := metrics[metricRefreshQueued].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, queued.DataPoints, 1)
	assert.Equal(t, int64(2), queued.DataPoints[0].Value)

	limited, ok := metrics[metricRateLimited].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, limited.DataPoints, 1)
	source, _ := attrValue(limited.DataPoints[0].Attributes.ToSlice(), attrSource)
	assert.Equal(t, SourceLocal, source.AsString())
}

func TestResetForTesting(t *testing.T) {
	setupTestMeterProvider(t)

	RecordQueued(context.Background())
	assert.True(t, IsInitialized())

	ResetForTesting()
	assert.False(t, IsInitialized())
}
