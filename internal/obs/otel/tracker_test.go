package otel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/crosstalk-dev/crosstalk/internal/db"
	"github.com/crosstalk-dev/crosstalk/internal/obs/exporter"
)

// collectMetrics records through a tracker and returns the snapshot.
func collectMetrics(t *testing.T, record func(*Tracker)) metricdata.ResourceMetrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	tracker, err := NewTracker(provider.Meter("test"))
	require.NoError(t, err)

	record(tracker)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func metricNames(rm metricdata.ResourceMetrics) map[string]metricdata.Metrics {
	names := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names[m.Name] = m
		}
	}
	return names
}

func TestTrackerRecordRequest(t *testing.T) {
	rm := collectMetrics(t, func(tr *Tracker) {
		tr.RecordRequest(context.Background(), RequestMetrics{
			Backend:         "local",
			BackendUUID:     "be-1",
			Model:           "gpt-4o",
			RequestModel:    "claude-sonnet-4-5",
			Mode:            "translate",
			Streamed:        true,
			Status:          "success",
			InputTokens:     100,
			OutputTokens:    25,
			CacheReadTokens: 32,
			LatencyMs:       1200,
			FirstByteMs:     80,
			Keepalives:      2,
		})
	})

	names := metricNames(rm)
	require.Contains(t, names, "proxy.request.count")
	require.Contains(t, names, "proxy.request.duration")
	require.Contains(t, names, "proxy.request.first_byte")
	require.Contains(t, names, "proxy.token.usage")
	require.Contains(t, names, "proxy.keepalive.count")

	count := names["proxy.request.count"].Data.(metricdata.Sum[int64])
	require.Len(t, count.DataPoints, 1)
	assert.Equal(t, int64(1), count.DataPoints[0].Value)

	// Token usage splits by type: input, output, cache_read.
	usage := names["proxy.token.usage"].Data.(metricdata.Sum[int64])
	assert.Len(t, usage.DataPoints, 3)
	var total int64
	for _, dp := range usage.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(157), total)

	duration := names["proxy.request.duration"].Data.(metricdata.Histogram[float64])
	require.Len(t, duration.DataPoints, 1)
	assert.Equal(t, uint64(1), duration.DataPoints[0].Count)
	assert.Equal(t, 1200.0, duration.DataPoints[0].Sum)
}

func TestTrackerWatchdogAndRecoverable(t *testing.T) {
	rm := collectMetrics(t, func(tr *Tracker) {
		tr.RecordWatchdog(context.Background(), "local", "inactivity")
		tr.RecordWatchdog(context.Background(), "local", "terminal")
		tr.RecordRecoverable(context.Background(), "local", "StreamProtocol")
	})

	names := metricNames(rm)
	watchdogs := names["proxy.watchdog.count"].Data.(metricdata.Sum[int64])
	assert.Len(t, watchdogs.DataPoints, 2)

	recoverables := names["proxy.recoverable.count"].Data.(metricdata.Sum[int64])
	require.Len(t, recoverables.DataPoints, 1)
	assert.Equal(t, int64(1), recoverables.DataPoints[0].Value)
}

func TestTrackerNilSafe(t *testing.T) {
	var tr *Tracker
	tr.RecordRequest(context.Background(), RequestMetrics{})
	tr.RecordWatchdog(context.Background(), "b", "terminal")
	tr.RecordRecoverable(context.Background(), "b", "kind")

	var s *Setup
	assert.Nil(t, s.Tracker())
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestNewSetupDisabled(t *testing.T) {
	setup, err := NewSetup(context.Background(), Config{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, setup)
}

func TestPipelineIntoSQLite(t *testing.T) {
	store, err := db.NewUsageStore(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer store.Close()

	rm := collectMetrics(t, func(tr *Tracker) {
		tr.RecordRequest(context.Background(), RequestMetrics{
			Backend: "local", BackendUUID: "be-1", Model: "gpt-4o",
			Mode: "translate", Status: "success",
			InputTokens: 10, OutputTokens: 5, LatencyMs: 100,
		})
	})

	exp := exporter.NewSQLiteExporter(store)
	require.NoError(t, exp.Export(context.Background(), &rm))

	samples, err := store.RecentMetricSamples(100)
	require.NoError(t, err)
	require.NotEmpty(t, samples)

	byName := make(map[string]bool)
	for _, s := range samples {
		byName[s.Name] = true
	}
	assert.True(t, byName["proxy.request.count"])
	assert.True(t, byName["proxy.token.usage"])
	// Histograms land as count and sum rows.
	assert.True(t, byName["proxy.request.duration.count"])
	assert.True(t, byName["proxy.request.duration.sum"])
}

func TestNewSetupShutdown(t *testing.T) {
	store, err := db.NewUsageStore(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer store.Close()

	setup, err := NewSetup(context.Background(), Config{
		Enabled:        true,
		ExportInterval: time.Hour, // no periodic fire during the test
	}, store)
	require.NoError(t, err)
	require.NotNil(t, setup)
	require.NotNil(t, setup.Tracker())

	setup.Tracker().RecordRequest(context.Background(), RequestMetrics{
		Backend: "local", Model: "m", Mode: "translate", Status: "success",
		InputTokens: 1,
	})

	// Shutdown flushes the reader; the sample lands in sqlite.
	require.NoError(t, setup.Shutdown(context.Background()))

	samples, err := store.RecentMetricSamples(100)
	require.NoError(t, err)
	assert.NotEmpty(t, samples, "shutdown export persisted samples")
}
