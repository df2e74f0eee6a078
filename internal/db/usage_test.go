package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *UsageStore {
	t.Helper()
	store, err := NewUsageStore(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordUsageFillsDerivedFields(t *testing.T) {
	store := newTestStore(t)

	rec := &UsageRecord{
		RequestID:    "req_1",
		BackendUUID:  "be-1",
		BackendName:  "local",
		Model:        "gpt-4o",
		RequestModel: "claude-sonnet-4-5",
		Mode:         "translate",
		InputTokens:  100,
		OutputTokens: 25,
	}
	require.NoError(t, store.RecordUsage(rec))

	records, err := store.RecentRecords(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 125, records[0].TotalTokens)
	assert.Equal(t, "success", records[0].Status)
	assert.False(t, records[0].Timestamp.IsZero())

	assert.Error(t, store.RecordUsage(nil))
}

func TestTotals(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	seed := []UsageRecord{
		{BackendUUID: "be-1", BackendName: "local", Model: "gpt-4o", Mode: "translate",
			InputTokens: 100, OutputTokens: 50, CacheReadTokens: 32, Streamed: true,
			LatencyMs: 200, Timestamp: base},
		{BackendUUID: "be-1", BackendName: "local", Model: "gpt-4o", Mode: "translate",
			InputTokens: 10, OutputTokens: 5, Status: "error", ErrorKind: "BackendRejected",
			LatencyMs: 100, Timestamp: base.Add(time.Minute)},
		{BackendUUID: "be-2", BackendName: "claude", Model: "claude-sonnet-4-5", Mode: "passthrough",
			InputTokens: 40, OutputTokens: 8, LatencyMs: 300, Timestamp: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		require.NoError(t, store.RecordUsage(&seed[i]))
	}

	t.Run("unfiltered", func(t *testing.T) {
		totals, err := store.Totals(TotalsQuery{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), totals.RequestCount)
		assert.Equal(t, int64(150), totals.InputTokens)
		assert.Equal(t, int64(63), totals.OutputTokens)
		assert.Equal(t, int64(32), totals.CacheReadTokens)
		assert.Equal(t, int64(213), totals.TotalTokens)
		assert.Equal(t, int64(1), totals.ErrorCount)
		assert.Equal(t, int64(1), totals.StreamedCount)
		assert.InDelta(t, 200.0, totals.AvgLatencyMs, 0.001)
	})

	t.Run("by backend", func(t *testing.T) {
		totals, err := store.Totals(TotalsQuery{Backend: "be-2"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), totals.RequestCount)
		assert.Equal(t, int64(48), totals.TotalTokens)
	})

	t.Run("by mode", func(t *testing.T) {
		totals, err := store.Totals(TotalsQuery{Mode: "translate"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), totals.RequestCount)
	})

	t.Run("time window excludes everything", func(t *testing.T) {
		totals, err := store.Totals(TotalsQuery{Since: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, int64(0), totals.RequestCount)
	})

	t.Run("grouped by model", func(t *testing.T) {
		rows, err := store.TotalsByModel(TotalsQuery{})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		// Largest first.
		assert.Equal(t, "gpt-4o", rows[0].Model)
		assert.Equal(t, int64(2), rows[0].RequestCount)
		assert.Equal(t, int64(165), rows[0].TotalTokens)
		assert.Equal(t, "claude-sonnet-4-5", rows[1].Model)
	})
}

func TestMetricSamples(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordMetricSamples(nil))
	samples := []MetricSample{
		{Name: "proxy.request.count", Attributes: `{"backend":"local"}`, Value: 12},
		{Name: "proxy.keepalive.count", Value: 3},
	}
	require.NoError(t, store.RecordMetricSamples(samples))

	var count int64
	require.NoError(t, store.db.Model(&MetricSample{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	var got MetricSample
	require.NoError(t, store.db.Where("name = ?", "proxy.request.count").First(&got).Error)
	assert.Equal(t, 12.0, got.Value)
	assert.False(t, got.Timestamp.IsZero())
}

func TestStoreReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.db")

	store, err := NewUsageStore(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordUsage(&UsageRecord{
		BackendUUID: "be-1", BackendName: "local", Model: "m", Mode: "translate",
		InputTokens: 1, OutputTokens: 1,
	}))
	require.NoError(t, store.Close())

	reopened, err := NewUsageStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	totals, err := reopened.Totals(TotalsQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.RequestCount)
}
