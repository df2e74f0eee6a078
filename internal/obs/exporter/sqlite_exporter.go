package exporter

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/crosstalk-dev/crosstalk/internal/db"
)

// SQLiteExporter persists metric snapshots as rows in the usage database.
// Counters land as their cumulative value; histograms land as two rows,
// <name>.count and <name>.sum.
type SQLiteExporter struct {
	store *db.UsageStore
}

// NewSQLiteExporter creates an exporter writing into store.
func NewSQLiteExporter(store *db.UsageStore) *SQLiteExporter {
	return &SQLiteExporter{store: store}
}

// Temporality returns cumulative for every instrument kind.
func (e *SQLiteExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation returns the default aggregation for the instrument kind.
func (e *SQLiteExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// Export writes one batch of samples.
func (e *SQLiteExporter) Export(ctx context.Context, res *metricdata.ResourceMetrics) error {
	if e.store == nil {
		return nil
	}

	var samples []db.MetricSample
	for _, scope := range res.ScopeMetrics {
		for _, m := range scope.Metrics {
			samples = append(samples, convertMetric(m)...)
		}
	}
	return e.store.RecordMetricSamples(samples)
}

// convertMetric flattens one metric into sample rows.
func convertMetric(m metricdata.Metrics) []db.MetricSample {
	var samples []db.MetricSample

	appendSample := func(name string, attrs string, value float64) {
		samples = append(samples, db.MetricSample{
			Name:       name,
			Attributes: attrs,
			Value:      value,
		})
	}

	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			appendSample(m.Name, encodeAttrs(dp.Attributes), float64(dp.Value))
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			appendSample(m.Name, encodeAttrs(dp.Attributes), dp.Value)
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			attrs := encodeAttrs(dp.Attributes)
			appendSample(m.Name+".count", attrs, float64(dp.Count))
			appendSample(m.Name+".sum", attrs, dp.Sum)
		}
	case metricdata.Histogram[int64]:
		for _, dp := range data.DataPoints {
			attrs := encodeAttrs(dp.Attributes)
			appendSample(m.Name+".count", attrs, float64(dp.Count))
			appendSample(m.Name+".sum", attrs, float64(dp.Sum))
		}
	}

	return samples
}

func encodeAttrs(attrs attribute.Set) string {
	m := attrsToMap(attrs)
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// ForceFlush is a no-op; sqlite writes are synchronous.
func (e *SQLiteExporter) ForceFlush(ctx context.Context) error {
	return nil
}

// Shutdown is a no-op; the store is closed by its owner.
func (e *SQLiteExporter) Shutdown(ctx context.Context) error {
	return nil
}
