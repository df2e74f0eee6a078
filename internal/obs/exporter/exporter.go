// Package exporter implements the metric export pipeline: a fan-out
// exporter plus sqlite and JSONL destinations.
package exporter

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MultiExporter fans metric exports out to several exporters. One failing
// exporter does not stop the others; the first error is reported.
type MultiExporter struct {
	exporters []sdkmetric.Exporter
	mu        sync.Mutex
}

// NewMultiExporter creates a fan-out over the given exporters.
func NewMultiExporter(exporters ...sdkmetric.Exporter) *MultiExporter {
	return &MultiExporter{exporters: exporters}
}

// Temporality returns cumulative for every instrument kind.
func (m *MultiExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation returns the default aggregation for the instrument kind.
func (m *MultiExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// Export forwards the snapshot to every exporter.
func (m *MultiExporter) Export(ctx context.Context, res *metricdata.ResourceMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, e := range m.exporters {
		if err := e.Export(ctx, res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ForceFlush flushes every exporter.
func (m *MultiExporter) ForceFlush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.exporters {
		_ = e.ForceFlush(ctx)
	}
	return nil
}

// Shutdown shuts every exporter down.
func (m *MultiExporter) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.exporters {
		_ = e.Shutdown(ctx)
	}
	return nil
}

// attrsToMap flattens an attribute set for serialization.
func attrsToMap(attrs attribute.Set) map[string]string {
	result := make(map[string]string)
	iter := attrs.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		result[string(kv.Key)] = kv.Value.Emit()
	}
	return result
}
