package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// metricLine is one exported datapoint in the JSONL file.
type metricLine struct {
	Timestamp  time.Time         `json:"timestamp"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	// Count is set for histogram lines alongside the summed value.
	Count uint64 `json:"count,omitempty"`
}

// JSONLExporter appends metric snapshots to a JSONL file. It exists for
// operators who tail metrics without a sqlite client.
type JSONLExporter struct {
	path string
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLExporter creates an exporter appending to path. The file is opened
// lazily on first export.
func NewJSONLExporter(path string) *JSONLExporter {
	return &JSONLExporter{path: path}
}

// Temporality returns cumulative for every instrument kind.
func (e *JSONLExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation returns the default aggregation for the instrument kind.
func (e *JSONLExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (e *JSONLExporter) ensureOpen() error {
	if e.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open metrics file: %w", err)
	}
	e.file = f
	e.enc = json.NewEncoder(f)
	return nil
}

// Export appends every datapoint in the snapshot as one line.
func (e *JSONLExporter) Export(ctx context.Context, res *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureOpen(); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, scope := range res.ScopeMetrics {
		for _, m := range scope.Metrics {
			for _, line := range convertLines(now, m) {
				if err := e.enc.Encode(line); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func convertLines(now time.Time, m metricdata.Metrics) []metricLine {
	var lines []metricLine
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			lines = append(lines, metricLine{
				Timestamp: now, Name: m.Name,
				Attributes: attrsToMap(dp.Attributes),
				Value:      float64(dp.Value),
			})
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			lines = append(lines, metricLine{
				Timestamp: now, Name: m.Name,
				Attributes: attrsToMap(dp.Attributes),
				Value:      dp.Value,
			})
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			lines = append(lines, metricLine{
				Timestamp: now, Name: m.Name,
				Attributes: attrsToMap(dp.Attributes),
				Value:      dp.Sum,
				Count:      dp.Count,
			})
		}
	case metricdata.Histogram[int64]:
		for _, dp := range data.DataPoints {
			lines = append(lines, metricLine{
				Timestamp: now, Name: m.Name,
				Attributes: attrsToMap(dp.Attributes),
				Value:      float64(dp.Sum),
				Count:      dp.Count,
			})
		}
	}
	return lines
}

// ForceFlush syncs the file.
func (e *JSONLExporter) ForceFlush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	return e.file.Sync()
}

// Shutdown closes the file.
func (e *JSONLExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	e.enc = nil
	return err
}
