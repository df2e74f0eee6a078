// Package otel wires the proxy's metric instruments into the OpenTelemetry
// SDK with a periodic reader exporting to sqlite and JSONL.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/crosstalk-dev/crosstalk/internal/db"
	"github.com/crosstalk-dev/crosstalk/internal/obs/exporter"
)

// Config controls the metric pipeline.
type Config struct {
	// Enabled turns the pipeline on. Disabled returns a nil Setup, which
	// callers treat as "no metrics".
	Enabled bool
	// ExportInterval is the periodic reader interval. Default 30s.
	ExportInterval time.Duration
	// ExportTimeout bounds each export. Default 10s.
	ExportTimeout time.Duration
	// JSONLPath, when set, additionally appends snapshots to a JSONL file.
	JSONLPath string
}

// Setup owns the meter provider and the tracker.
type Setup struct {
	meterProvider *sdkmetric.MeterProvider
	tracker       *Tracker
}

// NewSetup builds the pipeline: tracker instruments -> periodic reader ->
// multi exporter -> sqlite (+ optional JSONL). A nil store with no JSONL
// path yields a provider with no readers, keeping instrument calls cheap
// no-ops.
func NewSetup(ctx context.Context, cfg Config, store *db.UsageStore) (*Setup, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 30 * time.Second
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 10 * time.Second
	}

	var exporters []sdkmetric.Exporter
	if store != nil {
		exporters = append(exporters, exporter.NewSQLiteExporter(store))
	}
	if cfg.JSONLPath != "" {
		exporters = append(exporters, exporter.NewJSONLExporter(cfg.JSONLPath))
	}

	var opts []sdkmetric.Option
	if len(exporters) > 0 {
		reader := sdkmetric.NewPeriodicReader(
			exporter.NewMultiExporter(exporters...),
			sdkmetric.WithInterval(cfg.ExportInterval),
			sdkmetric.WithTimeout(cfg.ExportTimeout),
		)
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	tracker, err := NewTracker(meterProvider.Meter("crosstalk"))
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric tracker: %w", err)
	}

	return &Setup{
		meterProvider: meterProvider,
		tracker:       tracker,
	}, nil
}

// Tracker returns the instrument set. Nil receiver returns nil, so a
// disabled pipeline needs no branching at call sites that already
// nil-check.
func (s *Setup) Tracker() *Tracker {
	if s == nil {
		return nil
	}
	return s.tracker
}

// Shutdown flushes and stops the pipeline.
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil || s.meterProvider == nil {
		return nil
	}
	return s.meterProvider.Shutdown(ctx)
}
