package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RequestMetrics carries everything recorded for one completed request.
type RequestMetrics struct {
	Backend      string
	BackendUUID  string
	Model        string
	RequestModel string
	// Mode is "translate" or "passthrough".
	Mode     string
	Streamed bool
	// Status is "success", "error", or "canceled".
	Status    string
	ErrorKind string

	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int

	LatencyMs   int
	FirstByteMs int
	Keepalives  int
}

// Tracker owns the proxy's metric instruments.
type Tracker struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	firstByte       metric.Float64Histogram
	tokenUsage      metric.Int64Counter
	keepalives      metric.Int64Counter
	watchdogs       metric.Int64Counter
	recoverables    metric.Int64Counter
}

// NewTracker registers the instruments on the given meter.
func NewTracker(meter metric.Meter) (*Tracker, error) {
	t := &Tracker{}
	var err error

	t.requestCount, err = meter.Int64Counter(
		"proxy.request.count",
		metric.WithDescription("Completed requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	t.requestDuration, err = meter.Float64Histogram(
		"proxy.request.duration",
		metric.WithDescription("Request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	t.firstByte, err = meter.Float64Histogram(
		"proxy.request.first_byte",
		metric.WithDescription("Time to the first upstream byte in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	t.tokenUsage, err = meter.Int64Counter(
		"proxy.token.usage",
		metric.WithDescription("Token usage split by type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	t.keepalives, err = meter.Int64Counter(
		"proxy.keepalive.count",
		metric.WithDescription("SSE keep-alive comments written"),
		metric.WithUnit("{keepalive}"),
	)
	if err != nil {
		return nil, err
	}

	t.watchdogs, err = meter.Int64Counter(
		"proxy.watchdog.count",
		metric.WithDescription("Stream watchdog firings"),
		metric.WithUnit("{firing}"),
	)
	if err != nil {
		return nil, err
	}

	t.recoverables, err = meter.Int64Counter(
		"proxy.recoverable.count",
		metric.WithDescription("Recoverable translation errors by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// RecordRequest records the per-request instruments. Safe on a nil tracker
// so callers need no metrics-enabled branching.
func (t *Tracker) RecordRequest(ctx context.Context, m RequestMetrics) {
	if t == nil {
		return
	}
	common := []attribute.KeyValue{
		AttrBackend.String(m.Backend),
		AttrBackendUUID.String(m.BackendUUID),
		AttrModel.String(m.Model),
		AttrRequestModel.String(m.RequestModel),
		AttrMode.String(m.Mode),
		AttrStreamed.Bool(m.Streamed),
		AttrStatus.String(m.Status),
	}
	if m.ErrorKind != "" {
		common = append(common, AttrErrorKind.String(m.ErrorKind))
	}

	t.requestCount.Add(ctx, 1, metric.WithAttributes(common...))

	if m.LatencyMs > 0 {
		t.requestDuration.Record(ctx, float64(m.LatencyMs), metric.WithAttributes(common...))
	}
	if m.FirstByteMs > 0 {
		t.firstByte.Record(ctx, float64(m.FirstByteMs), metric.WithAttributes(common...))
	}
	if m.Keepalives > 0 {
		t.keepalives.Add(ctx, int64(m.Keepalives), metric.WithAttributes(common...))
	}

	tokens := []struct {
		kind  string
		count int
	}{
		{"input", m.InputTokens},
		{"output", m.OutputTokens},
		{"cache_read", m.CacheReadTokens},
		{"cache_creation", m.CacheCreationTokens},
	}
	for _, tok := range tokens {
		if tok.count <= 0 {
			continue
		}
		attrs := append(common, AttrTokenType.String(tok.kind))
		t.tokenUsage.Add(ctx, int64(tok.count), metric.WithAttributes(attrs...))
	}
}

// RecordWatchdog counts a watchdog firing ("inactivity" or "terminal").
func (t *Tracker) RecordWatchdog(ctx context.Context, backend, kind string) {
	if t == nil {
		return
	}
	t.watchdogs.Add(ctx, 1, metric.WithAttributes(
		AttrBackend.String(backend),
		AttrWatchdog.String(kind),
	))
}

// RecordRecoverable counts recoverable diagnostics by taxonomy kind.
func (t *Tracker) RecordRecoverable(ctx context.Context, backend, kind string) {
	if t == nil {
		return
	}
	t.recoverables.Add(ctx, 1, metric.WithAttributes(
		AttrBackend.String(backend),
		AttrErrorKind.String(kind),
	))
}
