package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/db"
	"github.com/crosstalk-dev/crosstalk/internal/obs/otel"
	"github.com/crosstalk-dev/crosstalk/internal/promptcache"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/record"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

// tracking accumulates everything one request reports when it finishes: the
// trace record, the usage row and the meter readings. It lives on the
// handler stack; finish writes it out exactly once.
type tracking struct {
	srv   *Server
	c     *gin.Context
	start time.Time

	requestID string
	backend   *typ.Backend
	model     string // as the client asked
	mode      string
	streamed  bool
	body      []byte

	fingerprint string
	access      promptcache.Access

	stopReason  string
	usage       *anthropic.Usage
	firstByteMs int64
	keepalives  int
	bytesOut    int
	failure     *proxyerr.Error
	canceled    bool
	timedOut    bool
	watchdog    string
	diag        *proxyerr.Diagnostics
}

func (s *Server) newTracking(c *gin.Context, model string, body []byte, be *typ.Backend) *tracking {
	requestID := uuid.NewString()
	c.Header("X-Request-Id", requestID)
	return &tracking{
		srv:       s,
		c:         c,
		start:     s.clk.Now(),
		requestID: requestID,
		backend:   be,
		model:     model,
		body:      body,
		diag:      &proxyerr.Diagnostics{},
	}
}

// fail writes the error envelope and closes out tracking. Only valid while
// the response is uncommitted.
func (t *tracking) fail(pe *proxyerr.Error) {
	t.failure = pe
	if pe.Kind == proxyerr.KindClientCancelled {
		t.canceled = true
	}
	status := pe.HTTPStatus()
	writeError(t.c, pe)
	t.bytesOut = t.c.Writer.Size()
	t.finish(status)
}

// finish writes the trace, the usage row and the meter readings.
func (t *tracking) finish(status int) {
	now := t.srv.clk.Now()
	durationMs := now.Sub(t.start).Milliseconds()

	tr := &record.Trace{
		Timestamp:      now.UTC().Format(time.RFC3339Nano),
		RequestID:      t.requestID,
		Backend:        t.backend.Name,
		Model:          t.model,
		Mode:           t.mode,
		Streamed:       t.streamed,
		Fingerprint:    t.fingerprint,
		CacheHit:       t.access.Hit,
		CacheFirstSeen: t.access.FirstSeen,
		StatusCode:     status,
		StopReason:     t.stopReason,
		DurationMs:     durationMs,
		FirstByteMs:    t.firstByteMs,
		BytesOut:       t.bytesOut,
		Keepalives:     t.keepalives,
		Usage:          t.usage,
		Recoverable:    t.diag.Items(),
		Headers:        record.RedactHeaders(t.c.Request.Header),
		Body:           record.RedactBody(t.body),
	}
	if t.failure != nil {
		tr.Error = t.failure.Error()
	}
	t.srv.sink.Record(tr)

	t.recordUsage(status, durationMs)
	t.recordMetrics(durationMs)
}

func (t *tracking) recordUsage(status int, durationMs int64) {
	if t.srv.usage == nil {
		return
	}

	row := &db.UsageRecord{
		RequestID:    t.requestID,
		BackendUUID:  t.backend.UUID,
		BackendName:  t.backend.Name,
		Model:        t.effectiveModel(),
		RequestModel: t.model,
		Mode:         t.mode,
		Status:       t.status(),
		ErrorKind:    t.errorKind(),
		StatusCode:   status,
		LatencyMs:    int(durationMs),
		FirstByteMs:  int(t.firstByteMs),
		Streamed:     t.streamed,
		Keepalives:   t.keepalives,
	}
	if t.usage != nil {
		row.InputTokens = t.usage.InputTokens
		row.OutputTokens = t.usage.OutputTokens
		row.CacheReadTokens = t.usage.CacheReadInputTokens
		row.CacheCreationTokens = t.usage.CacheCreationInputTokens
	}
	if err := t.srv.usage.RecordUsage(row); err != nil {
		logrus.Warnf("usage row dropped: %v", err)
	}
}

func (t *tracking) recordMetrics(durationMs int64) {
	tracker := t.srv.tracker
	// The request context may already be cancelled; metrics still count.
	ctx := context.Background()

	m := otel.RequestMetrics{
		Backend:      t.backend.Name,
		BackendUUID:  t.backend.UUID,
		Model:        t.effectiveModel(),
		RequestModel: t.model,
		Mode:         t.mode,
		Streamed:     t.streamed,
		Status:       t.status(),
		ErrorKind:    t.errorKind(),
		LatencyMs:    int(durationMs),
		FirstByteMs:  int(t.firstByteMs),
		Keepalives:   t.keepalives,
	}
	if t.usage != nil {
		m.InputTokens = t.usage.InputTokens
		m.OutputTokens = t.usage.OutputTokens
		m.CacheReadTokens = t.usage.CacheReadInputTokens
		m.CacheCreationTokens = t.usage.CacheCreationInputTokens
	}
	tracker.RecordRequest(ctx, m)

	if t.timedOut {
		tracker.RecordWatchdog(ctx, t.backend.Name, t.watchdog)
	}
	for _, item := range t.diag.Items() {
		tracker.RecordRecoverable(ctx, t.backend.Name, string(item.Kind))
	}
}

func (t *tracking) status() string {
	switch {
	case t.canceled:
		return "canceled"
	case t.failure != nil:
		return "error"
	default:
		return "success"
	}
}

func (t *tracking) errorKind() string {
	if t.failure != nil {
		return string(t.failure.Kind)
	}
	return ""
}

// effectiveModel is what the backend actually served, after any override.
func (t *tracking) effectiveModel() string {
	if t.backend.Model != "" {
		return t.backend.Model
	}
	return t.model
}
