// Package record persists per-request traces: what came in, where it was
// routed, and how it finished. Sinks are fire-and-forget; a broken sink logs
// and drops rather than failing the request it describes.
package record

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
)

// Request handling modes as they appear in traces and filter expressions.
const (
	ModeTranslate   = "translate"
	ModePassthrough = "passthrough"
)

// Trace is the record of one finished request.
type Trace struct {
	Timestamp      string                 `json:"timestamp"`
	RequestID      string                 `json:"request_id"`
	Backend        string                 `json:"backend"`
	Model          string                 `json:"model"`
	Mode           string                 `json:"mode"`
	Streamed       bool                   `json:"streamed"`
	Fingerprint    string                 `json:"fingerprint,omitempty"`
	CacheHit       bool                   `json:"cache_hit,omitempty"`
	CacheFirstSeen bool                   `json:"cache_first_seen,omitempty"`
	StatusCode     int                    `json:"status_code"`
	StopReason     string                 `json:"stop_reason,omitempty"`
	DurationMs     int64                  `json:"duration_ms"`
	FirstByteMs    int64                  `json:"first_byte_ms,omitempty"`
	BytesOut       int                    `json:"bytes_out,omitempty"`
	Keepalives     int                    `json:"keepalives,omitempty"`
	Usage          *anthropic.Usage       `json:"usage,omitempty"`
	Recoverable    []proxyerr.Recoverable `json:"recoverable,omitempty"`
	Headers        map[string]string      `json:"headers,omitempty"`
	Body           json.RawMessage        `json:"body,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// TraceSink receives finished traces.
type TraceSink interface {
	Record(tr *Trace)
	Close() error
}

// NullSink drops everything. The default when recording is off.
type NullSink struct{}

func (NullSink) Record(*Trace) {}
func (NullSink) Close() error  { return nil }

// LogSink mirrors traces into the process log.
type LogSink struct{}

func (LogSink) Record(tr *Trace) {
	logrus.WithFields(logrus.Fields{
		"request_id":  tr.RequestID,
		"backend":     tr.Backend,
		"model":       tr.Model,
		"mode":        tr.Mode,
		"streamed":    tr.Streamed,
		"status":      tr.StatusCode,
		"stop_reason": tr.StopReason,
		"duration_ms": tr.DurationMs,
	}).Info("request trace")
}

func (LogSink) Close() error { return nil }

// Multi fans traces out to every sink in order.
func Multi(sinks ...TraceSink) TraceSink {
	return multiSink(sinks)
}

type multiSink []TraceSink

func (m multiSink) Record(tr *Trace) {
	for _, s := range m {
		s.Record(tr)
	}
}

func (m multiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"proxy-authorization": true,
	"cookie":              true,
}

// RedactBody masks client identifiers in a request body before it is
// persisted. Anything that is not valid JSON is stored as-is.
func RedactBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if gjson.GetBytes(body, "metadata.user_id").Exists() {
		if out, err := sjson.SetBytes(body, "metadata.user_id", "[redacted]"); err == nil {
			return out
		}
	}
	return body
}

// RedactHeaders flattens h for tracing. Credential values keep a short prefix
// so operators can tell keys apart without the trace leaking them.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		v := vs[0]
		if sensitiveHeaders[strings.ToLower(k)] {
			if len(v) > 10 {
				v = v[:7] + "..."
			} else {
				v = "..."
			}
		}
		out[k] = v
	}
	return out
}
