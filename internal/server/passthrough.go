package server

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/auth"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/record"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

// passthroughCaptureLimit caps how much of a non-streamed passthrough
// response is retained for usage extraction.
const passthroughCaptureLimit = 1 << 20

// hopHeaders never cross the proxy.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// passthrough forwards the request verbatim to an Anthropic-style backend.
// The body is not reinterpreted; only headers are filtered.
func (s *Server) passthrough(c *gin.Context, be *typ.Backend, body []byte, tr *tracking) {
	tr.mode = record.ModePassthrough
	tr.streamed = gjson.GetBytes(body, "stream").Bool()

	header := passthroughHeader(c.Request.Header, s.config.GetAuth().Enabled)

	resp, err := s.backends.Do(c.Request.Context(), *be, http.MethodPost, "/v1/messages", header, bytes.NewReader(body))
	if err != nil {
		tr.fail(proxyerr.AsError(err))
		return
	}
	defer resp.Body.Close()

	copyResponseHeader(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)

	var reader io.Reader = resp.Body
	var capture *bytes.Buffer
	if !tr.streamed {
		capture = &bytes.Buffer{}
		reader = io.TeeReader(resp.Body, newCappedWriter(capture, passthroughCaptureLimit))
	}

	flusher, _ := c.Writer.(http.Flusher)
	written, copyErr := copyFlush(c.Writer, reader, flusher)
	if copyErr != nil {
		logrus.Debugf("passthrough copy ended early: %v", copyErr)
		if c.Request.Context().Err() != nil {
			tr.canceled = true
		}
	}

	tr.bytesOut = int(written)
	if capture != nil {
		tr.fillPassthroughUsage(capture.Bytes(), resp.Header.Get("Content-Type"))
	}
	tr.finish(resp.StatusCode)
}

// fillPassthroughUsage lifts usage and stop_reason out of a non-streamed
// Anthropic response so accounting works without reinterpreting the body.
func (t *tracking) fillPassthroughUsage(body []byte, contentType string) {
	if !strings.Contains(contentType, "application/json") || len(body) == 0 {
		return
	}
	parsed := gjson.ParseBytes(body)
	if u := parsed.Get("usage"); u.Exists() {
		t.usage = &anthropic.Usage{
			InputTokens:              int(u.Get("input_tokens").Int()),
			OutputTokens:             int(u.Get("output_tokens").Int()),
			CacheReadInputTokens:     int(u.Get("cache_read_input_tokens").Int()),
			CacheCreationInputTokens: int(u.Get("cache_creation_input_tokens").Int()),
		}
	}
	t.stopReason = parsed.Get("stop_reason").String()
}

// passthroughHeader filters the inbound headers for forwarding. A locally
// minted key means nothing upstream, so it is stripped and the backend token
// takes over; with inbound auth enforced every accepted credential is local.
// With auth off a client carrying its own upstream credentials keeps them.
func passthroughHeader(in http.Header, stripClientAuth bool) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		out[k] = append([]string(nil), vs...)
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}
	out.Del("Host")
	out.Del("Content-Length")
	// Let the transport negotiate compression so the body copies as
	// plain bytes.
	out.Del("Accept-Encoding")
	if stripClientAuth || auth.IsAPIKey(in.Get("X-Api-Key")) || auth.IsAPIKey(in.Get("Authorization")) {
		out.Del("Authorization")
		out.Del("X-Api-Key")
	}
	return out
}

func copyResponseHeader(dst, src http.Header) {
	for k, vs := range src {
		if isHopHeader(k) || k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(h) == key {
			return true
		}
	}
	return false
}

// copyFlush copies src to dst flushing after every read, so SSE frames reach
// the client as they arrive instead of sitting in the response buffer.
func copyFlush(dst io.Writer, src io.Reader, flusher http.Flusher) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// cappedWriter keeps the first limit bytes and silently drops the rest.
type cappedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func newCappedWriter(buf *bytes.Buffer, limit int) *cappedWriter {
	return &cappedWriter{buf: buf, limit: limit}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if room := w.limit - w.buf.Len(); room > 0 {
		if n > room {
			p = p[:room]
		}
		w.buf.Write(p)
	}
	return n, nil
}
