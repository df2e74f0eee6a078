package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
	"github.com/crosstalk-dev/crosstalk/internal/backend"
	"github.com/crosstalk-dev/crosstalk/internal/promptcache"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/record"
	"github.com/crosstalk-dev/crosstalk/internal/stream"
	"github.com/crosstalk-dev/crosstalk/internal/token"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
	"github.com/crosstalk-dev/crosstalk/pkg/adaptor"
)

// handleMessages serves POST /v1/messages: validate, route, then either
// translate for an OpenAI-style backend or pass the request through to an
// Anthropic-style one.
func (s *Server) handleMessages(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, proxyerr.Wrap(proxyerr.KindInvalidRequest, err, "reading request body"))
		return
	}

	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, proxyerr.Wrap(proxyerr.KindInvalidRequest, err, "malformed JSON body"))
		return
	}
	if pe := validateMessages(&req); pe != nil {
		writeError(c, pe)
		return
	}

	be, err := s.routes.resolve(req.Model)
	if err != nil {
		writeError(c, proxyerr.AsError(err))
		return
	}

	tr := s.newTracking(c, req.Model, body, be)
	if be.Style() == typ.APIStyleAnthropic {
		s.passthrough(c, be, body, tr)
		return
	}
	s.translate(c, be, &req, tr)
}

// validateMessages enforces the request preconditions the proxy checks
// before any backend is involved.
func validateMessages(req *anthropic.MessagesRequest) *proxyerr.Error {
	if req.Model == "" {
		return proxyerr.New(proxyerr.KindInvalidRequest, "model is required")
	}
	if req.MaxTokens == nil {
		return proxyerr.New(proxyerr.KindInvalidRequest, "max_tokens is required")
	}
	if len(req.Messages) == 0 {
		return proxyerr.New(proxyerr.KindInvalidRequest, "messages must not be empty")
	}
	return nil
}

// translate serves the request against an OpenAI-style backend: convert,
// consult the prompt cache, then stream or collect.
func (s *Server) translate(c *gin.Context, be *typ.Backend, req *anthropic.MessagesRequest, tr *tracking) {
	tr.mode = record.ModeTranslate
	caps := be.Capabilities.Normalize()

	chatReq, artifacts, err := adaptor.ConvertAnthropicToOpenAIRequest(req, caps, tr.diag)
	if err != nil {
		tr.fail(proxyerr.AsError(err))
		return
	}
	if be.Model != "" {
		chatReq.Model = be.Model
	}

	fingerprint, err := promptcache.Fingerprint(artifacts.System, artifacts.Tools)
	if err != nil {
		tr.diag.Add(proxyerr.KindInvalidSchema, "fingerprint skipped: %v", err)
	} else {
		tr.fingerprint = fingerprint
		estimate, err := token.EstimateRequestTokens(req)
		if err != nil {
			tr.diag.Add(proxyerr.KindInvalidRequest, "token estimate unavailable: %v", err)
		}
		tr.access = s.cache.RecordAccess(fingerprint, estimate)
	}

	if req.Stream {
		s.translateStream(c, be, chatReq, tr)
		return
	}
	s.translateOnce(c, be, chatReq, tr)
}

// translateOnce handles stream=false: one backend round trip, one JSON body.
func (s *Server) translateOnce(c *gin.Context, be *typ.Backend, chatReq *openai.ChatRequest, tr *tracking) {
	resp, err := s.backends.Completion(c.Request.Context(), *be, chatReq)
	if err != nil {
		tr.fail(proxyerr.AsError(err))
		return
	}

	out := adaptor.ConvertOpenAIToAnthropicResponse(resp, tr.model, tr.diag)
	tr.access.Apply(&out.Usage)
	tr.usage = &out.Usage
	if out.StopReason != nil {
		tr.stopReason = *out.StopReason
	}

	c.JSON(http.StatusOK, out)
	tr.bytesOut = c.Writer.Size()
	tr.finish(http.StatusOK)
}

// translateStream handles stream=true. Once the backend has accepted the
// request the response is committed as an event stream; everything that
// goes wrong after that is closed out gracefully on the wire by the
// translator, never as an HTTP error.
func (s *Server) translateStream(c *gin.Context, be *typ.Backend, chatReq *openai.ChatRequest, tr *tracking) {
	tr.streamed = true

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	items, err := s.backends.StreamCompletion(ctx, *be, chatReq, tr.diag)
	if err != nil {
		tr.fail(proxyerr.AsError(err))
		return
	}

	w, err := newSSEWriter(c.Writer)
	if err != nil {
		tr.fail(proxyerr.Wrap(proxyerr.KindInvalidRequest, err, "streaming requested over a connection that cannot stream"))
		return
	}

	events := make(chan stream.Event)
	var firstByte atomic.Int64
	go s.pumpEvents(ctx, items, events, tr.start, &firstByte)

	translator := stream.New(w, s.clk, tr.diag, stream.Options{
		Model:         tr.model,
		Capabilities:  be.Capabilities,
		FinalizeUsage: tr.access.Apply,
	})
	result := translator.Run(ctx, events)

	if err := w.FlushAndClose(); err != nil {
		logrus.Debugf("final drain incomplete: %v", err)
	}

	tr.stopReason = result.StopReason
	tr.usage = &result.Usage
	tr.keepalives = result.Keepalives
	tr.canceled = result.Cancelled
	tr.timedOut = result.TimedOut
	tr.watchdog = result.Watchdog
	tr.firstByteMs = firstByte.Load()
	tr.bytesOut = w.BytesOut()
	tr.finish(http.StatusOK)
}

// pumpEvents projects backend chunks onto translator events. It owns the
// events channel and closes it when the upstream ends. Sends race against
// translator shutdown, so each one also watches ctx.
func (s *Server) pumpEvents(ctx context.Context, items <-chan backend.StreamItem, events chan<- stream.Event, start time.Time, firstByte *atomic.Int64) {
	defer close(events)

	projector := stream.NewProjector()
	seen := false
	for item := range items {
		if !seen {
			firstByte.Store(s.clk.Now().Sub(start).Milliseconds())
			seen = true
		}

		var evs []stream.Event
		if item.Err != nil {
			evs = []stream.Event{{Type: stream.EventError, Err: proxyerr.AsError(item.Err)}}
		} else {
			evs = projector.Project(item.Chunk)
		}
		for _, ev := range evs {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// writeError sends the uniform error envelope. Only valid while the response
// is uncommitted; mid-stream failures go through the translator instead.
func writeError(c *gin.Context, pe *proxyerr.Error) {
	msg := pe.Message
	if pe.Cause != nil {
		msg = fmt.Sprintf("%s: %v", pe.Message, pe.Cause)
	}
	c.JSON(pe.HTTPStatus(), anthropic.NewErrorResponse(string(pe.Kind), msg))
}
