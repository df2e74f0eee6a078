package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
	"github.com/crosstalk-dev/crosstalk/internal/clock"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
	"github.com/crosstalk-dev/crosstalk/pkg/adaptor"
)

// EventWriter receives the translated Anthropic events. The server implements
// it over the HTTP response; tests record.
type EventWriter interface {
	// WriteEvent writes one SSE event with the given type tag and payload.
	WriteEvent(eventType string, payload interface{}) error
	// WriteKeepalive writes an SSE comment line that clients ignore.
	WriteKeepalive() error
}

// Options configure one stream translation.
type Options struct {
	// MessageID appears in message_start. Minted when empty; callers that
	// trace the request mint it themselves so the wire and the record agree.
	MessageID string
	// Model is echoed in message_start exactly as the client named it.
	Model string
	// Capabilities supply the keepalive interval and watchdog timeouts.
	Capabilities typ.Capabilities
	// FinalizeUsage, when set, adjusts the usage reported in message_delta
	// (prompt-cache attribution).
	FinalizeUsage func(*anthropic.Usage)
}

// Watchdog kinds reported in Result when a stream times out.
const (
	WatchdogInactivity = "inactivity"
	WatchdogTerminal   = "terminal"
)

// Result summarizes a finished translation.
type Result struct {
	StopReason string
	Usage      anthropic.Usage
	Keepalives int
	TimedOut   bool
	// Watchdog names which watchdog ended the stream when TimedOut is set.
	Watchdog  string
	Cancelled bool
}

type phase int

const (
	phaseFresh phase = iota
	phaseStarted
	phaseFinishing
	phaseStopped
)

type blockState int

const (
	noBlock blockState = iota
	textOpen
	toolOpen
)

// Translator drives the Anthropic SSE grammar from upstream events. All
// inputs (events, watchdogs, keepalive ticks, cancellation) pass through one
// serialized loop, so a timer can never fire between a block's start and the
// delta being written. State belongs to the Run goroutine; a Translator is
// not reusable.
type Translator struct {
	w    EventWriter
	clk  clock.Clock
	diag *proxyerr.Diagnostics
	opts Options
	caps typ.Capabilities

	phase      phase
	block      blockState
	index      int
	openToolID string
	partial    strings.Builder

	toolIDsStreamed map[string]bool
	toolNames       map[string]string

	finishSeen   bool
	stashedStop  string
	stashedUsage *openai.Usage

	writeErr error
	result   Result
}

// New builds a Translator. Nothing is written until Run.
func New(w EventWriter, clk clock.Clock, diag *proxyerr.Diagnostics, opts Options) *Translator {
	if opts.MessageID == "" {
		opts.MessageID = adaptor.NewMessageID()
	}
	return &Translator{
		w:               w,
		clk:             clk,
		diag:            diag,
		opts:            opts,
		caps:            opts.Capabilities.Normalize(),
		toolIDsStreamed: make(map[string]bool),
		toolNames:       make(map[string]string),
	}
}

// Run writes message_start immediately, before any upstream byte, then
// consumes events until the channel closes, an error event arrives, a
// watchdog fires, or ctx is cancelled. Every path except cancellation ends
// with message_delta and message_stop on the wire; a backend that never sends
// a byte still yields message_stop within the terminal timeout.
func (t *Translator) Run(ctx context.Context, events <-chan Event) Result {
	inactivity := t.clk.AfterMs(t.caps.InactivityTimeoutMs)
	terminal := t.clk.AfterMs(t.caps.TerminalTimeoutMs)
	keepalive := t.clk.AfterMs(t.caps.KeepaliveIntervalMs)

	t.start()

	for t.phase != phaseStopped {
		select {
		case <-ctx.Done():
			t.diag.Add(proxyerr.KindClientCancelled, "client disconnected mid-stream")
			t.result.Cancelled = true
			return t.result

		case ev, ok := <-events:
			if !ok {
				t.finishStream()
				continue
			}
			// Keepalives only bridge the gap to the first real event.
			keepalive = nil
			inactivity = t.clk.AfterMs(t.caps.InactivityTimeoutMs)
			t.handle(ev)

		case <-inactivity:
			t.diag.Add(proxyerr.KindStreamTimeout, "no upstream event within %s", t.caps.InactivityTimeout())
			logrus.Debugf("stream %s: inactivity watchdog fired", t.opts.MessageID)
			t.result.TimedOut = true
			t.result.Watchdog = WatchdogInactivity
			t.finishStream()

		case <-terminal:
			t.diag.Add(proxyerr.KindStreamTimeout, "stream exceeded the %s ceiling", t.caps.TerminalTimeout())
			logrus.Debugf("stream %s: terminal watchdog fired", t.opts.MessageID)
			t.result.TimedOut = true
			t.result.Watchdog = WatchdogTerminal
			t.finishStream()

		case <-keepalive:
			keepalive = t.clk.AfterMs(t.caps.KeepaliveIntervalMs)
			if err := t.w.WriteKeepalive(); err != nil {
				t.writeErr = err
			}
			t.result.Keepalives++
		}
	}
	return t.result
}

func (t *Translator) start() {
	t.emit(anthropic.EventTypeMessageStart, anthropic.MessageStartEvent{
		Type: anthropic.EventTypeMessageStart,
		Message: anthropic.MessagesResponse{
			ID:      t.opts.MessageID,
			Type:    "message",
			Role:    "assistant",
			Model:   t.opts.Model,
			Content: []anthropic.ResponseContentBlock{},
		},
	})
	t.phase = phaseStarted
}

func (t *Translator) handle(ev Event) {
	switch ev.Type {
	case EventTextStart:
		t.closeBlock()
		t.openTextBlock()

	case EventTextDelta:
		if t.block != textOpen {
			t.closeBlock()
			t.openTextBlock()
		}
		t.emit(anthropic.EventTypeContentBlockDelta, anthropic.ContentBlockDeltaEvent{
			Type:  anthropic.EventTypeContentBlockDelta,
			Index: t.index,
			Delta: anthropic.BlockDelta{Type: anthropic.DeltaTypeTextDelta, Text: ev.Text},
		})

	case EventTextEnd:
		if t.block == textOpen {
			t.closeBlock()
		}

	case EventToolInputStart:
		t.closeBlock()
		t.openToolBlock(ev.ID, ev.Name)

	case EventToolInputDelta:
		t.handleToolDelta(ev)

	case EventToolInputEnd:
		if t.block == toolOpen {
			t.closeBlock()
		}

	case EventToolCall:
		t.handleToolCall(ev)

	case EventFinish:
		// Stash and keep reading: trailing events (the usage-only chunk,
		// stray deltas) must be observed before message_delta goes out.
		t.closeBlock()
		t.finishSeen = true
		if ev.StopReason != "" {
			t.stashedStop = ev.StopReason
		}
		if ev.Usage != nil {
			t.stashedUsage = ev.Usage
		}

	case EventError:
		err := ev.Err
		if err == nil {
			err = proxyerr.New(proxyerr.KindStreamProtocol, "upstream stream failed")
		}
		t.diag.Add(err.Kind, "%s", err.Message)
		logrus.Debugf("stream %s: upstream error after commit, closing gracefully: %v", t.opts.MessageID, err)
		t.finishStream()
	}
}

func (t *Translator) openTextBlock() {
	empty := ""
	t.emit(anthropic.EventTypeContentBlockStart, anthropic.ContentBlockStartEvent{
		Type:         anthropic.EventTypeContentBlockStart,
		Index:        t.index,
		ContentBlock: anthropic.StartBlock{Type: anthropic.BlockTypeText, Text: &empty},
	})
	t.block = textOpen
}

func (t *Translator) openToolBlock(id, name string) {
	t.emit(anthropic.EventTypeContentBlockStart, anthropic.ContentBlockStartEvent{
		Type:  anthropic.EventTypeContentBlockStart,
		Index: t.index,
		ContentBlock: anthropic.StartBlock{
			Type:  anthropic.BlockTypeToolUse,
			ID:    id,
			Name:  name,
			Input: map[string]interface{}{},
		},
	})
	t.block = toolOpen
	t.openToolID = id
	t.partial.Reset()
	t.toolIDsStreamed[id] = true
	if name != "" {
		t.toolNames[id] = name
	}
}

func (t *Translator) closeBlock() {
	if t.block == noBlock {
		return
	}
	if t.block == toolOpen {
		logrus.Debugf("stream %s: tool %s closed after %d bytes of input", t.opts.MessageID, t.openToolID, t.partial.Len())
	}
	t.emit(anthropic.EventTypeContentBlockStop, anthropic.ContentBlockStopEvent{
		Type:  anthropic.EventTypeContentBlockStop,
		Index: t.index,
	})
	t.index++
	t.block = noBlock
	t.openToolID = ""
	t.partial.Reset()
}

func (t *Translator) handleToolDelta(ev Event) {
	if t.block == toolOpen && (ev.ID == "" || ev.ID == t.openToolID) {
		t.partial.WriteString(ev.Delta)
		t.emitInputDelta(ev.Delta)
		return
	}

	// A fragment with no matching open block, typically because text
	// interleaved and closed the tool's block. Reopen under the fragment's
	// id when its name was seen earlier; an unattributable fragment is
	// dropped.
	name, known := t.toolNames[ev.ID]
	if ev.ID == "" || !known {
		t.diag.Add(proxyerr.KindStreamProtocol, "tool input fragment without a matching tool_use block dropped")
		return
	}
	t.closeBlock()
	t.openToolBlock(ev.ID, name)
	t.partial.WriteString(ev.Delta)
	t.emitInputDelta(ev.Delta)
}

func (t *Translator) emitInputDelta(delta string) {
	t.emit(anthropic.EventTypeContentBlockDelta, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventTypeContentBlockDelta,
		Index: t.index,
		Delta: anthropic.BlockDelta{Type: anthropic.DeltaTypeInputJSONDelta, PartialJSON: delta},
	})
}

// handleToolCall emits a complete tool invocation as one start/delta/stop
// triple. Ids that already streamed incrementally are duplicates and dropped.
func (t *Translator) handleToolCall(ev Event) {
	if t.toolIDsStreamed[ev.ID] {
		logrus.Debugf("stream %s: duplicate tool call %s dropped", t.opts.MessageID, ev.ID)
		return
	}
	t.closeBlock()
	t.openToolBlock(ev.ID, ev.Name)
	input := ev.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	doc := compactJSON(input)
	t.partial.WriteString(doc)
	t.emitInputDelta(doc)
	t.closeBlock()
}

// finishStream closes any open block and emits message_delta and
// message_stop from the stashed finish values. Idempotent.
func (t *Translator) finishStream() {
	if t.phase == phaseStopped {
		return
	}
	t.closeBlock()
	t.phase = phaseFinishing

	if !t.finishSeen {
		logrus.Debugf("stream %s: closed without an upstream finish, defaulting stop_reason", t.opts.MessageID)
	}
	stopReason := adaptor.MapFinishReason(t.stashedStop, t.diag)
	usage := adaptor.ConvertUsage(t.stashedUsage)
	if t.opts.FinalizeUsage != nil {
		t.opts.FinalizeUsage(&usage)
	}

	t.emit(anthropic.EventTypeMessageDelta, anthropic.MessageDeltaEvent{
		Type:  anthropic.EventTypeMessageDelta,
		Delta: anthropic.MessageDelta{StopReason: &stopReason},
		Usage: &usage,
	})
	t.emit(anthropic.EventTypeMessageStop, anthropic.MessageStopEvent{Type: anthropic.EventTypeMessageStop})
	t.phase = phaseStopped

	t.result.StopReason = stopReason
	t.result.Usage = usage
}

func (t *Translator) emit(eventType string, payload interface{}) {
	if t.writeErr != nil {
		return
	}
	if err := t.w.WriteEvent(eventType, payload); err != nil {
		t.writeErr = err
		logrus.Debugf("stream %s: client write failed: %v", t.opts.MessageID, err)
	}
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
