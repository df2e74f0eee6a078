// Package stream turns an OpenAI-style completion stream into the Anthropic
// SSE event grammar. The Translator owns all protocol state and runs a single
// serialized loop; upstream chunks are first projected onto a small event
// vocabulary so the state machine never touches the backend's wire format.
package stream

import (
	"encoding/json"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
)

// EventType tags a projected upstream occurrence.
type EventType string

const (
	// EventTextStart opens a text block explicitly. Projection from chunked
	// backends never emits it (text deltas open blocks implicitly); atomic
	// sources may.
	EventTextStart EventType = "text-start"
	// EventTextDelta appends Text to the current text block, opening one if
	// none is open.
	EventTextDelta EventType = "text-delta"
	// EventTextEnd closes the open text block.
	EventTextEnd EventType = "text-end"
	// EventToolInputStart opens a tool_use block for ID/Name.
	EventToolInputStart EventType = "tool-input-start"
	// EventToolInputDelta appends Delta (a JSON fragment) to the open tool
	// block's input.
	EventToolInputDelta EventType = "tool-input-delta"
	// EventToolInputEnd closes the open tool block.
	EventToolInputEnd EventType = "tool-input-end"
	// EventToolCall is a complete tool invocation in one event: ID, Name and
	// the full Input document.
	EventToolCall EventType = "tool-call"
	// EventFinish carries the stop reason and/or usage. Either field may be
	// absent; later finish events refine earlier ones. The stream ends when
	// the event channel closes, not on finish.
	EventFinish EventType = "finish"
	// EventError reports an upstream failure after the stream is committed.
	EventError EventType = "error"
)

// Event is one upstream occurrence. Only the fields for its Type are set.
type Event struct {
	Type EventType

	// text-delta
	Text string

	// tool events
	ID    string
	Name  string
	Delta string
	Input json.RawMessage

	// finish
	StopReason string
	Usage      *openai.Usage

	// error
	Err *proxyerr.Error
}
