package anthropic

// SSE event type tags, in emission order.
const (
	EventTypeMessageStart      = "message_start"
	EventTypeContentBlockStart = "content_block_start"
	EventTypeContentBlockDelta = "content_block_delta"
	EventTypeContentBlockStop  = "content_block_stop"
	EventTypeMessageDelta      = "message_delta"
	EventTypeMessageStop       = "message_stop"
)

// Delta type tags inside content_block_delta.
const (
	DeltaTypeTextDelta      = "text_delta"
	DeltaTypeInputJSONDelta = "input_json_delta"
)

// MessageStartEvent opens every stream with the empty message shell.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

// ContentBlockStartEvent opens block Index with its initial shell.
type ContentBlockStartEvent struct {
	Type         string     `json:"type"`
	Index        int        `json:"index"`
	ContentBlock StartBlock `json:"content_block"`
}

// StartBlock is the shell inside content_block_start: {type:"text", text:""}
// or {type:"tool_use", id, name, input:{}}.
type StartBlock struct {
	Type  string                 `json:"type"`
	Text  *string                `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// ContentBlockDeltaEvent carries one increment for the open block at Index.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta is a text_delta or input_json_delta payload.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStopEvent closes block Index.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent carries the final stop reason and usage.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage *Usage       `json:"usage,omitempty"`
}

// MessageDelta is the delta body of message_delta.
type MessageDelta struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageStopEvent terminates the stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}
