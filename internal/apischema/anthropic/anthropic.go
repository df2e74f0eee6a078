// Package anthropic defines the wire types of the Anthropic Messages API as
// the proxy speaks it: tolerant on intake (string-or-array unions, unknown
// block types carried through) and exact on emission.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// Content block type tags.
const (
	BlockTypeText       = "text"
	BlockTypeImage      = "image"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string                 `json:"model"`
	MaxTokens     *int64                 `json:"max_tokens,omitempty"`
	System        *SystemPrompt          `json:"system,omitempty"`
	Messages      []Message              `json:"messages"`
	Tools         []Tool                 `json:"tools,omitempty"`
	ToolChoice    json.RawMessage        `json:"tool_choice,omitempty"`
	StopSequences []string               `json:"stop_sequences,omitempty"`
	Stream        bool                   `json:"stream,omitempty"`
	Temperature   *float64               `json:"temperature,omitempty"`
	TopP          *float64               `json:"top_p,omitempty"`
	TopK          *int                   `json:"top_k,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// SystemPrompt accepts the two shapes of the system field: a bare string or
// an ordered list of text blocks.
type SystemPrompt struct {
	Text   string
	Blocks []TextBlock
}

// TextBlock is one entry of a block-form system prompt.
type TextBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a block as a cacheable prefix boundary.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		s.Blocks = nil
		return nil
	}
	var blocks []TextBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be a string or an array of text blocks: %w", err)
	}
	s.Blocks = blocks
	return nil
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Blocks != nil {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent accepts a bare string or an ordered list of content blocks.
// Blocks is nil when the wire form was a string.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = text
		m.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of content blocks: %w", err)
	}
	m.Blocks = blocks
	return nil
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Blocks != nil {
		return json.Marshal(m.Blocks)
	}
	return json.Marshal(m.Text)
}

// ContentBlock is the union of block kinds. Only the fields for the tagged
// Type are populated; unknown types keep their tag and are skipped downstream
// rather than rejected.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result; Content is a string, a block array, or an object
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource carries an inline (base64) or referenced image.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tool declares a callable function with a JSON Schema input contract. The
// schema is kept raw so the rewriter can report non-object schemas instead of
// failing the whole request parse.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	CacheControl *CacheControl   `json:"cache_control,omitempty"`
}

// MessagesResponse is the non-streaming response body, and the message shell
// inside message_start events.
type MessagesResponse struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"` // "message"
	Role         string                 `json:"role"` // "assistant"
	Model        string                 `json:"model"`
	Content      []ResponseContentBlock `json:"content"`
	StopReason   *string                `json:"stop_reason"`
	StopSequence *string                `json:"stop_sequence"`
	Usage        Usage                  `json:"usage"`
}

// ResponseContentBlock is an assistant-emitted block: text or tool_use.
type ResponseContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// Usage reports token consumption including prompt-cache attribution.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Type  string      `json:"type"` // "error"
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure category and a short human-readable message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}

// CountTokensResponse is the body of POST /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}
