package adaptor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
)

// ConvertOpenAIToAnthropicResponse converts a non-streaming chat completion
// into an Anthropic message. model is echoed back as the client sent it;
// backends may rewrite it on the way out but clients match on their own name.
func ConvertOpenAIToAnthropicResponse(resp *openai.ChatResponse, model string, diag *proxyerr.Diagnostics) *anthropic.MessagesResponse {
	msg := &anthropic.MessagesResponse{
		ID:      messageID(resp.ID),
		Type:    "message",
		Role:    openai.RoleAssistant,
		Model:   model,
		Content: []anthropic.ResponseContentBlock{},
	}

	stopReason := StopReasonEndTurn
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]

		// Refusals carry no content field; surface them as text
		if choice.Message.Refusal != "" {
			msg.Content = append(msg.Content, anthropic.ResponseContentBlock{
				Type: anthropic.BlockTypeText,
				Text: choice.Message.Refusal,
			})
		}

		if choice.Message.Content != "" {
			msg.Content = append(msg.Content, anthropic.ResponseContentBlock{
				Type: anthropic.BlockTypeText,
				Text: choice.Message.Content,
			})
		}

		for _, toolCall := range choice.Message.ToolCalls {
			msg.Content = append(msg.Content, anthropic.ResponseContentBlock{
				Type:  anthropic.BlockTypeToolUse,
				ID:    toolCall.ID,
				Name:  toolCall.Function.Name,
				Input: ParseToolArguments(toolCall.Function.Name, toolCall.Function.Arguments, diag),
			})
		}

		stopReason = MapFinishReason(choice.FinishReason, diag)
	}
	msg.StopReason = &stopReason

	if resp.Usage != nil {
		msg.Usage = ConvertUsage(resp.Usage)
	}

	return msg
}

// ParseToolArguments parses stringified function.arguments into the object an
// Anthropic tool_use block carries. Unparseable arguments degrade to an empty
// object with a recoverable error rather than aborting the response.
func ParseToolArguments(name, arguments string, diag *proxyerr.Diagnostics) map[string]interface{} {
	if arguments == "" {
		return map[string]interface{}{}
	}

	var input map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		diag.Add(proxyerr.KindStreamProtocol, "tool %q: unparseable arguments replaced with {}", name)
		return map[string]interface{}{}
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return input
}

// ConvertUsage maps OpenAI token accounting onto the Anthropic shape.
// Backends that break out prefix-cache reads get them surfaced as
// cache_read_input_tokens; fingerprint-based attribution only fills the cache
// fields when the backend reported nothing.
func ConvertUsage(u *openai.Usage) anthropic.Usage {
	if u == nil {
		return anthropic.Usage{}
	}
	out := anthropic.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if d := u.PromptTokensDetails; d != nil && d.CachedTokens > 0 {
		out.CacheReadInputTokens = d.CachedTokens
	}
	return out
}

// messageID reuses the upstream completion id under the Anthropic prefix, or
// mints a fresh one when the backend sent none.
func messageID(upstream string) string {
	if upstream == "" {
		return NewMessageID()
	}
	return "msg_" + strings.TrimPrefix(upstream, "chatcmpl-")
}

// NewMessageID mints an Anthropic-shaped message id.
func NewMessageID() string {
	return fmt.Sprintf("msg_%s", uuid.New().String())
}
