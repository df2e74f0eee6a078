package adaptor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

// PromptArtifacts are the translation byproducts handed to the prompt cache:
// the flattened system prompt and the rewritten tool set (both deterministic),
// plus the positions where the client asked for caching.
type PromptArtifacts struct {
	System       string
	Tools        []openai.Tool
	CacheMarkers []CacheMarker
}

// CacheMarker records one cache_control annotation from the request.
type CacheMarker struct {
	Location string // "system" or "tools"
	Index    int
}

// ConvertAnthropicToOpenAIRequest converts an Anthropic Messages request into
// an OpenAI chat request. Translation warnings (dropped images, trimmed stop
// sequences) are recorded on diag; structural problems return InvalidRequest.
func ConvertAnthropicToOpenAIRequest(req *anthropic.MessagesRequest, caps typ.Capabilities, diag *proxyerr.Diagnostics) (*openai.ChatRequest, *PromptArtifacts, error) {
	if req.MaxTokens == nil {
		return nil, nil, proxyerr.New(proxyerr.KindInvalidRequest, "max_tokens is required")
	}

	openaiReq := &openai.ChatRequest{
		Model:     req.Model,
		MaxTokens: *req.MaxTokens,
		Stream:    req.Stream,
	}

	artifacts := &PromptArtifacts{}

	// Convert system message
	systemText, systemMarkers := flattenSystem(req.System, caps.NormalizeSystemWhitespace)
	artifacts.System = systemText
	artifacts.CacheMarkers = append(artifacts.CacheMarkers, systemMarkers...)
	if systemText != "" {
		openaiReq.Messages = append(openaiReq.Messages, openai.ChatMessage{
			Role:    openai.RoleSystem,
			Content: systemText,
		})
	}

	// Convert messages
	for i, msg := range req.Messages {
		switch msg.Role {
		case "user":
			// User messages may contain tool_result blocks - need special handling
			messages, err := convertUserMessage(msg, caps, diag)
			if err != nil {
				return nil, nil, err
			}
			openaiReq.Messages = append(openaiReq.Messages, messages...)
		case "assistant":
			// Convert assistant message with potential tool_use blocks
			openaiMsg, err := convertAssistantMessage(msg)
			if err != nil {
				return nil, nil, err
			}
			openaiReq.Messages = append(openaiReq.Messages, openaiMsg)
		default:
			return nil, nil, proxyerr.New(proxyerr.KindInvalidRequest,
				"messages[%d]: unknown role %q", i, msg.Role)
		}
	}

	// Convert tools from Anthropic format to OpenAI format, preserving order
	// so the rewritten set is stable for fingerprinting
	if len(req.Tools) > 0 {
		tools, err := RewriteTools(req.Tools, caps)
		if err != nil {
			return nil, nil, err
		}
		openaiReq.Tools = tools
		artifacts.Tools = tools
		for i, t := range req.Tools {
			if t.CacheControl != nil {
				artifacts.CacheMarkers = append(artifacts.CacheMarkers, CacheMarker{Location: "tools", Index: i})
			}
		}
	}

	// Convert tool choice
	if len(req.ToolChoice) > 0 {
		openaiReq.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	// Sampling parameters
	openaiReq.Temperature = req.Temperature
	openaiReq.TopP = req.TopP
	if req.TopK != nil {
		if caps.DropTopK {
			diag.Add(proxyerr.KindInvalidRequest, "top_k is not supported by this backend; dropped")
		} else {
			openaiReq.TopK = req.TopK
		}
	}
	if len(req.StopSequences) > 0 {
		stop := req.StopSequences
		if max := caps.Normalize().StopWordMax; len(stop) > max {
			diag.Add(proxyerr.KindInvalidRequest,
				"backend accepts at most %d stop sequences; %d dropped", max, len(stop)-max)
			stop = stop[:max]
		}
		openaiReq.Stop = stop
	}

	// Ask streaming backends to report usage in the final chunk
	if req.Stream {
		openaiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	return openaiReq, artifacts, nil
}

// flattenSystem concatenates the system prompt into a single string and
// collects cache_control marker positions.
func flattenSystem(system *anthropic.SystemPrompt, normalizeWhitespace bool) (string, []CacheMarker) {
	if system == nil {
		return "", nil
	}

	var markers []CacheMarker
	var result strings.Builder

	if system.Blocks == nil {
		result.WriteString(system.Text)
	} else {
		for i, block := range system.Blocks {
			result.WriteString(block.Text)
			if block.CacheControl != nil {
				markers = append(markers, CacheMarker{Location: "system", Index: i})
			}
		}
	}

	text := result.String()
	if normalizeWhitespace {
		text = strings.Join(strings.Fields(text), " ")
	}
	return text, markers
}

// convertUserMessage converts an Anthropic user message to OpenAI format.
// tool_result blocks become separate role="tool" messages, emitted as a
// contiguous group in block order ahead of any remaining user content.
func convertUserMessage(msg anthropic.Message, caps typ.Capabilities, diag *proxyerr.Diagnostics) ([]openai.ChatMessage, error) {
	if msg.Content.Blocks == nil {
		if msg.Content.Text == "" {
			return nil, nil
		}
		return []openai.ChatMessage{{Role: openai.RoleUser, Content: msg.Content.Text}}, nil
	}

	var result []openai.ChatMessage
	var parts []openai.ContentPart
	var textContent strings.Builder

	for i, block := range msg.Content.Blocks {
		switch block.Type {
		case anthropic.BlockTypeText:
			textContent.WriteString(block.Text)
			parts = append(parts, openai.ContentPart{Type: "text", Text: block.Text})

		case anthropic.BlockTypeImage:
			if !caps.SupportsImages {
				diag.Add(proxyerr.KindInvalidRequest, "image block dropped: backend does not support images")
				continue
			}
			part, ok := convertImageBlock(block.Source)
			if !ok {
				diag.Add(proxyerr.KindInvalidRequest, "image block dropped: unrecognized source")
				continue
			}
			parts = append(parts, part)

		case anthropic.BlockTypeToolResult:
			if block.ToolUseID == "" {
				return nil, proxyerr.New(proxyerr.KindInvalidRequest,
					"tool_result block %d is missing tool_use_id", i)
			}
			// Convert tool_result to OpenAI role="tool" message
			result = append(result, openai.ChatMessage{
				Role:       openai.RoleTool,
				ToolCallID: block.ToolUseID,
				Content:    renderToolResultContent(block.Content),
			})

		default:
			diag.Add(proxyerr.KindInvalidRequest, "unknown content block type %q dropped", block.Type)
		}
	}

	hasImage := false
	for _, p := range parts {
		if p.Type == "image_url" {
			hasImage = true
			break
		}
	}

	// If there was regular content alongside tool results, add it as a user
	// message after the tool group
	switch {
	case hasImage:
		result = append(result, openai.ChatMessage{Role: openai.RoleUser, Content: parts})
	case textContent.Len() > 0:
		result = append(result, openai.ChatMessage{Role: openai.RoleUser, Content: textContent.String()})
	}

	return result, nil
}

// convertImageBlock turns an Anthropic image source into an OpenAI image part.
func convertImageBlock(source *anthropic.ImageSource) (openai.ContentPart, bool) {
	if source == nil {
		return openai.ContentPart{}, false
	}
	switch source.Type {
	case "base64":
		url := fmt.Sprintf("data:%s;base64,%s", source.MediaType, source.Data)
		return openai.ContentPart{Type: "image_url", ImageURL: &openai.ImageURL{URL: url}}, true
	case "url":
		return openai.ContentPart{Type: "image_url", ImageURL: &openai.ImageURL{URL: source.URL}}, true
	default:
		return openai.ContentPart{}, false
	}
}

// convertAssistantMessage converts an Anthropic assistant message to OpenAI
// format. text blocks are concatenated into content; each tool_use becomes a
// tool_calls entry with its input re-serialized as a compact JSON string.
func convertAssistantMessage(msg anthropic.Message) (openai.ChatMessage, error) {
	if msg.Content.Blocks == nil {
		return openai.ChatMessage{Role: openai.RoleAssistant, Content: msg.Content.Text}, nil
	}

	var textContent strings.Builder
	var toolCalls []openai.ToolCall

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case anthropic.BlockTypeText:
			textContent.WriteString(block.Text)

		case anthropic.BlockTypeToolUse:
			args, err := stringifyToolInput(block.Input)
			if err != nil {
				return openai.ChatMessage{}, proxyerr.New(proxyerr.KindInvalidRequest,
					"tool_use %q: input is not a JSON object", block.Name)
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	return openai.ChatMessage{
		Role:      openai.RoleAssistant,
		Content:   textContent.String(),
		ToolCalls: toolCalls,
	}, nil
}

// stringifyToolInput re-serializes a tool_use input object to a compact JSON
// string for function.arguments. Anything but a JSON object is an error.
func stringifyToolInput(input json.RawMessage) (string, error) {
	if len(input) == 0 {
		return "{}", nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(input, &obj); err != nil {
		return "", err
	}
	if obj == nil {
		return "{}", nil
	}

	args, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(args), nil
}

// renderToolResultContent renders a tool_result content value to the string
// OpenAI tool messages carry. Text blocks are concatenated; arrays and objects
// of any other shape are forwarded as JSON text.
func renderToolResultContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	parsed := gjson.ParseBytes(content)
	switch {
	case parsed.Type == gjson.String:
		return parsed.String()
	case parsed.IsArray():
		var result strings.Builder
		for _, item := range parsed.Array() {
			if item.IsObject() && item.Get("type").String() == "text" {
				result.WriteString(item.Get("text").String())
			} else if item.IsObject() || item.IsArray() {
				result.WriteString(item.Raw)
			} else {
				result.WriteString(item.String())
			}
		}
		return result.String()
	default:
		return parsed.Raw
	}
}

// convertToolChoice maps an Anthropic tool_choice to the OpenAI form.
func convertToolChoice(tc json.RawMessage) interface{} {
	switch gjson.GetBytes(tc, "type").String() {
	case "tool":
		return map[string]interface{}{
			"type":     "function",
			"function": map[string]interface{}{"name": gjson.GetBytes(tc, "name").String()},
		}
	case "any":
		return "required"
	case "none":
		return "none"
	default:
		return "auto"
	}
}
