package adaptor

import (
	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go/v3"

	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
)

// Stop reason string constants
const (
	openaiFinishReasonToolCalls = "tool_calls"

	StopReasonEndTurn   = string(anthropicsdk.StopReasonEndTurn)
	StopReasonMaxTokens = string(anthropicsdk.StopReasonMaxTokens)
	StopReasonToolUse   = string(anthropicsdk.StopReasonToolUse)
)

// MapFinishReason converts an OpenAI finish_reason to an Anthropic
// stop_reason. content_filter has no stable Anthropic equivalent, so it maps
// to end_turn and the filtering is recorded as a recoverable error.
func MapFinishReason(finishReason string, diag *proxyerr.Diagnostics) string {
	switch finishReason {
	case string(openaisdk.CompletionChoiceFinishReasonStop):
		return StopReasonEndTurn
	case string(openaisdk.CompletionChoiceFinishReasonLength):
		return StopReasonMaxTokens
	case openaiFinishReasonToolCalls:
		return StopReasonToolUse
	case string(openaisdk.CompletionChoiceFinishReasonContentFilter):
		diag.Add(proxyerr.KindBackendRejected, "backend filtered the completion (finish_reason=content_filter)")
		return StopReasonEndTurn
	default:
		return StopReasonEndTurn
	}
}
