package token

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
)

// EstimateText counts tokens in a single string, falling back to a
// chars/4 approximation when the encoder is unavailable.
func EstimateText(text string) int {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return len(text) / 4
	}
	count, err := enc.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimateBytes counts tokens in a raw byte payload. Used for prompt
// artifacts where the caller already holds serialized JSON.
func EstimateBytes(b []byte) int {
	return EstimateText(string(b))
}

// EstimateRequestTokens approximates input tokens for an Anthropic
// Messages request using tiktoken. Image blocks are skipped; this is an
// approximation for text and tool content.
func EstimateRequestTokens(req *anthropic.MessagesRequest) (int, error) {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return 0, fmt.Errorf("failed to get tokenizer: %w", err)
	}

	// Helper function to count tokens with fallback to character/4 estimate
	countOrEstimate := func(text string) int {
		c, err := enc.Count(text)
		if err != nil {
			return len(text) / 4
		}
		return c
	}

	totalTokens := 0

	// Count tokens in the system prompt
	if req.System != nil {
		totalTokens += countOrEstimate(req.System.Text)
		for _, block := range req.System.Blocks {
			totalTokens += countOrEstimate(block.Text)
		}
	}

	// Count tokens in regular messages
	for _, msg := range req.Messages {
		totalTokens += countOrEstimate(msg.Role)

		if msg.Content.Blocks == nil {
			totalTokens += countOrEstimate(msg.Content.Text)
			continue
		}
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case anthropic.BlockTypeText:
				totalTokens += countOrEstimate(block.Text)
			case anthropic.BlockTypeToolUse:
				totalTokens += countOrEstimate(block.Name)
				totalTokens += countOrEstimate(string(block.Input))
			case anthropic.BlockTypeToolResult:
				totalTokens += countOrEstimate(string(block.Content))
			}
		}
	}

	// Count tokens in tool definitions
	for _, tool := range req.Tools {
		totalTokens += countOrEstimate(tool.Name)
		totalTokens += countOrEstimate(tool.Description)
		totalTokens += countOrEstimate(string(tool.InputSchema))
	}

	// Add some overhead for the request format (approximately)
	totalTokens += 3

	return totalTokens, nil
}
