package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
)

func textChunk(text string) *openai.StreamChunk {
	return &openai.StreamChunk{Choices: []openai.StreamChoice{{Delta: openai.Delta{Content: text}}}}
}

func toolChunk(calls ...openai.DeltaToolCall) *openai.StreamChunk {
	return &openai.StreamChunk{Choices: []openai.StreamChoice{{Delta: openai.Delta{ToolCalls: calls}}}}
}

func TestProjectorText(t *testing.T) {
	p := NewProjector()

	events := p.Project(textChunk("hello"))
	require.Len(t, events, 1)
	assert.Equal(t, EventTextDelta, events[0].Type)
	assert.Equal(t, "hello", events[0].Text)
}

func TestProjectorRefusalAsText(t *testing.T) {
	p := NewProjector()

	events := p.Project(&openai.StreamChunk{Choices: []openai.StreamChoice{{
		Delta: openai.Delta{Refusal: "cannot help with that"},
	}}})
	require.Len(t, events, 1)
	assert.Equal(t, EventTextDelta, events[0].Type)
	assert.Equal(t, "cannot help with that", events[0].Text)
}

func TestProjectorRoleOnlyChunk(t *testing.T) {
	p := NewProjector()

	events := p.Project(&openai.StreamChunk{Choices: []openai.StreamChoice{{
		Delta: openai.Delta{Role: "assistant"},
	}}})
	assert.Empty(t, events, "the role announcement chunk carries nothing")
}

func TestProjectorToolFragments(t *testing.T) {
	p := NewProjector()

	first := p.Project(toolChunk(openai.DeltaToolCall{
		Index:    0,
		ID:       "call_1",
		Function: openai.FunctionCall{Name: "read", Arguments: `{"pa`},
	}))
	require.Len(t, first, 2)
	assert.Equal(t, EventToolInputStart, first[0].Type)
	assert.Equal(t, "call_1", first[0].ID)
	assert.Equal(t, "read", first[0].Name)
	assert.Equal(t, EventToolInputDelta, first[1].Type)
	assert.Equal(t, "call_1", first[1].ID)
	assert.Equal(t, `{"pa`, first[1].Delta)

	cont := p.Project(toolChunk(openai.DeltaToolCall{
		Index:    0,
		Function: openai.FunctionCall{Arguments: `th":"x"}`},
	}))
	require.Len(t, cont, 1)
	assert.Equal(t, EventToolInputDelta, cont[0].Type)
	assert.Equal(t, "call_1", cont[0].ID, "id resolved from the fragment index")
	assert.Equal(t, `th":"x"}`, cont[0].Delta)
}

func TestProjectorToolStartWithoutArguments(t *testing.T) {
	p := NewProjector()

	events := p.Project(toolChunk(openai.DeltaToolCall{
		Index:    0,
		ID:       "call_1",
		Function: openai.FunctionCall{Name: "read"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, EventToolInputStart, events[0].Type)
}

func TestProjectorParallelToolCalls(t *testing.T) {
	p := NewProjector()

	events := p.Project(toolChunk(
		openai.DeltaToolCall{Index: 0, ID: "call_a", Function: openai.FunctionCall{Name: "read", Arguments: "{}"}},
		openai.DeltaToolCall{Index: 1, ID: "call_b", Function: openai.FunctionCall{Name: "grep", Arguments: "{}"}},
	))
	require.Len(t, events, 4)
	assert.Equal(t, EventToolInputStart, events[0].Type)
	assert.Equal(t, "call_a", events[0].ID)
	assert.Equal(t, EventToolInputStart, events[2].Type)
	assert.Equal(t, "call_b", events[2].ID)
}

func TestProjectorIndexReuseOpensNewCall(t *testing.T) {
	p := NewProjector()

	p.Project(toolChunk(openai.DeltaToolCall{
		Index: 0, ID: "call_1", Function: openai.FunctionCall{Name: "read", Arguments: "{}"},
	}))
	events := p.Project(toolChunk(openai.DeltaToolCall{
		Index: 0, ID: "call_2", Function: openai.FunctionCall{Name: "grep", Arguments: "{}"},
	}))
	require.Len(t, events, 2)
	assert.Equal(t, EventToolInputStart, events[0].Type)
	assert.Equal(t, "call_2", events[0].ID)
}

func TestProjectorOrphanFragmentKeptWithoutID(t *testing.T) {
	p := NewProjector()

	events := p.Project(toolChunk(openai.DeltaToolCall{
		Index:    3,
		Function: openai.FunctionCall{Arguments: `{"x":1}`},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, EventToolInputDelta, events[0].Type)
	assert.Empty(t, events[0].ID, "unresolvable fragments are forwarded for the translator to judge")
}

func TestProjectorFinishAndUsage(t *testing.T) {
	p := NewProjector()

	finish := p.Project(&openai.StreamChunk{Choices: []openai.StreamChoice{{FinishReason: "tool_calls"}}})
	require.Len(t, finish, 1)
	assert.Equal(t, EventFinish, finish[0].Type)
	assert.Equal(t, "tool_calls", finish[0].StopReason)
	assert.Nil(t, finish[0].Usage)

	trailing := p.Project(&openai.StreamChunk{Usage: &openai.Usage{PromptTokens: 25, CompletionTokens: 11}})
	require.Len(t, trailing, 1)
	assert.Equal(t, EventFinish, trailing[0].Type)
	assert.Empty(t, trailing[0].StopReason)
	require.NotNil(t, trailing[0].Usage)
	assert.Equal(t, 25, trailing[0].Usage.PromptTokens)
}

func TestProjectorTextAndFinishInOneChunk(t *testing.T) {
	p := NewProjector()

	events := p.Project(&openai.StreamChunk{Choices: []openai.StreamChoice{{
		Delta:        openai.Delta{Content: "bye"},
		FinishReason: "stop",
	}}})
	require.Len(t, events, 2)
	assert.Equal(t, EventTextDelta, events[0].Type)
	assert.Equal(t, EventFinish, events[1].Type)
}

func TestProjectorEmptyChunk(t *testing.T) {
	p := NewProjector()
	assert.Empty(t, p.Project(&openai.StreamChunk{}))
}

// The projector and translator together turn a realistic chunk sequence into
// a grammatical Anthropic stream.
func TestProjectorTranslatorPipeline(t *testing.T) {
	chunks := []*openai.StreamChunk{
		{Choices: []openai.StreamChoice{{Delta: openai.Delta{Role: "assistant"}}}},
		textChunk("Let me check."),
		toolChunk(openai.DeltaToolCall{
			Index: 0, ID: "call_w", Function: openai.FunctionCall{Name: "weather", Arguments: `{"city":`},
		}),
		toolChunk(openai.DeltaToolCall{
			Index: 0, Function: openai.FunctionCall{Arguments: `"Tokyo"}`},
		}),
		{Choices: []openai.StreamChoice{{FinishReason: "tool_calls"}}},
		{Usage: &openai.Usage{PromptTokens: 25, CompletionTokens: 11}},
	}

	p := NewProjector()
	var evs []Event
	for _, chunk := range chunks {
		evs = append(evs, p.Project(chunk)...)
	}

	w, res, diag := runEvents(t, evs, testOptions())
	got := w.snapshot()
	assertGrammar(t, got)

	assert.Equal(t, "tool_use", res.StopReason)
	assert.Equal(t, 25, res.Usage.InputTokens)
	assert.Equal(t, 11, res.Usage.OutputTokens)
	assert.Empty(t, diag.Items())
}
