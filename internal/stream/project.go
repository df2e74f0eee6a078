package stream

import "github.com/crosstalk-dev/crosstalk/internal/apischema/openai"

// Projector maps completion chunks onto translator events. Its only state is
// the chunk-index-to-tool-id table needed to resolve argument fragments that
// arrive without an id; ordering and dedup policy stay in the Translator.
type Projector struct {
	toolIDs map[int]string
}

// NewProjector returns a Projector for one stream.
func NewProjector() *Projector {
	return &Projector{toolIDs: make(map[int]string)}
}

// Project converts one chunk into zero or more events, in emission order.
// Only choice 0 is read. A trailing usage-only chunk (stream_options)
// projects to a finish event that refines the one carrying finish_reason.
func (p *Projector) Project(chunk *openai.StreamChunk) []Event {
	var events []Event

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			events = append(events, Event{Type: EventTextDelta, Text: choice.Delta.Content})
		}
		if choice.Delta.Refusal != "" {
			events = append(events, Event{Type: EventTextDelta, Text: choice.Delta.Refusal})
		}
		for _, tc := range choice.Delta.ToolCalls {
			events = append(events, p.projectToolFragment(tc)...)
		}
		if choice.FinishReason != "" {
			events = append(events, Event{Type: EventFinish, StopReason: choice.FinishReason})
		}
	}

	if chunk.Usage != nil {
		events = append(events, Event{Type: EventFinish, Usage: chunk.Usage})
	}

	return events
}

func (p *Projector) projectToolFragment(tc openai.DeltaToolCall) []Event {
	known, started := p.toolIDs[tc.Index]

	switch {
	case started && (tc.ID == "" || tc.ID == known):
		// Continuation of the call already open at this index.
		if tc.Function.Arguments == "" {
			return nil
		}
		return []Event{{Type: EventToolInputDelta, ID: known, Delta: tc.Function.Arguments}}

	case tc.ID == "":
		// Arguments for an index that never announced an id. Forwarded
		// without one; the translator decides whether it can recover.
		if tc.Function.Arguments == "" {
			return nil
		}
		return []Event{{Type: EventToolInputDelta, Delta: tc.Function.Arguments}}

	default:
		// First fragment for this index, or a backend reusing the index for
		// a new call.
		p.toolIDs[tc.Index] = tc.ID
		events := []Event{{Type: EventToolInputStart, ID: tc.ID, Name: tc.Function.Name}}
		if tc.Function.Arguments != "" {
			events = append(events, Event{Type: EventToolInputDelta, ID: tc.ID, Delta: tc.Function.Arguments})
		}
		return events
	}
}
