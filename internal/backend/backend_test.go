package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

func testBackend(baseURL string) typ.Backend {
	return typ.Backend{
		Name:    "test",
		BaseURL: baseURL + "/v1",
		Token:   "sk-test",
		Enabled: true,
	}
}

func collect(t *testing.T, items <-chan StreamItem) ([]*openai.StreamChunk, error) {
	t.Helper()
	var chunks []*openai.StreamChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case item, open := <-items:
			if !open {
				return chunks, nil
			}
			if item.Err != nil {
				return chunks, item.Err
			}
			chunks = append(chunks, item.Chunk)
		case <-deadline:
			t.Fatal("stream did not close")
			return nil, nil
		}
	}
}

func TestCompletionRoundTrip(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody openai.ChatRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-abc",
			"choices": [{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}
		}`)
	}))
	defer ts.Close()

	c := New()
	resp, err := c.Completion(context.Background(), testBackend(ts.URL), &openai.ChatRequest{
		Model:    "gpt-test",
		Messages: []openai.ChatMessage{{Role: openai.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "gpt-test", gotBody.Model)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 3, resp.Usage.PromptTokens)
}

func TestCompletionBackendError(t *testing.T) {
	t.Run("openai_error_body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`)
		}))
		defer ts.Close()

		_, err := New().Completion(context.Background(), testBackend(ts.URL), &openai.ChatRequest{Model: "gpt-test"})
		require.Error(t, err)

		pe := proxyerr.AsError(err)
		assert.Equal(t, proxyerr.KindBackendRejected, pe.Kind)
		assert.Equal(t, http.StatusTooManyRequests, pe.UpstreamStatus)
		assert.Equal(t, "rate limit exceeded", pe.Message)
	})

	t.Run("plain_text_body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "upstream melted")
		}))
		defer ts.Close()

		_, err := New().Completion(context.Background(), testBackend(ts.URL), &openai.ChatRequest{Model: "gpt-test"})
		pe := proxyerr.AsError(err)
		assert.Equal(t, proxyerr.KindBackendRejected, pe.Kind)
		assert.Equal(t, http.StatusBadGateway, pe.UpstreamStatus)
		assert.Equal(t, "upstream melted", pe.Message)
	})
}

func TestCompletionUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // nothing listens anymore

	_, err := New().Completion(context.Background(), testBackend(ts.URL), &openai.ChatRequest{Model: "gpt-test"})
	require.Error(t, err)
	assert.Equal(t, proxyerr.KindBackendUnavailable, proxyerr.KindOf(err))
}

func TestStreamCompletionReadsToDone(t *testing.T) {
	var gotBody openai.ChatRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			": keep your hats on",
			"event: chunk",
			`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":"he"}}]}`,
			`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"llo"}}]}`,
			`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`data: {"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
			"data: [DONE]",
		} {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	defer ts.Close()

	diag := &proxyerr.Diagnostics{}
	items, err := New().StreamCompletion(context.Background(), testBackend(ts.URL), &openai.ChatRequest{Model: "gpt-test"}, diag)
	require.NoError(t, err)

	chunks, streamErr := collect(t, items)
	require.NoError(t, streamErr)
	require.Len(t, chunks, 4)

	assert.True(t, gotBody.Stream, "streaming is forced on")
	require.NotNil(t, gotBody.StreamOptions)
	assert.True(t, gotBody.StreamOptions.IncludeUsage, "usage reporting is requested")

	assert.Equal(t, "he", chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "stop", chunks[2].Choices[0].FinishReason)
	require.NotNil(t, chunks[3].Usage, "the usage chunk after finish_reason is delivered")
	assert.Equal(t, 7, chunks[3].Usage.PromptTokens)
	assert.Empty(t, diag.Items())
}

func TestStreamCompletionSkipsMalformedChunk(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"a"}}]}`,
			`data: {this is not json`,
			`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"b"}}]}`,
			"data: [DONE]",
		} {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	defer ts.Close()

	diag := &proxyerr.Diagnostics{}
	items, err := New().StreamCompletion(context.Background(), testBackend(ts.URL), &openai.ChatRequest{Model: "gpt-test"}, diag)
	require.NoError(t, err)

	chunks, streamErr := collect(t, items)
	require.NoError(t, streamErr)
	require.Len(t, chunks, 2, "the bad chunk is skipped, not fatal")
	assert.Equal(t, "a", chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "b", chunks[1].Choices[0].Delta.Content)

	diags := diag.Items()
	require.Len(t, diags, 1)
	assert.Equal(t, proxyerr.KindStreamProtocol, diags[0].Kind)
}

func TestStreamCompletionAbruptEOF(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n")
		w.(http.Flusher).Flush()
		// Handler returns without [DONE]; the body ends cleanly.
	}))
	defer ts.Close()

	diag := &proxyerr.Diagnostics{}
	items, err := New().StreamCompletion(context.Background(), testBackend(ts.URL), &openai.ChatRequest{Model: "gpt-test"}, diag)
	require.NoError(t, err)

	chunks, streamErr := collect(t, items)
	require.NoError(t, streamErr, "EOF without DONE is end-of-stream, not an error")
	require.Len(t, chunks, 1)
}

func TestStreamCompletionRejectedBeforeStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer ts.Close()

	_, err := New().StreamCompletion(context.Background(), testBackend(ts.URL), &openai.ChatRequest{Model: "gpt-test"}, &proxyerr.Diagnostics{})
	require.Error(t, err)

	pe := proxyerr.AsError(err)
	assert.Equal(t, proxyerr.KindBackendRejected, pe.Kind)
	assert.Equal(t, http.StatusUnauthorized, pe.UpstreamStatus)
	assert.Equal(t, "bad key", pe.Message)
}

func TestStreamCompletionCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	items, err := New().StreamCompletion(ctx, testBackend(ts.URL), &openai.ChatRequest{Model: "gpt-test"}, &proxyerr.Diagnostics{})
	require.NoError(t, err)

	first, open := <-items
	require.True(t, open)
	require.NoError(t, first.Err)
	require.NotNil(t, first.Chunk)

	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-items:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestDoPassthrough(t *testing.T) {
	var gotPath, gotAPIKey, gotAuth, gotVersion string
	var gotBody []byte

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("x-api-key")
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("anthropic-version")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer ts.Close()

	be := typ.Backend{
		Name:     "anthropic-upstream",
		BaseURL:  ts.URL,
		APIStyle: typ.APIStyleAnthropic,
		Token:    "sk-ant-test",
	}

	header := http.Header{}
	header.Set("anthropic-version", "2023-06-01")
	header.Set("Authorization", "Bearer client-token")

	resp, err := New().Do(context.Background(), be, http.MethodPost, "/v1/messages",
		header, strings.NewReader(`{"model":"claude-sonnet-4-5"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "2023-06-01", gotVersion, "client headers are forwarded")
	assert.Equal(t, "sk-ant-test", gotAPIKey, "the backend token replaces client auth")
	assert.Empty(t, gotAuth)
	assert.JSONEq(t, `{"model":"claude-sonnet-4-5"}`, string(gotBody))
}
