// Package backend is the HTTP client for upstream completion endpoints:
// JSON round-trips for non-streaming calls, SSE decoding for streaming ones,
// and raw forwarding for passthrough routes. Failures come back classified;
// callers never inspect HTTP status codes themselves.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

const (
	completionsPath = "/chat/completions"
	doneSentinel    = "[DONE]"
	maxErrorBody    = 32 * 1024

	// Scanner limits for SSE lines. Single chunks can carry whole tool
	// argument documents.
	scanBufSize = 64 * 1024
	scanBufMax  = 1024 * 1024
)

// StreamItem is one parsed chunk of a streaming completion, or the terminal
// error. After an item with Err != nil the channel closes.
type StreamItem struct {
	Chunk *openai.StreamChunk
	Err   error
}

// Client talks to upstream backends. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client. The default transport has no overall timeout: streams
// legitimately run for minutes. Connect, TLS and first-header waits are
// bounded instead; silence after that is the stream translator's watchdog
// territory.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 300 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Completion posts req and decodes a full, non-streaming response.
func (c *Client) Completion(ctx context.Context, be typ.Backend, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	resp, err := c.postJSON(ctx, be, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readErrorResponse(resp)
	}

	var out openai.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindStreamProtocol, err, "decoding completion response from %s", be.Name)
	}
	return &out, nil
}

// StreamCompletion posts req with streaming forced on and returns a channel
// of parsed chunks. The reader runs until [DONE] or EOF so the trailing
// usage-only chunk is never lost; it stops early only on a read error or
// when ctx is cancelled. Chunks that fail to parse are skipped and recorded
// on diag. The channel always closes.
func (c *Client) StreamCompletion(ctx context.Context, be typ.Backend, req *openai.ChatRequest, diag *proxyerr.Diagnostics) (<-chan StreamItem, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	resp, err := c.postJSON(ctx, be, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readErrorResponse(resp)
	}

	items := make(chan StreamItem)
	go c.readStream(ctx, be, resp, items, diag)
	return items, nil
}

// Do forwards a raw request to the backend, for passthrough routes. The
// caller filters headers beforehand and owns the response body.
func (c *Client) Do(ctx context.Context, be typ.Backend, method, path string, header http.Header, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, joinURL(be.BaseURL, path), body)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInvalidRequest, err, "building upstream request")
	}
	for k, vs := range header {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	applyAuth(httpReq, be)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, be, err)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, be typ.Backend, req *openai.ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInvalidRequest, err, "encoding upstream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(be.BaseURL, completionsPath), bytes.NewReader(body))
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInvalidRequest, err, "building upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	applyAuth(httpReq, be)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, be, err)
	}
	return resp, nil
}

func (c *Client) readStream(ctx context.Context, be typ.Backend, resp *http.Response, items chan<- StreamItem, diag *proxyerr.Diagnostics) {
	defer close(items)
	defer resp.Body.Close()

	// A blocked Read only returns once the body is closed under it.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-readerDone:
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, scanBufSize), scanBufMax)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// event:/id: framing lines carry no payload here.
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneSentinel {
			return
		}

		var chunk openai.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			diag.Add(proxyerr.KindStreamProtocol, "skipped malformed chunk from %s: %v", be.Name, err)
			logrus.Debugf("backend %s: skipped malformed chunk: %v", be.Name, err)
			continue
		}
		if !send(ctx, items, StreamItem{Chunk: &chunk}) {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(ctx, items, StreamItem{Err: proxyerr.Wrap(proxyerr.KindBackendUnavailable, err, "stream from %s broke", be.Name)})
	}
}

func send(ctx context.Context, items chan<- StreamItem, item StreamItem) bool {
	select {
	case items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func applyAuth(req *http.Request, be typ.Backend) {
	if be.Token == "" {
		return
	}
	if be.Style() == typ.APIStyleAnthropic {
		req.Header.Set("x-api-key", be.Token)
		req.Header.Del("Authorization")
	} else {
		req.Header.Set("Authorization", "Bearer "+be.Token)
	}
}

// readErrorResponse turns a non-200 upstream response into a BackendRejected
// error carrying the upstream status and the clearest message the body
// offers.
func readErrorResponse(resp *http.Response) *proxyerr.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(body))
	var parsed openai.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	return proxyerr.Rejected(resp.StatusCode, "%s", msg)
}

func classifyTransportError(ctx context.Context, be typ.Backend, err error) *proxyerr.Error {
	if ctx.Err() == context.Canceled {
		return proxyerr.Wrap(proxyerr.KindClientCancelled, err, "request cancelled")
	}
	return proxyerr.Wrap(proxyerr.KindBackendUnavailable, err, "backend %s unreachable", be.Name)
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
