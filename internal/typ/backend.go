// Package typ holds the shared value types of the proxy: backend
// descriptors, capability tables, and routing rules.
package typ

import "time"

// APIStyle identifies the protocol a backend speaks natively.
type APIStyle string

const (
	// APIStyleOpenAI marks a Chat Completions backend; requests are translated.
	APIStyleOpenAI APIStyle = "openai"
	// APIStyleAnthropic marks a Messages backend; requests pass through.
	APIStyleAnthropic APIStyle = "anthropic"
)

// Backend describes one upstream endpoint.
type Backend struct {
	UUID     string   `json:"uuid" yaml:"uuid"`
	Name     string   `json:"name" yaml:"name"`
	BaseURL  string   `json:"base_url" yaml:"base_url"`
	APIStyle APIStyle `json:"api_style" yaml:"api_style"` // "openai" or "anthropic", defaults to "openai"
	Token    string   `json:"token,omitempty" yaml:"token,omitempty"`
	// Model overrides the client-requested model when set.
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
}

// Style returns the backend's API style, defaulting to OpenAI.
func (b *Backend) Style() APIStyle {
	if b.APIStyle == "" {
		return APIStyleOpenAI
	}
	return b.APIStyle
}

// Capabilities is the fixed-shape table of per-backend translation and
// lifecycle settings. Every flag has a defined default; zero durations and
// counts mean "use the default".
type Capabilities struct {
	// SupportsImages keeps image blocks in translated requests. When false,
	// image blocks are dropped and a recoverable warning is recorded.
	SupportsImages bool `json:"supports_images" yaml:"supports_images"`
	// SupportsTools forwards tool definitions and tool messages. When false,
	// tools are stripped from the translated request.
	SupportsTools bool `json:"supports_tools" yaml:"supports_tools"`
	// SimplifySchemas drops vendor-specific JSON Schema keywords during the
	// tool rewrite instead of preserving them.
	SimplifySchemas bool `json:"simplify_schemas" yaml:"simplify_schemas"`
	// StrictAdditionalProperties re-adds additionalProperties:false at the
	// schema root when the source schema omitted it.
	StrictAdditionalProperties bool `json:"strict_additional_properties" yaml:"strict_additional_properties"`
	// DropTopK removes top_k from translated requests for backends that
	// reject it.
	DropTopK bool `json:"drop_top_k" yaml:"drop_top_k"`
	// NormalizeSystemWhitespace collapses newline runs in the flattened
	// system prompt. A workaround for backends with brittle JSON handling.
	NormalizeSystemWhitespace bool `json:"normalize_system_whitespace" yaml:"normalize_system_whitespace"`
	// StopWordMax caps the number of stop sequences forwarded. Zero means
	// the default.
	StopWordMax int `json:"stop_word_max,omitempty" yaml:"stop_word_max,omitempty"`

	// KeepaliveIntervalMs is the gap between SSE keep-alive comments while
	// waiting for the first upstream event.
	KeepaliveIntervalMs int64 `json:"keepalive_interval_ms,omitempty" yaml:"keepalive_interval_ms,omitempty"`
	// InactivityTimeoutMs bounds the silence between upstream events.
	InactivityTimeoutMs int64 `json:"inactivity_timeout_ms,omitempty" yaml:"inactivity_timeout_ms,omitempty"`
	// TerminalTimeoutMs bounds the whole stream from message_start.
	TerminalTimeoutMs int64 `json:"terminal_timeout_ms,omitempty" yaml:"terminal_timeout_ms,omitempty"`
}

// Capability defaults.
const (
	DefaultStopWordMax         = 4
	DefaultKeepaliveIntervalMs = 10_000
	DefaultInactivityTimeoutMs = 30_000
	DefaultTerminalTimeoutMs   = 60_000
)

// DefaultCapabilities returns the table every backend starts from.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		SupportsImages:      false,
		SupportsTools:       true,
		StopWordMax:         DefaultStopWordMax,
		KeepaliveIntervalMs: DefaultKeepaliveIntervalMs,
		InactivityTimeoutMs: DefaultInactivityTimeoutMs,
		TerminalTimeoutMs:   DefaultTerminalTimeoutMs,
	}
}

// Normalize fills unset numeric fields with their defaults so callers never
// branch on zero values.
func (c Capabilities) Normalize() Capabilities {
	if c.StopWordMax <= 0 {
		c.StopWordMax = DefaultStopWordMax
	}
	if c.KeepaliveIntervalMs <= 0 {
		c.KeepaliveIntervalMs = DefaultKeepaliveIntervalMs
	}
	if c.InactivityTimeoutMs <= 0 {
		c.InactivityTimeoutMs = DefaultInactivityTimeoutMs
	}
	if c.TerminalTimeoutMs <= 0 {
		c.TerminalTimeoutMs = DefaultTerminalTimeoutMs
	}
	return c
}

// KeepaliveInterval returns the keep-alive gap as a duration.
func (c Capabilities) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMs) * time.Millisecond
}

// InactivityTimeout returns the inter-event silence bound as a duration.
func (c Capabilities) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMs) * time.Millisecond
}

// TerminalTimeout returns the whole-stream ceiling as a duration.
func (c Capabilities) TerminalTimeout() time.Duration {
	return time.Duration(c.TerminalTimeoutMs) * time.Millisecond
}
