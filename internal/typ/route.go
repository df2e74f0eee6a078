package typ

// Route binds a model-name pattern to a backend. Patterns use glob syntax
// ("claude-*", "gpt-4?"); the first matching route wins.
type Route struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	BackendUUID string `json:"backend_uuid" yaml:"backend_uuid"`
}
