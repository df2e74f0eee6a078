// Package config persists the proxy configuration: upstream backends, the
// model routing table, server address, trace recording, metrics, and inbound
// auth. Files live under ~/.crosstalk and are JSON or YAML, chosen by
// extension. All accessors are safe for concurrent use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

// ConfigDirName is the per-user directory holding config, logs, and the
// usage database.
const ConfigDirName = ".crosstalk"

// DefaultConfigFile is created when no config file exists yet.
const DefaultConfigFile = "config.json"

// configFileNames, in preference order, when resolving an existing file.
var configFileNames = []string{"config.json", "config.yaml", "config.yml"}

// DefaultDir returns the config directory path (default: ~/.crosstalk).
func DefaultDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fall back to a relative directory when home is not resolvable.
		return ConfigDirName
	}
	return filepath.Join(homeDir, ConfigDirName)
}

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RecordConfig controls request trace recording.
type RecordConfig struct {
	// Enabled turns JSONL trace files on.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Dir is the trace directory. Empty means <configDir>/traces.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Filter is an expression over {StatusCode, Mode, Model, Backend,
	// Streamed} deciding whether a trace is persisted. Empty records all.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// MetricsConfig controls the usage accounting pipeline.
type MetricsConfig struct {
	// Enabled turns per-request usage rows on.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Database is the sqlite file. Empty means <configDir>/usage.db.
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	// IntervalSeconds is the metric export period. Zero means 30.
	IntervalSeconds int `json:"interval_seconds,omitempty" yaml:"interval_seconds,omitempty"`
}

// AuthConfig controls inbound API-key validation.
type AuthConfig struct {
	// Enabled requires a minted crosstalk API key on every request.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Secret signs minted keys. Generated on first run.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// Config is the root configuration. Exported fields serialize; the file path
// and lock do not.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Backends []*typ.Backend `json:"backends" yaml:"backends"`
	Routes   []typ.Route    `json:"routes,omitempty" yaml:"routes,omitempty"`
	// DefaultBackend is the UUID or name used when no route matches.
	DefaultBackend string        `json:"default_backend,omitempty" yaml:"default_backend,omitempty"`
	Record         RecordConfig  `json:"record" yaml:"record"`
	Metrics        MetricsConfig `json:"metrics" yaml:"metrics"`
	Auth           AuthConfig    `json:"auth" yaml:"auth"`
	// Verbose enables request-level logging.
	Verbose bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`

	ConfigFile string `json:"-" yaml:"-"`
	ConfigDir  string `json:"-" yaml:"-"`

	mu sync.RWMutex
}

// New loads (or creates) the configuration in the default directory.
func New() (*Config, error) {
	return NewWithDir(DefaultDir())
}

// NewWithDir loads the configuration from dir, creating the directory and a
// default config file when absent. An existing config.yaml or config.yml is
// preferred over creating config.json.
func NewWithDir(dir string) (*Config, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return NewWithFile(resolveConfigFile(dir))
}

// NewWithFile loads the configuration from an explicit file path. A missing
// file is populated with defaults and saved.
func NewWithFile(file string) (*Config, error) {
	if file == "" {
		return nil, fmt.Errorf("config file path is empty")
	}
	cfg := &Config{
		ConfigFile: file,
		ConfigDir:  filepath.Dir(file),
	}
	if err := cfg.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg.applyDefaults()
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	// Existing configs still get generated fields filled in.
	changed := cfg.fillGenerated()
	if changed {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to update config: %w", err)
		}
	}
	return cfg, nil
}

// resolveConfigFile picks the first existing config file in dir, else the
// default JSON path.
func resolveConfigFile(dir string) string {
	for _, name := range configFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join(dir, DefaultConfigFile)
}

// applyDefaults fills a fresh Config.
func (c *Config) applyDefaults() {
	c.Server = ServerConfig{Host: "127.0.0.1", Port: 8787}
	c.Backends = []*typ.Backend{}
	c.Routes = nil
	c.Record = RecordConfig{Enabled: false}
	c.Metrics = MetricsConfig{Enabled: true}
	c.Auth = AuthConfig{Enabled: false}
	c.fillGenerated()
}

// fillGenerated mints values that must exist even in hand-written configs.
// Returns true when anything changed.
func (c *Config) fillGenerated() bool {
	changed := false
	if c.Auth.Secret == "" {
		c.Auth.Secret = uuid.NewString()
		changed = true
	}
	for _, be := range c.Backends {
		if be.UUID == "" {
			be.UUID = uuid.NewString()
			changed = true
		}
	}
	return changed
}

// load reads the config file, dispatching on extension.
func (c *Config) load() error {
	configFile := c.ConfigFile
	configDir := c.ConfigDir

	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}

	if isYAMLFile(configFile) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(configFile), err)
	}

	// Restore paths clobbered by unmarshaling into self.
	c.ConfigFile = configFile
	c.ConfigDir = configDir
	return nil
}

// Save writes the configuration back to its file in the file's own format.
func (c *Config) Save() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("ConfigFile is empty")
	}
	var (
		data []byte
		err  error
	)
	if isYAMLFile(c.ConfigFile) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "    ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigFile, data, 0644)
}

// Reload re-reads the config file in place.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func isYAMLFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// TraceDir returns the directory trace files are written to.
func (c *Config) TraceDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Record.Dir != "" {
		return c.Record.Dir
	}
	return filepath.Join(c.ConfigDir, "traces")
}

// UsageDatabase returns the sqlite file backing usage accounting.
func (c *Config) UsageDatabase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Metrics.Database != "" {
		return c.Metrics.Database
	}
	return filepath.Join(c.ConfigDir, "usage.db")
}

// MetricsInterval returns the export period in seconds.
func (c *Config) MetricsInterval() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Metrics.IntervalSeconds > 0 {
		return c.Metrics.IntervalSeconds
	}
	return 30
}

// GetServer returns the server section.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer replaces the server section.
func (c *Config) SetServer(s ServerConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = s
	return c.Save()
}

// GetRecord returns the trace recording section.
func (c *Config) GetRecord() RecordConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Record
}

// GetMetrics returns the metrics section.
func (c *Config) GetMetrics() MetricsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Metrics
}

// GetAuth returns the auth section.
func (c *Config) GetAuth() AuthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth
}

// SetAuthEnabled toggles inbound API-key validation. The signing
// secret is kept either way so previously minted keys stay valid.
func (c *Config) SetAuthEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Auth.Enabled = enabled
	return c.Save()
}

// GetVerbose reports whether request-level logging is on.
func (c *Config) GetVerbose() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Verbose
}

// SetVerbose toggles request-level logging.
func (c *Config) SetVerbose(verbose bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Verbose = verbose
	return c.Save()
}

// ListBackends returns all configured backends.
func (c *Config) ListBackends() []*typ.Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*typ.Backend, len(c.Backends))
	copy(out, c.Backends)
	return out
}

// GetBackendByUUID returns the backend with the given UUID.
func (c *Config) GetBackendByUUID(id string) (*typ.Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, be := range c.Backends {
		if be.UUID == id {
			return be, nil
		}
	}
	return nil, fmt.Errorf("backend with UUID %s not found", id)
}

// GetBackendByName returns the backend with the given name.
func (c *Config) GetBackendByName(name string) (*typ.Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, be := range c.Backends {
		if be.Name == name {
			return be, nil
		}
	}
	return nil, fmt.Errorf("backend with name %s not found", name)
}

// ResolveBackend accepts a UUID or a name.
func (c *Config) ResolveBackend(ref string) (*typ.Backend, error) {
	if be, err := c.GetBackendByUUID(ref); err == nil {
		return be, nil
	}
	return c.GetBackendByName(ref)
}

// AddBackend adds a backend. Names must be unique; a missing UUID is minted.
func (c *Config) AddBackend(be *typ.Backend) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if be.Name == "" {
		return fmt.Errorf("backend name is empty")
	}
	for _, existing := range c.Backends {
		if existing.Name == be.Name {
			return fmt.Errorf("backend with name %s already exists", be.Name)
		}
	}
	if be.UUID == "" {
		be.UUID = uuid.NewString()
	}
	c.Backends = append(c.Backends, be)
	return c.Save()
}

// UpdateBackend replaces the backend with the given UUID.
func (c *Config) UpdateBackend(id string, be *typ.Backend) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.Backends {
		if existing.UUID == id {
			be.UUID = id
			c.Backends[i] = be
			return c.Save()
		}
	}
	return fmt.Errorf("backend with UUID %s not found", id)
}

// DeleteBackend removes the backend with the given UUID.
func (c *Config) DeleteBackend(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.Backends {
		if existing.UUID == id {
			c.Backends = append(c.Backends[:i], c.Backends[i+1:]...)
			return c.Save()
		}
	}
	return fmt.Errorf("backend with UUID %s not found", id)
}

// GetRoutes returns the routing table in evaluation order.
func (c *Config) GetRoutes() []typ.Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]typ.Route, len(c.Routes))
	copy(out, c.Routes)
	return out
}

// SetRoutes replaces the routing table.
func (c *Config) SetRoutes(routes []typ.Route) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Routes = routes
	return c.Save()
}

// GetDefaultBackend returns the fallback backend reference (UUID or name).
func (c *Config) GetDefaultBackend() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultBackend
}

// SetDefaultBackend sets the fallback backend reference.
func (c *Config) SetDefaultBackend(ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultBackend = ref
	return c.Save()
}

// JWTSecret returns the signing secret for inbound API keys.
func (c *Config) JWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth.Secret
}
