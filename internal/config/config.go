package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/babelgate/babelgate/internal/canonical"
)

const (
	DefaultPort = 7070
	DefaultHost = "127.0.0.1"

	jsonConfigFilename = "config.json"
	yamlConfigFilename = "config.yaml"
)

// Duration wraps time.Duration so config files can say "30s" in both JSON
// and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Retry bounds the transport's reconnect attempts for one request.
type Retry struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
}

// Backend describes one upstream endpoint.
type Backend struct {
	Name     string   `json:"name" yaml:"name"`
	BaseURL  string   `json:"base_url" yaml:"base_url"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Protocol string   `json:"protocol" yaml:"protocol"`
	Models   []string `json:"models,omitempty" yaml:"models,omitempty"`

	ConnectTimeout  Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	ReadIdleTimeout Duration `json:"read_idle_timeout,omitempty" yaml:"read_idle_timeout,omitempty"`
	StreamTimeout   Duration `json:"stream_timeout,omitempty" yaml:"stream_timeout,omitempty"`

	Retry Retry `json:"retry,omitempty" yaml:"retry,omitempty"`

	// MaxConcurrent caps simultaneous streaming requests to this backend;
	// zero means unbounded. BackpressureWait is how long a request over
	// the cap may queue before failing overloaded; zero fails immediately.
	MaxConcurrent    int      `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	BackpressureWait Duration `json:"backpressure_wait,omitempty" yaml:"backpressure_wait,omitempty"`
}

// Variant returns the backend's protocol as a canonical variant.
func (b *Backend) Variant() canonical.ProtocolVariant {
	return canonical.ProtocolVariant(b.Protocol)
}

// Rule routes models matching Prefix to a backend, optionally rewriting the
// model name on the way out.
type Rule struct {
	Prefix       string `json:"prefix" yaml:"prefix"`
	Backend      string `json:"backend" yaml:"backend"`
	RewriteModel string `json:"rewrite_model,omitempty" yaml:"rewrite_model,omitempty"`
}

// Router selects backends. Rules are checked in order; the first prefix
// match wins, then the long-context route, then the default backend.
type Router struct {
	Default           string `json:"default" yaml:"default"`
	Rules             []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
	LongContext       string `json:"long_context,omitempty" yaml:"long_context,omitempty"`
	LongContextTokens int    `json:"long_context_tokens,omitempty" yaml:"long_context_tokens,omitempty"`
}

// Cache controls the response cache.
type Cache struct {
	TTL      Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Capacity int      `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	// CacheableModels are write-through even at nonzero temperature.
	CacheableModels []string `json:"cacheable_models,omitempty" yaml:"cacheable_models,omitempty"`
}

type Config struct {
	Host     string    `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int       `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey   string    `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Backends []Backend `json:"backends" yaml:"backends"`
	Router   Router    `json:"router" yaml:"router"`
	Cache    Cache     `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// Backend returns the named backend, or nil.
func (c *Config) Backend(name string) *Backend {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i]
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.ConnectTimeout == 0 {
			b.ConnectTimeout = Duration(10 * time.Second)
		}
		if b.ReadIdleTimeout == 0 {
			b.ReadIdleTimeout = Duration(90 * time.Second)
		}
		if b.StreamTimeout == 0 {
			b.StreamTimeout = Duration(10 * time.Minute)
		}
		if b.Retry.MaxAttempts == 0 {
			b.Retry.MaxAttempts = 1
		}
		if b.Retry.InitialBackoff == 0 {
			b.Retry.InitialBackoff = Duration(200 * time.Millisecond)
		}
		if b.Retry.MaxBackoff == 0 {
			b.Retry.MaxBackoff = Duration(5 * time.Second)
		}
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(5 * time.Minute)
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 1024
	}
	if c.Router.LongContextTokens == 0 {
		c.Router.LongContextTokens = 60000
	}
}

// Validate rejects configurations the gateway cannot route with.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	seen := map[string]bool{}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
		if b.BaseURL == "" {
			return fmt.Errorf("backend %q: base_url is required", b.Name)
		}
		if !canonical.KnownVariant(b.Variant()) {
			return fmt.Errorf("backend %q: unknown protocol %q", b.Name, b.Protocol)
		}
	}
	if c.Router.Default == "" {
		return fmt.Errorf("router.default is required")
	}
	if !seen[c.Router.Default] {
		return fmt.Errorf("router.default %q is not a configured backend", c.Router.Default)
	}
	for i, r := range c.Router.Rules {
		if !seen[r.Backend] {
			return fmt.Errorf("router.rules[%d]: backend %q is not configured", i, r.Backend)
		}
	}
	if c.Router.LongContext != "" && !seen[c.Router.LongContext] {
		return fmt.Errorf("router.long_context %q is not a configured backend", c.Router.LongContext)
	}
	return nil
}

// Manager loads and holds the active configuration. Readers get a consistent
// snapshot; Load swaps it atomically.
type Manager struct {
	baseDir     string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Path returns the config file in use: config.json if present, otherwise
// config.yaml, defaulting to config.json for writes.
func (m *Manager) Path() string {
	jsonPath := filepath.Join(m.baseDir, jsonConfigFilename)
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	yamlPath := filepath.Join(m.baseDir, yamlConfigFilename)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	return jsonPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.Path())
	return err == nil
}

func (m *Manager) Load() (*Config, error) {
	path := m.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data, path)
	if err != nil {
		return nil, err
	}

	m.configValue.Store(cfg)
	return cfg, nil
}

// Parse decodes, defaults, and validates config bytes. The path's extension
// picks the format.
func Parse(data []byte, path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns the active snapshot, loading on first use.
func (m *Manager) Get() (*Config, error) {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config), nil
	}
	return m.Load()
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.baseDir, jsonConfigFilename), data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}
