package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultModelTimeoutSeconds = 20
	DefaultCooldownSeconds     = 300
	DefaultModelsEndpoint      = "/v1/models"
	DefaultRingSize            = 500
	DefaultRetentionDays       = 7
	DefaultHost                = "0.0.0.0"
	DefaultPort                = 8000
)

// Preferences hold gateway-wide tunables. CooldownPeriod is a pointer so an
// explicit `cooldown_period: 0` (cooldown disabled) survives the default.
type Preferences struct {
	ModelTimeout   int    `yaml:"model_timeout,omitempty"`
	CooldownPeriod *int   `yaml:"cooldown_period,omitempty"`
	Proxy          string `yaml:"proxy,omitempty"`
}

func (p Preferences) CooldownSeconds() int {
	if p.CooldownPeriod == nil {
		return DefaultCooldownSeconds
	}
	return *p.CooldownPeriod
}

// ModelEntry is one element of a provider's model list: either a bare
// pattern ("gpt-4*") or a single-pair alias mapping ({my-claude: claude-3-5-sonnet}).
type ModelEntry struct {
	Pattern  string
	Upstream string
}

func (e ModelEntry) IsAlias() bool { return e.Upstream != "" }

func (e *ModelEntry) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		e.Pattern = strings.TrimSpace(s)
		e.Upstream = ""
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := value.Decode(&m); err != nil {
			return err
		}
		if len(m) != 1 {
			return fmt.Errorf("model alias entry must have exactly one key, got %d", len(m))
		}
		for alias, upstream := range m {
			e.Pattern = strings.TrimSpace(alias)
			e.Upstream = strings.TrimSpace(upstream)
		}
		return nil
	default:
		return errors.New("model entry must be a string or a single-key mapping")
	}
}

func (e ModelEntry) MarshalYAML() (any, error) {
	if e.IsAlias() {
		return map[string]string{e.Pattern: e.Upstream}, nil
	}
	return e.Pattern, nil
}

// ProviderConfig describes one upstream. Enabled is a pointer so that an
// omitted field defaults to true.
type ProviderConfig struct {
	Name           string       `yaml:"provider"`
	BaseURL        string       `yaml:"base_url"`
	APIKey         string       `yaml:"api_key"`
	Priority       int          `yaml:"priority,omitempty"`
	Enabled        *bool        `yaml:"enabled,omitempty"`
	ModelsEndpoint string       `yaml:"models_endpoint,omitempty"`
	Models         []ModelEntry `yaml:"model,omitempty"`
}

func (p ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogsConfig struct {
	RingSize      int    `yaml:"ring_size,omitempty"`
	DBPath        string `yaml:"db_path,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Domain   string `yaml:"domain,omitempty"`
	Email    string `yaml:"email,omitempty"`
	CacheDir string `yaml:"cache_dir,omitempty"`
}

// Config is the whole gateway configuration document.
type Config struct {
	APIKey      string           `yaml:"api_key"`
	Preferences Preferences      `yaml:"preferences,omitempty"`
	Providers   []ProviderConfig `yaml:"providers"`
	Server      ServerConfig     `yaml:"server,omitempty"`
	Logs        LogsConfig       `yaml:"logs,omitempty"`
	TLS         TLSConfig        `yaml:"tls,omitempty"`
}

func NewDefault() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// DefaultPath is where the gateway looks for its document when --config is
// not given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "uniapi", "uniapi.yaml")
	}
	return "uniapi.yaml"
}

// Load reads and validates the document at path. YAML is a superset of JSON,
// so a JSON document at the same path works unchanged.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.Preferences.ModelTimeout <= 0 {
		c.Preferences.ModelTimeout = DefaultModelTimeoutSeconds
	}
	if c.Preferences.CooldownPeriod == nil {
		cp := DefaultCooldownSeconds
		c.Preferences.CooldownPeriod = &cp
	}
	c.Preferences.Proxy = strings.TrimSpace(c.Preferences.Proxy)
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		p.APIKey = strings.TrimSpace(p.APIKey)
		if strings.TrimSpace(p.ModelsEndpoint) == "" {
			p.ModelsEndpoint = DefaultModelsEndpoint
		}
	}
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Logs.RingSize <= 0 {
		c.Logs.RingSize = DefaultRingSize
	}
	if c.Logs.RetentionDays <= 0 {
		c.Logs.RetentionDays = DefaultRetentionDays
	}
	c.Logs.DBPath = strings.TrimSpace(c.Logs.DBPath)
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if c.Preferences.ModelTimeout <= 0 {
		return errors.New("preferences.model_timeout must be > 0")
	}
	if c.Preferences.CooldownPeriod != nil && *c.Preferences.CooldownPeriod < 0 {
		return errors.New("preferences.cooldown_period must be >= 0")
	}
	if c.Preferences.Proxy != "" {
		if err := validateAbsoluteURL(c.Preferences.Proxy); err != nil {
			return fmt.Errorf("preferences.proxy: %w", err)
		}
	}
	seen := map[string]struct{}{}
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("provider name cannot be empty")
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.Name)
		}
		if err := validateAbsoluteURL(p.BaseURL); err != nil {
			return fmt.Errorf("provider %q: base_url: %w", p.Name, err)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider %q: api_key is required", p.Name)
		}
		for _, m := range p.Models {
			if m.Pattern == "" {
				return fmt.Errorf("provider %q: model entry cannot be empty", p.Name)
			}
			if m.IsAlias() && m.Upstream == "" {
				return fmt.Errorf("provider %q: alias %q has empty upstream model", p.Name, m.Pattern)
			}
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Redacted returns a deep copy with every credential blanked, for the admin
// config views.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.APIKey != "" {
		cp.APIKey = "[redacted]"
	}
	cp.Providers = append([]ProviderConfig(nil), c.Providers...)
	for i := range cp.Providers {
		if cp.Providers[i].APIKey != "" {
			cp.Providers[i].APIKey = "[redacted]"
		}
	}
	return &cp
}

// Save serializes the document and replaces path atomically so the reloader
// never observes a half-written file.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
