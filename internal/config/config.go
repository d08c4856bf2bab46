// Package config handles the credgate.yaml server manifest: which
// provider:bucket scopes the proxy will serve, provider endpoint
// declarations, and storage locations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed credgate.yaml manifest.
type Config struct {
	// Scopes is the allow-list of credential slots the proxy will serve,
	// fixed at startup. Entries are "provider", "provider:bucket", or
	// "provider:*".
	Scopes []string `yaml:"scopes"`

	// Providers declares the OAuth providers the proxy can refresh and
	// log in against.
	Providers []ProviderConfig `yaml:"providers,omitempty"`

	// StoreDir overrides where encrypted credentials live.
	StoreDir string `yaml:"store_dir,omitempty"`

	// SocketDir overrides where the proxy socket is created.
	SocketDir string `yaml:"socket_dir,omitempty"`

	// SessionTTL overrides the login session lifetime.
	SessionTTL Duration `yaml:"session_ttl,omitempty"`
}

// Duration is a time.Duration that unmarshals from yaml strings like
// "5m" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig declares one OAuth provider's endpoints.
type ProviderConfig struct {
	Name          string   `yaml:"name"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret,omitempty"`
	AuthURL       string   `yaml:"auth_url,omitempty"`
	TokenURL      string   `yaml:"token_url"`
	DeviceAuthURL string   `yaml:"device_auth_url,omitempty"`
	Scopes        []string `yaml:"scopes,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks manifest invariants.
func (c *Config) Validate() error {
	if len(c.Scopes) == 0 {
		return fmt.Errorf("scopes must list at least one provider")
	}
	for _, s := range c.Scopes {
		provider, _, _ := strings.Cut(s, ":")
		if provider == "" || provider == "*" {
			return fmt.Errorf("invalid scope %q: provider must be named", s)
		}
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.ClientID == "" {
			return fmt.Errorf("provider %s: client_id is required", p.Name)
		}
		if p.TokenURL == "" {
			return fmt.Errorf("provider %s: token_url is required", p.Name)
		}
	}
	return nil
}

// DefaultDir returns the credgate config/state directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".credgate")
	}
	return filepath.Join(home, ".credgate")
}

// ScopeSet answers whether a provider:bucket slot is allowed. Built once
// at startup from the manifest's scope list.
type ScopeSet struct {
	// buckets maps provider -> allowed bucket set; a "*" key allows all
	// buckets under that provider.
	buckets map[string]map[string]bool
}

// NewScopeSet parses scope entries. "provider" is shorthand for
// "provider:*".
func NewScopeSet(scopes []string) *ScopeSet {
	s := &ScopeSet{buckets: make(map[string]map[string]bool)}
	for _, entry := range scopes {
		provider, bucket, found := strings.Cut(entry, ":")
		if provider == "" {
			continue
		}
		if !found || bucket == "" {
			bucket = "*"
		}
		if s.buckets[provider] == nil {
			s.buckets[provider] = make(map[string]bool)
		}
		s.buckets[provider][bucket] = true
	}
	return s
}

// Allows reports whether the provider:bucket slot is in the allow-list.
func (s *ScopeSet) Allows(provider, bucket string) bool {
	b, ok := s.buckets[provider]
	if !ok {
		return false
	}
	return b["*"] || b[bucket]
}

// AllowsProvider reports whether any bucket under provider is allowed.
func (s *ScopeSet) AllowsProvider(provider string) bool {
	_, ok := s.buckets[provider]
	return ok
}
