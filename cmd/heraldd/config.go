package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/herald"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/ssrf"
	"github.com/xraph/herald/subscription"
)

// fileConfig is the YAML layout of the daemon's configuration file.
type fileConfig struct {
	Addr         string        `yaml:"addr"`
	LogLevel     slog.Level    `yaml:"log_level"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Store  storeConfig   `yaml:"store"`
	Herald herald.Config `yaml:"herald"`
	SSRF   ssrfConfig    `yaml:"ssrf"`

	EventTypes    []seedEventType    `yaml:"event_types"`
	Subscriptions []seedSubscription `yaml:"subscriptions"`
}

type ssrfConfig struct {
	AllowedSchemes  []string `yaml:"allowed_schemes"`
	AllowedHosts    []string `yaml:"allowed_hosts"`
	BlockedHosts    []string `yaml:"blocked_hosts"`
	AllowedNetworks []string `yaml:"allowed_networks"`
	BlockedNetworks []string `yaml:"blocked_networks"`
}

// seedEventType carries schema and example as YAML mappings; they are
// re-encoded to JSON on registration.
type seedEventType struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Group       string         `yaml:"group"`
	Schema      map[string]any `yaml:"schema"`
	Example     map[string]any `yaml:"example"`
}

type seedSubscription struct {
	TenantID    string                    `yaml:"tenant_id"`
	URL         string                    `yaml:"url"`
	Description string                    `yaml:"description"`
	Secret      string                    `yaml:"secret"`
	Events      []string                  `yaml:"events"`
	Headers     map[string]string         `yaml:"headers"`
	RetryPolicy *subscription.RetryPolicy `yaml:"retry_policy"`
	RateLimit   int                       `yaml:"rate_limit"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Addr:         ":8080",
		LogLevel:     slog.LevelInfo,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		Store:        storeConfig{Driver: driverMemory},
		Herald:       herald.DefaultConfig(),
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Store.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// policy converts the YAML SSRF section into an ssrf.Policy.
func (c ssrfConfig) policy() (ssrf.Policy, error) {
	p := ssrf.DefaultPolicy()
	if len(c.AllowedSchemes) > 0 {
		p.AllowedSchemes = c.AllowedSchemes
	}
	p.AllowedHosts = c.AllowedHosts
	p.BlockedHosts = c.BlockedHosts

	var err error
	if p.AllowedNetworks, err = parsePrefixes(c.AllowedNetworks); err != nil {
		return p, fmt.Errorf("ssrf.allowed_networks: %w", err)
	}
	if p.BlockedNetworks, err = parsePrefixes(c.BlockedNetworks); err != nil {
		return p, fmt.Errorf("ssrf.blocked_networks: %w", err)
	}
	return p, nil
}

func parsePrefixes(in []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(in))
	for _, s := range in {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (e seedEventType) definition() (catalog.Definition, error) {
	def := catalog.Definition{
		Name:        e.Name,
		Description: e.Description,
		Group:       e.Group,
	}
	if e.Schema != nil {
		b, err := json.Marshal(e.Schema)
		if err != nil {
			return def, fmt.Errorf("event type %s: encode schema: %w", e.Name, err)
		}
		def.Schema = b
	}
	if e.Example != nil {
		b, err := json.Marshal(e.Example)
		if err != nil {
			return def, fmt.Errorf("event type %s: encode example: %w", e.Name, err)
		}
		def.Example = b
	}
	return def, nil
}

func (s seedSubscription) input() subscription.Input {
	return subscription.Input{
		TenantID:    s.TenantID,
		URL:         s.URL,
		Description: s.Description,
		Secret:      s.Secret,
		Events:      s.Events,
		Headers:     s.Headers,
		RetryPolicy: s.RetryPolicy,
		RateLimit:   s.RateLimit,
	}
}
