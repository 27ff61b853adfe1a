// Package config handles loading and validating fragserv configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the fragment server.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Fetchers  FetchersConfig  `koanf:"fetchers"`
	Fragments FragmentsConfig `koanf:"fragments"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// MaxUpstreamConns caps the connections (and the idle connections
	// kept) per upstream host on the HTTP client shared by every
	// fragment/template/context fetch (spec.md §5's
	// "implementation-defined upstream connection limit").
	MaxUpstreamConns int `koanf:"max_upstream_conns"`

	// DefaultFragmentTimeout applies to any fragment tag that omits
	// `timeout`.
	DefaultFragmentTimeout time.Duration `koanf:"default_fragment_timeout"`

	// FallbackSnippet is substituted inline for an inline fragment that
	// errors out with no (or an also-failed) fallback-url.
	FallbackSnippet string `koanf:"fallback_snippet"`
}

// FetchersConfig configures the two external collaborators spec.md §1
// names as out of scope for the core but that cmd/fragserv must still
// wire concretely: the template fetcher and the context fetcher.
type FetchersConfig struct {
	TemplateBaseURL string        `koanf:"template_base_url"`
	ContextBaseURL  string        `koanf:"context_base_url"`
	FetchTimeout    time.Duration `koanf:"fetch_timeout"`
}

// FragmentsConfig configures template-level recognition hints
// (spec.md §6's `maxAssetLinks`, `fragmentTag`, `pipeAttributes`).
type FragmentsConfig struct {
	MaxAssetLinks int    `koanf:"max_asset_links"`
	FragmentTag   string `koanf:"fragment_tag"`
	SlotTag       string `koanf:"slot_tag"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. An env var starting with
	// "FRAGSERV_" overrides the config value its name maps to. The
	// callback transforms the env var name into a koanf key path:
	//   FRAGSERV_SERVER_PORT -> server.port
	// Every underscore becomes a dot, so keys whose names contain an
	// underscore cannot be reached this way:
	//   FRAGSERV_SERVER_READ_TIMEOUT -> server.read.timeout
	if err := k.Load(env.Provider("FRAGSERV_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "FRAGSERV_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in the zero-value fields a config file is allowed
// to omit.
func applyDefaults(cfg *Config) {
	if cfg.Server.MaxUpstreamConns <= 0 {
		cfg.Server.MaxUpstreamConns = 64
	}
	if cfg.Server.DefaultFragmentTimeout <= 0 {
		cfg.Server.DefaultFragmentTimeout = 2 * time.Second
	}
	if cfg.Fragments.MaxAssetLinks <= 0 {
		cfg.Fragments.MaxAssetLinks = 4
	}
	if cfg.Fragments.FragmentTag == "" {
		cfg.Fragments.FragmentTag = "fragment"
	}
	if cfg.Fragments.SlotTag == "" {
		cfg.Fragments.SlotTag = "slot"
	}
	if cfg.Fetchers.FetchTimeout <= 0 {
		cfg.Fetchers.FetchTimeout = 2 * time.Second
	}
}
