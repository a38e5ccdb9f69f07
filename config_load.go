package pwacache

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv,
// e.g. PWACACHE_SITE_ORIGIN or PWACACHE_CACHE_VERSION.
const EnvPrefix = "PWACACHE_"

//go:embed config.schema.json
var configSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("config.schema.json", configSchemaJSON)
	})
	return schema, schemaErr
}

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). The document is checked
// against the embedded JSON Schema before it is decoded; defaults are applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
	case ".json":
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return ParseConfig(data)
}

// ParseConfig validates a JSON config document against the schema and
// decodes it.
func ParseConfig(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing JSON config: %w", err)
	}

	s, err := configSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyEnv overlays PWACACHE_* environment variables onto cfg. Variables that
// are not set leave the corresponding field untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.ApplyDefaults()
	return nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.Site.Origin == "" {
		return fmt.Errorf("site.origin is required")
	}
	if _, err := parseOrigin(cfg.Site.Origin); err != nil {
		return fmt.Errorf("site.origin: %w", err)
	}
	if cfg.Site.Upstream != "" {
		if _, err := parseOrigin(cfg.Site.Upstream); err != nil {
			return fmt.Errorf("site.upstream: %w", err)
		}
	}

	precache, runtime := cfg.Cache.Names()
	if precache == runtime {
		return fmt.Errorf("precache and runtime partitions must have different names, both are %q", precache)
	}
	seen := make(map[string]struct{}, len(cfg.Cache.Precache))
	for _, p := range cfg.Cache.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache path %q must start with /", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("precache path %q listed twice", p)
		}
		seen[p] = struct{}{}
	}

	switch cfg.Storage.Driver {
	case "", DriverMemory, DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("postgres storage requires storage.dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}

	if cfg.Network.TimeoutSeconds < 0 || cfg.Network.MaxBodyBytes < 0 {
		return fmt.Errorf("network limits must not be negative")
	}
	return nil
}

// parseOrigin accepts scheme://host[:port] with an optional trailing slash.
func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	return u, nil
}
