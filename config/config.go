// Package config loads client configuration from defaults, YAML and environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment variables; PRODTRACK_API_BASEURL maps to api.baseurl
	EnvPrefix = "PRODTRACK_"

	// DefaultConfigFile is read from the working directory by Load
	DefaultConfigFile = "config.yaml"
)

// Load loads configuration with priority:
// 1. Environment variables (highest priority)
// 2. config.<env>.yaml next to config.yaml
// 3. config.yaml
// 4. Default values (lowest priority)
func Load() (*Config, error) {
	return LoadFile(DefaultConfigFile)
}

// LoadFile is Load with an explicit base YAML file. Missing files are skipped.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := loadOptionalFile(k, path); err != nil {
		return nil, err
	}

	// Env-specific overlay; the env may itself come from the environment
	env := k.String("app.env")
	if v := os.Getenv(EnvPrefix + "APP_ENV"); v != "" {
		env = v
	}
	if env != "" && path != "" {
		envFile := filepath.Join(filepath.Dir(path), fmt.Sprintf("config.%s.yaml", env))
		if err := loadOptionalFile(k, envFile); err != nil {
			return nil, err
		}
	}

	return finish(k)
}

// LoadFromBytes loads defaults, then the given YAML document, then environment variables.
func LoadFromBytes(raw []byte) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if len(raw) > 0 {
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	}

	return finish(k)
}

func finish(k *koanf.Koanf) (*Config, error) {
	if err := k.Load(envprovider.Provider(".", envprovider.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix)
			return strings.ReplaceAll(strings.ToLower(key), "_", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.k = k

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadOptionalFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name":    "prodtrack",
		"app.version": "v1.0.0",
		"app.env":     EnvDevelopment,

		"api.baseurl":      "",
		"api.timeout":      "30s",
		"api.path.login":   "/auth/login",
		"api.path.refresh": "/auth/refresh-token",

		"rate.ceiling":      100,
		"rate.window":       "60s",
		"rate.retryafter":   "5s",
		"rate.pacing.rps":   0,
		"rate.pacing.burst": 0,

		"storage.type": StorageMemory,
		"storage.path": "",

		"log.level":  "info",
		"log.pretty": false,

		"observability.enabled": false,
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}

// Unmarshal decodes the raw configuration subtree at key into out. Used for
// sections owned by other packages, such as "observability".
func (c *Config) Unmarshal(key string, out any) error {
	if c.k == nil {
		return ErrNotLoaded
	}
	if err := c.k.Unmarshal(key, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a raw key is present in the loaded configuration
func (c *Config) Exists(key string) bool {
	return c.k != nil && c.k.Exists(key)
}
