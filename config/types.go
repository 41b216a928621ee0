package config

import (
	"time"

	"github.com/knadh/koanf/v2"
)

// Config is the client configuration. The embedded koanf instance keeps the raw
// tree so that other packages (observability) can unmarshal their own sections.
type Config struct {
	App     AppConfig     `koanf:"app" json:"app" yaml:"app"`
	API     APIConfig     `koanf:"api" json:"api" yaml:"api"`
	Rate    RateConfig    `koanf:"rate" json:"rate" yaml:"rate"`
	Storage StorageConfig `koanf:"storage" json:"storage" yaml:"storage"`
	Log     LogConfig     `koanf:"log" json:"log" yaml:"log"`

	k *koanf.Koanf `json:"-" yaml:"-"`
}

// AppConfig identifies the running application
type AppConfig struct {
	Name    string `koanf:"name" json:"name" yaml:"name" validate:"required"`
	Version string `koanf:"version" json:"version" yaml:"version" validate:"required"`
	Env     string `koanf:"env" json:"env" yaml:"env" validate:"oneof=development staging production"`
}

// APIConfig describes the production API the client talks to
type APIConfig struct {
	BaseURL string        `koanf:"baseurl" json:"baseurl" yaml:"baseurl" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout" validate:"gt=0"`
	Path    PathConfig    `koanf:"path" json:"path" yaml:"path"`
}

// PathConfig holds the authentication endpoint paths relative to the base URL
type PathConfig struct {
	Login   string `koanf:"login" json:"login" yaml:"login" validate:"required,startswith=/"`
	Refresh string `koanf:"refresh" json:"refresh" yaml:"refresh" validate:"required,startswith=/"`
}

// RateConfig holds the local rate guard and server backoff settings.
//   - Ceiling: requests allowed per Window (default 100)
//   - Window: fixed window length (default 60s)
//   - RetryAfter: wait used after a 429 without a Retry-After header (default 5s)
//   - Pacing: optional token-bucket smoothing, disabled when RPS is 0
type RateConfig struct {
	Ceiling    int           `koanf:"ceiling" json:"ceiling" yaml:"ceiling" validate:"gt=0"`
	Window     time.Duration `koanf:"window" json:"window" yaml:"window" validate:"gt=0"`
	RetryAfter time.Duration `koanf:"retryafter" json:"retryafter" yaml:"retryafter" validate:"gt=0"`
	Pacing     PacingConfig  `koanf:"pacing" json:"pacing" yaml:"pacing"`
}

// PacingConfig configures the optional request pacing limiter
type PacingConfig struct {
	RPS   float64 `koanf:"rps" json:"rps" yaml:"rps" validate:"gte=0"`
	Burst int     `koanf:"burst" json:"burst" yaml:"burst" validate:"gte=0"`
}

// StorageConfig selects where credentials are kept
type StorageConfig struct {
	Type string `koanf:"type" json:"type" yaml:"type" validate:"oneof=memory file"`
	Path string `koanf:"path" json:"path" yaml:"path"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty"`
	// Payloads enables debug logging of API request and response bodies
	Payloads bool `koanf:"payloads" json:"payloads" yaml:"payloads"`
}
