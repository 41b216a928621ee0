package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Storage type constants
const (
	StorageMemory = "memory"
	StorageFile   = "file"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			return fld.Tag.Get("koanf")
		})
	})
	return validate
}

// Validate checks struct constraints first, then rules that span fields.
// The first failure is returned as a *ConfigError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	if err := validateBaseURL(cfg.API.BaseURL); err != nil {
		return err
	}

	if cfg.Storage.Type == StorageFile && cfg.Storage.Path == "" {
		return NewMissingFieldError("storage.path")
	}

	if cfg.Rate.Pacing.RPS > 0 && cfg.Rate.Pacing.Burst == 0 {
		return NewInvalidFieldError("rate.pacing.burst", "must be positive when pacing is enabled")
	}

	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return NewInvalidFieldError("api.baseurl", err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewInvalidFieldError("api.baseurl", fmt.Sprintf("unsupported scheme %q (must be http or https)", u.Scheme))
	}
	if u.Host == "" {
		return NewInvalidFieldError("api.baseurl", "host is required")
	}
	return nil
}

// fieldError converts a validator failure into a ConfigError keyed by the koanf path
func fieldError(fe validator.FieldError) *ConfigError {
	field := koanfPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return NewMissingFieldError(field)
	case "oneof":
		return NewInvalidFieldError(field, fmt.Sprintf("%q is not valid, must be one of: %s",
			fmt.Sprint(fe.Value()), strings.ReplaceAll(fe.Param(), " ", ", ")))
	case "url":
		return NewInvalidFieldError(field, "must be an absolute URL")
	case "startswith":
		return NewInvalidFieldError(field, fmt.Sprintf("must start with %q", fe.Param()))
	default:
		return NewInvalidFieldError(field, fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param()))
	}
}

// koanfPath drops the root struct name: "Config.api.baseurl" -> "api.baseurl"
func koanfPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
