package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotLoaded is returned by accessors on a Config that was not produced by a loader
var ErrNotLoaded = errors.New("config: not loaded")

// ConfigError represents a configuration error with actionable guidance.
//
//nolint:revive // ConfigError is intentionally named for clarity in external API usage
type ConfigError struct {
	Category string // "missing" or "invalid"
	Field    string // config field path, e.g. "api.baseurl"
	Message  string
	Action   string
}

// Error implements the error interface with lowercase formatting.
func (e *ConfigError) Error() string {
	var parts []string
	if e.Category != "" {
		parts = append(parts, fmt.Sprintf("config_%s:", e.Category))
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Action != "" {
		parts = append(parts, e.Action)
	}
	return strings.Join(parts, " ")
}

// NewMissingFieldError creates an error for a required missing field
func NewMissingFieldError(field string) *ConfigError {
	envVar := EnvPrefix + strings.ToUpper(strings.ReplaceAll(field, ".", "_"))
	return &ConfigError{
		Category: "missing",
		Field:    field,
		Message:  "required",
		Action:   fmt.Sprintf("set %s env var or add %s to config.yaml", envVar, field),
	}
}

// NewInvalidFieldError creates an error for an invalid value
func NewInvalidFieldError(field, message string) *ConfigError {
	return &ConfigError{
		Category: "invalid",
		Field:    field,
		Message:  message,
	}
}
