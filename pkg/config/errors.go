package config

import (
	"fmt"
	"strings"
)

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field       string
	Value       any
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Field, e.Reason)
	if len(e.Suggestions) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Suggestions, "; "))
	}
	return b.String()
}

// WithSuggestion appends a remediation hint shown with the error.
func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// NewConfigMissingError reports a required field that is empty.
func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{Field: field, Reason: "is required"}
}

// NewConfigValidationError reports a field with an invalid value.
func NewConfigValidationError(field string, value any, reason string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Reason: reason}
}
