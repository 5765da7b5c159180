package config

import "fmt"

// ConfigError describes an invalid configuration value
type ConfigError struct {
	Field      string
	Message    string
	Suggestion string
	Cause      error
}

func (e ConfigError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("config validation error in field '%s': %s (%s)", e.Field, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("config validation error in field '%s': %s", e.Field, e.Message)
}

func (e ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a validation error with a suggestion
func NewConfigError(field, message, suggestion string) ConfigError {
	return ConfigError{
		Field:      field,
		Message:    message,
		Suggestion: suggestion,
	}
}
