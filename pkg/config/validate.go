package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// HasErrors returns true if there are any errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Add adds a validation error.
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// Validator provides fluent validation for configurations.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Required validates that a field is not empty.
func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.errors.Add(field, "is required")
	}
	return v
}

// Min validates that an integer is at least the minimum.
func (v *Validator) Min(field string, value, min int) *Validator {
	if value < min {
		v.errors.Add(field, fmt.Sprintf("must be at least %d", min))
	}
	return v
}

// MinDuration validates that a duration is at least the minimum.
func (v *Validator) MinDuration(field string, value, min time.Duration) *Validator {
	if value < min {
		v.errors.Add(field, fmt.Sprintf("must be at least %v", min))
	}
	return v
}

// Err returns the accumulated errors, or nil if validation passed.
func (v *Validator) Err() error {
	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}
