package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers engine-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// tzlocation: any name time.LoadLocation accepts, including "Local"
	// and "UTC". The built-in timezone tag rejects "Local", which is our
	// documented default.
	if err := v.RegisterValidation("tzlocation", validateTZLocation); err != nil {
		return fmt.Errorf("failed to register tzlocation validator: %w", err)
	}
	return nil
}

func validateTZLocation(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// Validate runs struct-tag validation plus cross-field rules. Errors carry
// actionable messages naming the offending field.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSinkBackend(); err != nil {
		return err
	}
	return c.validateGovernanceOrder()
}

// validateSinkBackend checks that the selected backend has the location it
// needs: file wants a directory, sqlite wants a DSN.
func (c *Config) validateSinkBackend() error {
	switch c.RecordSink.Backend {
	case SinkFile:
		if c.RecordSink.Dir == "" {
			return errors.New("record_sink: the file backend requires record_sink.dir")
		}
	case SinkSQLite:
		if c.RecordSink.DSN == "" {
			return errors.New("record_sink: the sqlite backend requires record_sink.dsn")
		}
	}
	return nil
}

// validateGovernanceOrder keeps the warning level at or below the critical
// level so the budget checks partition cleanly.
func (c *Config) validateGovernanceOrder() error {
	warn := c.Governance.WarningThresholdPercent
	crit := c.Governance.CriticalThresholdPercent
	if warn > 0 && crit > 0 && warn > crit {
		return fmt.Errorf("governance: warning_threshold_percent (%v) must not exceed critical_threshold_percent (%v)", warn, crit)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "tzlocation":
		return fmt.Sprintf("%s must be an IANA timezone name, \"Local\" or \"UTC\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
