package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks struct tags plus the cross-field rules that tags
// cannot express. Returns actionable messages, one per failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateTLSPair(); err != nil {
		return err
	}
	if err := c.validateWorkerRuntime(); err != nil {
		return err
	}
	if err := c.validateStreamAuth(); err != nil {
		return err
	}
	return nil
}

// validateTLSPair ensures cert and key come together.
func (c *Config) validateTLSPair() error {
	hasCert := c.Server.TLSCert != ""
	hasKey := c.Server.TLSKey != ""
	if hasCert != hasKey {
		return errors.New("server: tls_cert and tls_key must both be set or both be empty")
	}
	return nil
}

// validateWorkerRuntime ensures a container runtime always names an
// image to run.
func (c *Config) validateWorkerRuntime() error {
	w := c.Agents.Worker
	if w.Runtime != "" && w.Image == "" {
		return errors.New("agents.worker: image is required when runtime is set")
	}
	if w.Runtime == "" && w.Command == "" {
		// Spawning is disabled entirely; legal for evaluate-only nodes.
		return nil
	}
	return nil
}

// validateStreamAuth ensures the dispatcher either authenticates or is
// explicitly anonymous.
func (c *Config) validateStreamAuth() error {
	if c.Stream.Anonymous {
		return nil
	}
	if c.Stream.AuthToken.IsZero() {
		return errors.New("stream: auth_token is required unless anonymous is true")
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

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
