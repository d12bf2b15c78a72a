package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateIdentityReferences(); err != nil {
		return err
	}
	if err := c.validateAuthReachable(); err != nil {
		return err
	}

	return nil
}

// validateIdentityReferences ensures every API key's identity_id
// references a known identity.
func (c *Config) validateIdentityReferences() error {
	known := make(map[string]struct{}, len(c.Auth.Identities))
	for _, identity := range c.Auth.Identities {
		known[identity.ID] = struct{}{}
	}
	for i, key := range c.Auth.APIKeys {
		if _, ok := known[key.IdentityID]; !ok {
			return fmt.Errorf("auth.api_keys[%d]: references unknown identity_id: %s", i, key.IdentityID)
		}
	}
	return nil
}

// validateAuthReachable ensures at least one credential path exists unless
// auth is explicitly disabled: either an HMAC secret for JWTs, or at least
// one configured API key.
func (c *Config) validateAuthReachable() error {
	if c.Server.DisableAuth {
		return nil
	}
	if c.Server.AuthSecret != "" || len(c.Auth.APIKeys) > 0 || c.Server.AllowUnsignedJWT {
		return nil
	}
	return errors.New("no credential path configured: set server.auth_secret, auth.api_keys, or server.disable_auth")
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
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
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
