package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "auth.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStorageBackends returns the list of valid credential store backends
func ValidStorageBackends() []string {
	return []string{"file", "redis"}
}

// ValidPlatformBackends returns the list of platform implementations
func ValidPlatformBackends() []string {
	return []string{"sandbox"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateAuth()...)
	errors = append(errors, c.validateInstance()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validatePlatform()...)
	errors = append(errors, c.validateLogging()...)
	return errors
}

func positiveDuration(field string, d time.Duration) []ValidationError {
	if d <= 0 {
		return []ValidationError{{Field: field, Value: d, Message: "must be positive"}}
	}
	return nil
}

func (c *Config) validateAuth() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positiveDuration("auth.session_ttl", c.Auth.SessionTTL)...)

	if c.Auth.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "auth.max_attempts",
			Value:   c.Auth.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	return errors
}

func (c *Config) validateInstance() []ValidationError {
	var errors []ValidationError

	// Zero disables idle suspension; negative is meaningless.
	if c.Instance.IdleThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "instance.idle_threshold",
			Value:   c.Instance.IdleThreshold,
			Message: "must be non-negative (0 disables suspension)",
		})
	}
	errors = append(errors, positiveDuration("instance.reap_interval", c.Instance.ReapInterval)...)
	errors = append(errors, positiveDuration("instance.stop_grace", c.Instance.StopGrace)...)
	errors = append(errors, positiveDuration("instance.force_stop_timeout", c.Instance.ForceStopTimeout)...)

	if c.Instance.BootConcurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "instance.boot_concurrency",
			Value:   c.Instance.BootConcurrency,
			Message: "must be at least 1",
		})
	}
	if c.Instance.BootDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "instance.boot_delay",
			Value:   c.Instance.BootDelay,
			Message: "must be non-negative",
		})
	}
	if strings.TrimSpace(c.Instance.CommandPrefix) == "" {
		errors = append(errors, ValidationError{
			Field:   "instance.command_prefix",
			Value:   c.Instance.CommandPrefix,
			Message: "cannot be empty",
		})
	}
	return errors
}

func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidStorageBackends(), c.Storage.Backend) {
		errors = append(errors, ValidationError{
			Field:   "storage.backend",
			Value:   c.Storage.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStorageBackends(), ", ")),
		})
	}

	switch c.Storage.Backend {
	case "file":
		if strings.TrimSpace(c.Storage.Dir) == "" {
			errors = append(errors, ValidationError{
				Field:   "storage.dir",
				Value:   c.Storage.Dir,
				Message: "cannot be empty for the file backend",
			})
		}
	case "redis":
		errors = append(errors, validateRedisURL("storage.redis_url", c.Storage.RedisURL, true)...)
	}

	key, err := c.Storage.MasterKey()
	if err != nil {
		errors = append(errors, ValidationError{
			Field:   "storage.encryption_key",
			Value:   "<redacted>",
			Message: "must be hex encoded",
		})
	} else if key != nil && len(key) != 32 {
		errors = append(errors, ValidationError{
			Field:   "storage.encryption_key",
			Value:   fmt.Sprintf("%d bytes", len(key)),
			Message: "must decode to exactly 32 bytes",
		})
	}
	return errors
}

func (c *Config) validateAPI() []ValidationError {
	var errors []ValidationError
	if c.API.Listen == "" {
		return nil
	}

	// An empty secret is rejected when the server starts, so that
	// offline commands still work with a partial configuration.
	if c.API.JWTSecret != "" && len(c.API.JWTSecret) < 16 {
		errors = append(errors, ValidationError{
			Field:   "api.jwt_secret",
			Value:   "<redacted>",
			Message: "must be at least 16 characters",
		})
	}
	if c.API.OnboardingRateLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "api.onboarding_rate_limit",
			Value:   c.API.OnboardingRateLimit,
			Message: "must be non-negative",
		})
	}
	errors = append(errors, validateRedisURL("api.redis_url", c.API.RedisURL, false)...)
	return errors
}

func (c *Config) validatePlatform() []ValidationError {
	if !slices.Contains(ValidPlatformBackends(), c.Platform.Backend) {
		return []ValidationError{{
			Field:   "platform.backend",
			Value:   c.Platform.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidPlatformBackends(), ", ")),
		}}
	}

	var errors []ValidationError
	seen := make(map[string]bool)
	for i, acct := range c.Platform.Sandbox.Accounts {
		field := fmt.Sprintf("platform.sandbox.accounts[%d].phone", i)
		if acct.Phone == "" {
			errors = append(errors, ValidationError{Field: field, Value: acct.Phone, Message: "cannot be empty"})
			continue
		}
		if seen[acct.Phone] {
			errors = append(errors, ValidationError{Field: field, Value: acct.Phone, Message: "duplicate phone"})
		}
		seen[acct.Phone] = true
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errors
}

func validateRedisURL(field, raw string, required bool) []ValidationError {
	if raw == "" {
		if required {
			return []ValidationError{{Field: field, Value: raw, Message: "is required for the redis backend"}}
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		return []ValidationError{{Field: field, Value: raw, Message: "must be a redis:// or rediss:// URL"}}
	}
	return nil
}
