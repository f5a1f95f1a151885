package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"negative idle threshold", func(c *Config) { c.Instance.IdleThreshold = -time.Second }, "instance.idle_threshold"},
		{"zero grace", func(c *Config) { c.Instance.StopGrace = 0 }, "instance.stop_grace"},
		{"no boot workers", func(c *Config) { c.Instance.BootConcurrency = 0 }, "instance.boot_concurrency"},
		{"blank prefix", func(c *Config) { c.Instance.CommandPrefix = " " }, "instance.command_prefix"},
		{"redis without url", func(c *Config) { c.Storage.Backend = "redis" }, "storage.redis_url"},
		{"bad redis scheme", func(c *Config) {
			c.Storage.Backend = "redis"
			c.Storage.RedisURL = "http://localhost:6379"
		}, "storage.redis_url"},
		{"short key", func(c *Config) { c.Storage.EncryptionKey = "abcd" }, "storage.encryption_key"},
		{"non-hex key", func(c *Config) { c.Storage.EncryptionKey = "zz" }, "storage.encryption_key"},
		{"short secret", func(c *Config) { c.API.JWTSecret = "short" }, "api.jwt_secret"},
		{"unknown platform", func(c *Config) { c.Platform.Backend = "mtproto" }, "platform.backend"},
		{"duplicate sandbox phone", func(c *Config) {
			c.Platform.Sandbox.Accounts = []SandboxAccount{{Phone: "+1"}, {Phone: "+1"}}
		}, "platform.sandbox.accounts[1].phone"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			errs := cfg.Validate()
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want an error for %s", errs, tt.wantField)
			}
		})
	}
}

func TestValidateAcceptsDisabledSuspension(t *testing.T) {
	cfg := Default()
	cfg.Instance.IdleThreshold = 0
	cfg.Storage.EncryptionKey = strings.Repeat("ab", 32)

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Validate() = %v, want none", errs)
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: 2, Message: "worse"},
	}
	msg := errs.Error()
	if !strings.Contains(msg, "2 validation errors") || !strings.Contains(msg, "b: worse") {
		t.Errorf("Error() = %q", msg)
	}
	if ValidationErrors(nil).Error() != "" {
		t.Error("empty ValidationErrors should render empty")
	}
}
