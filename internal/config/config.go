package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete tgsecret configuration
type Config struct {
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Instance InstanceConfig `mapstructure:"instance" yaml:"instance"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Platform PlatformConfig `mapstructure:"platform" yaml:"platform"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// AuthConfig controls the onboarding handshake
type AuthConfig struct {
	// SessionTTL is the absolute lifetime of one onboarding attempt,
	// measured from its start.
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	// MaxAttempts bounds rejected codes (or passwords) per step.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// ResendExpiredCode requests a fresh code when the platform reports
	// the submitted one expired.
	ResendExpiredCode bool `mapstructure:"resend_expired_code" yaml:"resend_expired_code"`
}

// InstanceConfig controls userbot lifecycle
type InstanceConfig struct {
	// IdleThreshold is how long an instance may go without activity before
	// the reaper suspends it. Zero disables suspension.
	IdleThreshold time.Duration `mapstructure:"idle_threshold" yaml:"idle_threshold"`
	// ReapInterval is the period between idle sweeps.
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	// StopGrace is how long a stop waits for the client to wind down
	// before it is closed forcibly.
	StopGrace time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	// ForceStopTimeout is how long a stop waits after the forced close.
	ForceStopTimeout time.Duration `mapstructure:"force_stop_timeout" yaml:"force_stop_timeout"`
	// BootConcurrency bounds parallel launches when restoring stored
	// credentials at startup.
	BootConcurrency int `mapstructure:"boot_concurrency" yaml:"boot_concurrency"`
	// BootDelay staggers launches at startup.
	BootDelay time.Duration `mapstructure:"boot_delay" yaml:"boot_delay"`
	// CommandPrefix marks owner messages that are userbot commands.
	CommandPrefix string `mapstructure:"command_prefix" yaml:"command_prefix"`
}

// StorageConfig selects and configures the credential store
type StorageConfig struct {
	// Backend is "file" or "redis".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Dir holds one credential file per user (file backend).
	Dir string `mapstructure:"dir" yaml:"dir"`
	// RedisURL is a redis:// URL (redis backend).
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
	// KeyPrefix namespaces redis keys.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	// EncryptionKey is an optional hex-encoded 32-byte master key used to
	// seal session material at rest.
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key"`
}

// APIConfig controls the HTTP control API
type APIConfig struct {
	// Listen is the address the API binds to; empty disables the API.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// JWTSecret signs and verifies bearer tokens.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	// OnboardingRateLimit caps onboarding submissions per user per minute.
	// Zero disables rate limiting.
	OnboardingRateLimit int `mapstructure:"onboarding_rate_limit" yaml:"onboarding_rate_limit"`
	// RedisURL backs the rate limiter; falls back to storage.redis_url.
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
}

// PlatformConfig selects the messaging platform backend
type PlatformConfig struct {
	// Backend names the platform implementation; "sandbox" is an
	// in-process simulation used for local runs.
	Backend string        `mapstructure:"backend" yaml:"backend"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
}

// SandboxConfig seeds the sandbox platform
type SandboxConfig struct {
	Accounts []SandboxAccount `mapstructure:"accounts" yaml:"accounts"`
	// FixedCode, when set, is issued for every login instead of a random code.
	FixedCode string `mapstructure:"fixed_code" yaml:"fixed_code"`
}

// SandboxAccount describes one simulated platform account
type SandboxAccount struct {
	Phone     string `mapstructure:"phone" yaml:"phone"`
	Password  string `mapstructure:"password" yaml:"password"`
	FirstName string `mapstructure:"first_name" yaml:"first_name"`
	Username  string `mapstructure:"username" yaml:"username"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Auth: AuthConfig{
			SessionTTL:        5 * time.Minute,
			MaxAttempts:       3,
			ResendExpiredCode: true,
		},
		Instance: InstanceConfig{
			IdleThreshold:    24 * time.Hour,
			ReapInterval:     time.Minute,
			StopGrace:        5 * time.Second,
			ForceStopTimeout: 2 * time.Second,
			BootConcurrency:  4,
			BootDelay:        2 * time.Second,
			CommandPrefix:    ".",
		},
		Storage: StorageConfig{
			Backend:   "file",
			Dir:       "sessions",
			KeyPrefix: "tgsecret",
		},
		API: APIConfig{
			Listen:              ":8080",
			OnboardingRateLimit: 10,
		},
		Platform: PlatformConfig{
			Backend: "sandbox",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("auth.session_ttl", defaults.Auth.SessionTTL)
	viper.SetDefault("auth.max_attempts", defaults.Auth.MaxAttempts)
	viper.SetDefault("auth.resend_expired_code", defaults.Auth.ResendExpiredCode)

	viper.SetDefault("instance.idle_threshold", defaults.Instance.IdleThreshold)
	viper.SetDefault("instance.reap_interval", defaults.Instance.ReapInterval)
	viper.SetDefault("instance.stop_grace", defaults.Instance.StopGrace)
	viper.SetDefault("instance.force_stop_timeout", defaults.Instance.ForceStopTimeout)
	viper.SetDefault("instance.boot_concurrency", defaults.Instance.BootConcurrency)
	viper.SetDefault("instance.boot_delay", defaults.Instance.BootDelay)
	viper.SetDefault("instance.command_prefix", defaults.Instance.CommandPrefix)

	viper.SetDefault("storage.backend", defaults.Storage.Backend)
	viper.SetDefault("storage.dir", defaults.Storage.Dir)
	viper.SetDefault("storage.redis_url", defaults.Storage.RedisURL)
	viper.SetDefault("storage.key_prefix", defaults.Storage.KeyPrefix)
	viper.SetDefault("storage.encryption_key", defaults.Storage.EncryptionKey)

	viper.SetDefault("api.listen", defaults.API.Listen)
	viper.SetDefault("api.jwt_secret", defaults.API.JWTSecret)
	viper.SetDefault("api.onboarding_rate_limit", defaults.API.OnboardingRateLimit)
	viper.SetDefault("api.redis_url", defaults.API.RedisURL)

	viper.SetDefault("platform.backend", defaults.Platform.Backend)
	viper.SetDefault("platform.sandbox.fixed_code", defaults.Platform.Sandbox.FixedCode)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// MasterKey decodes Storage.EncryptionKey. It returns nil when no key is
// configured.
func (c *StorageConfig) MasterKey() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	return hex.DecodeString(c.EncryptionKey)
}

// RateLimitRedisURL returns the redis URL for the API rate limiter.
func (c *Config) RateLimitRedisURL() string {
	if c.API.RedisURL != "" {
		return c.API.RedisURL
	}
	return c.Storage.RedisURL
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tgsecret")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tgsecret"
	}
	return filepath.Join(home, ".config", "tgsecret")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
