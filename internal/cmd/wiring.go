package cmd

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/redis/go-redis/v9"

	"github.com/islombek4642/tgsecret/internal/auth"
	"github.com/islombek4642/tgsecret/internal/config"
	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/logging"
	"github.com/islombek4642/tgsecret/internal/orchestrator"
	"github.com/islombek4642/tgsecret/internal/platform"
	"github.com/islombek4642/tgsecret/internal/platform/sandbox"
	"github.com/islombek4642/tgsecret/internal/supervisor"
)

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLogger(logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	})
}

// openStore opens the configured credential store. The returned function
// releases its connections.
func openStore(ctx context.Context, cfg *config.Config) (credential.Store, func(), error) {
	var opts []credential.Option
	key, err := cfg.Storage.MasterKey()
	if err != nil {
		return nil, nil, fmt.Errorf("storage.encryption_key: %w", err)
	}
	if key != nil {
		sealer, err := credential.NewKeySealer(key)
		if err != nil {
			return nil, nil, fmt.Errorf("storage.encryption_key: %w", err)
		}
		opts = append(opts, credential.WithSealer(sealer))
	}

	switch cfg.Storage.Backend {
	case "redis":
		rdb, err := credential.OpenRedis(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return credential.NewRedisStore(rdb, cfg.Storage.KeyPrefix, opts...), func() { _ = rdb.Close() }, nil
	default:
		store, err := credential.NewFileStore(cfg.Storage.Dir, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// openRateLimitCache connects to the redis used by the API rate limiter.
// A missing or unreachable redis disables rate limiting.
func openRateLimitCache(ctx context.Context, cfg *config.Config, logger *logging.Logger) redis.UniversalClient {
	url := cfg.RateLimitRedisURL()
	if url == "" || cfg.API.OnboardingRateLimit == 0 {
		return nil
	}
	rdb, err := credential.OpenRedis(ctx, url)
	if err != nil {
		logger.Warn("rate limiting disabled, redis unreachable", "error", err)
		return nil
	}
	return rdb
}

// newPlatform builds the configured platform backend.
func newPlatform(cfg *config.Config, logger *logging.Logger) (platform.Platform, error) {
	switch cfg.Platform.Backend {
	case "sandbox":
		var opts []sandbox.Option
		if code := cfg.Platform.Sandbox.FixedCode; code != "" {
			opts = append(opts, sandbox.WithFixedCode(code))
		} else {
			// Nobody receives sandbox codes, so they go to the log.
			log := logger.WithComponent("sandbox")
			opts = append(opts, sandbox.WithCodeGenerator(func() string {
				code := fmt.Sprintf("%05d", rand.IntN(100000))
				log.Info("login code issued", "code", code)
				return code
			}))
		}
		p := sandbox.New(opts...)
		for _, a := range cfg.Platform.Sandbox.Accounts {
			p.AddAccount(sandbox.AccountSpec{
				Phone:     a.Phone,
				Password:  a.Password,
				FirstName: a.FirstName,
				Username:  a.Username,
			})
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported platform backend %q", cfg.Platform.Backend)
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Auth: auth.Config{
			SessionTTL:        cfg.Auth.SessionTTL,
			MaxAttempts:       cfg.Auth.MaxAttempts,
			ResendExpiredCode: cfg.Auth.ResendExpiredCode,
		},
		Instance: supervisor.Config{
			StopGrace:        cfg.Instance.StopGrace,
			ForceStopTimeout: cfg.Instance.ForceStopTimeout,
			BootConcurrency:  cfg.Instance.BootConcurrency,
			BootDelay:        cfg.Instance.BootDelay,
		},
		IdleThreshold: cfg.Instance.IdleThreshold,
		ReapInterval:  cfg.Instance.ReapInterval,
	}
}
