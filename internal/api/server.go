// Package api serves the tgsecret control commands over HTTP.
//
// Every route under /v1/users/:id requires a bearer token whose subject is
// that user, or a token with the control role. Failures are rendered as
// {"error": {kind, message, user_mistake}} with a status derived from the
// error kind.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/islombek4642/tgsecret/internal/auth"
	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/event"
	"github.com/islombek4642/tgsecret/internal/logging"
	"github.com/islombek4642/tgsecret/internal/orchestrator"
	"github.com/islombek4642/tgsecret/internal/supervisor"
	"github.com/islombek4642/tgsecret/internal/user"
)

// Service is the command surface the API exposes.
type Service interface {
	BeginOnboarding(ctx context.Context, uid user.ID) (auth.Outcome, error)
	SubmitPhone(ctx context.Context, uid user.ID, phone string) (auth.Outcome, error)
	SubmitCode(ctx context.Context, uid user.ID, code string) (auth.Outcome, error)
	Submit2FA(ctx context.Context, uid user.ID, password string) (auth.Outcome, error)
	CancelOnboarding(ctx context.Context, uid user.ID) (auth.Outcome, error)
	StartInstance(ctx context.Context, uid user.ID) (supervisor.Status, error)
	StopInstance(ctx context.Context, uid user.ID) (supervisor.Status, error)
	RestartInstance(ctx context.Context, uid user.ID) (supervisor.Status, error)
	QueryStatus(ctx context.Context, uid user.ID) (orchestrator.Status, error)
	Logout(ctx context.Context, uid user.ID) error
	Notifications(uid user.ID) []event.Notification
}

// Options configures a Server.
type Options struct {
	// JWTSecret verifies bearer tokens. Required.
	JWTSecret []byte
	// RateLimit caps onboarding submissions per user per minute; zero
	// disables it.
	RateLimit int
	// Cache backs the rate limiter. Nil disables rate limiting.
	Cache redis.UniversalClient
	// KeyPrefix namespaces rate limiter keys.
	KeyPrefix string
	Logger    *logging.Logger
}

// Server is the HTTP control API.
type Server struct {
	app    *fiber.App
	svc    Service
	cache  redis.UniversalClient
	logger *logging.Logger
}

// New builds the API over svc.
func New(svc Service, opts Options) (*Server, error) {
	if len(opts.JWTSecret) == 0 {
		return nil, errors.NewValidationError("api requires a jwt secret").WithField("api.jwt_secret")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "tgsecret"
	}

	s := &Server{
		svc:    svc,
		cache:  opts.Cache,
		logger: opts.Logger.WithComponent("api"),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "tgsecret",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	s.app.Use(requestID(), accessLog(s.logger))
	s.app.Get("/healthz", s.health)

	users := s.app.Group("/v1/users/:id", bearerAuth(opts.JWTSecret), userScope())

	limit := onboardingRateLimit(opts.Cache, opts.KeyPrefix, opts.RateLimit, s.logger)
	onboarding := users.Group("/onboarding", limit)
	onboarding.Post("/", s.onboardingStep(func(ctx context.Context, uid user.ID, _ string) (auth.Outcome, error) {
		return s.svc.BeginOnboarding(ctx, uid)
	}, ""))
	onboarding.Post("/phone", s.onboardingStep(s.svc.SubmitPhone, "phone"))
	onboarding.Post("/code", s.onboardingStep(s.svc.SubmitCode, "code"))
	onboarding.Post("/password", s.onboardingStep(s.svc.Submit2FA, "password"))
	onboarding.Delete("/", s.onboardingStep(func(ctx context.Context, uid user.ID, _ string) (auth.Outcome, error) {
		return s.svc.CancelOnboarding(ctx, uid)
	}, ""))

	users.Post("/instance/start", s.instanceOp(s.svc.StartInstance))
	users.Post("/instance/stop", s.instanceOp(s.svc.StopInstance))
	users.Post("/instance/restart", s.instanceOp(s.svc.RestartInstance))
	users.Get("/status", s.status)
	users.Post("/logout", s.logout)
	users.Get("/notifications", s.notifications)

	return s, nil
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("api listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	redisStatus := "disabled"
	status := http.StatusOK
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		redisStatus = "ok"
		if err := s.cache.Ping(ctx).Err(); err != nil {
			// The rate limiter fails open, so the API stays usable.
			redisStatus = err.Error()
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"status":    "ok",
		"redis":     redisStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type onboardingCall func(ctx context.Context, uid user.ID, value string) (auth.Outcome, error)

type onboardingResponse struct {
	Onboarding orchestrator.OnboardingStatus `json:"onboarding"`
	Account    any                           `json:"account,omitempty"`
	Error      *ErrorBody                    `json:"error,omitempty"`
}

// onboardingStep reads field from the JSON body, if any, and runs call.
// Failed steps still report the resulting onboarding state.
func (s *Server) onboardingStep(call onboardingCall, field string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var value string
		if field != "" {
			body := map[string]string{}
			if err := c.BodyParser(&body); err != nil {
				return fiber.NewError(http.StatusBadRequest, "invalid request body")
			}
			value = body[field]
		}

		out, err := call(c.UserContext(), userFrom(c), value)
		resp := onboardingResponse{Onboarding: orchestrator.NewOnboardingStatus(out)}
		if out.Account != nil {
			resp.Account = out.Account
		}
		if err != nil {
			body := newErrorBody(err)
			resp.Error = &body
			return c.Status(StatusFor(err)).JSON(resp)
		}
		return c.JSON(resp)
	}
}

func (s *Server) instanceOp(call func(ctx context.Context, uid user.ID) (supervisor.Status, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		st, err := call(c.UserContext(), userFrom(c))
		resp := fiber.Map{"instance": orchestrator.NewInstanceStatus(st)}
		if err != nil {
			resp["error"] = newErrorBody(err)
			return c.Status(StatusFor(err)).JSON(resp)
		}
		return c.JSON(resp)
	}
}

func (s *Server) status(c *fiber.Ctx) error {
	st, err := s.svc.QueryStatus(c.UserContext(), userFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) logout(c *fiber.Ctx) error {
	if err := s.svc.Logout(c.UserContext(), userFrom(c)); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func (s *Server) notifications(c *fiber.Ctx) error {
	ns := s.svc.Notifications(userFrom(c))
	if ns == nil {
		ns = []event.Notification{}
	}
	return c.JSON(fiber.Map{"notifications": ns})
}
