package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/logging"
	"github.com/islombek4642/tgsecret/internal/user"
)

const (
	requestIDHeader = "X-Request-ID"
	localRequestID  = "request_id"
	localClaims     = "claims"
	localUser       = "user_id"
)

func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Locals(localRequestID, id)
		return c.Next()
	}
}

func accessLog(logger *logging.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		logger.Debug("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration", time.Since(start),
			"request_id", c.Locals(localRequestID),
		)
		return err
	}
}

// bearerAuth verifies the bearer token and stores its claims.
func bearerAuth(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := ParseToken(strings.TrimSpace(authz[len("Bearer "):]), secret)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		c.Locals(localClaims, claims)
		return c.Next()
	}
}

// userScope resolves the :id route parameter and checks the token may act
// for it.
func userScope() fiber.Handler {
	return func(c *fiber.Ctx) error {
		uid, err := user.Parse(c.Params("id"))
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid user id")
		}
		claims, _ := c.Locals(localClaims).(*Claims)
		if claims == nil || !claims.CanActFor(uid) {
			return fiber.NewError(http.StatusForbidden, "token may not act for this user")
		}
		c.Locals(localUser, uid)
		return c.Next()
	}
}

// onboardingRateLimit caps onboarding submissions per user in a
// fixed one-minute window. Without a redis client, or when redis fails,
// requests pass.
func onboardingRateLimit(cache redis.UniversalClient, prefix string, maxPerMin int, logger *logging.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cache == nil || maxPerMin <= 0 {
			return c.Next()
		}
		uid := userFrom(c)
		key := fmt.Sprintf("%s:rl:onboarding:%d", prefix, uid)
		ctx := c.UserContext()

		cnt, err := cache.Incr(ctx, key).Result()
		if err != nil {
			logger.Warn("rate limiter unavailable", "error", err)
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(ctx, key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many onboarding attempts, try again later")
		}
		return c.Next()
	}
}

func userFrom(c *fiber.Ctx) user.ID {
	uid, _ := c.Locals(localUser).(user.ID)
	return uid
}
