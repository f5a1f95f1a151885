package api

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/islombek4642/tgsecret/internal/errors"
)

var kindStatus = map[errors.Kind]int{
	errors.KindValidation:       http.StatusBadRequest,
	errors.KindRejection:        http.StatusUnprocessableEntity,
	errors.KindRetriesExhausted: http.StatusUnprocessableEntity,
	errors.KindNotFound:         http.StatusNotFound,
	errors.KindNoCredential:     http.StatusConflict,
	errors.KindAlreadyRunning:   http.StatusConflict,
	errors.KindWrongState:       http.StatusConflict,
	errors.KindSuperseded:       http.StatusConflict,
	errors.KindCanceled:         http.StatusConflict,
	errors.KindTimeout:          http.StatusRequestTimeout,
	errors.KindRateLimited:      http.StatusTooManyRequests,
	errors.KindDeauthorized:     http.StatusGone,
	errors.KindTeardownPending:  http.StatusServiceUnavailable,
	errors.KindStorage:          http.StatusServiceUnavailable,
	errors.KindUnavailable:      http.StatusServiceUnavailable,
	errors.KindInternal:         http.StatusInternalServerError,
}

// StatusFor returns the HTTP status reported for err.
func StatusFor(err error) int {
	if status, ok := kindStatus[errors.Classify(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorBody is the error payload of every failed request.
type ErrorBody struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	UserMistake bool   `json:"user_mistake"`
	Retryable   bool   `json:"retryable,omitempty"`
}

func newErrorBody(err error) ErrorBody {
	kind := errors.Classify(err)
	return ErrorBody{
		Kind:        kind.String(),
		Message:     errors.Describe(err),
		UserMistake: kind.UserMistake(),
		Retryable:   errors.IsRetryable(err),
	}
}

// errorHandler renders errors that reached fiber: middleware rejections
// and anything a handler did not render itself.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": ErrorBody{
			Kind:    strings.ReplaceAll(strings.ToLower(http.StatusText(fe.Code)), " ", "_"),
			Message: fe.Message,
		}})
	}
	return c.Status(StatusFor(err)).JSON(fiber.Map{"error": newErrorBody(err)})
}
