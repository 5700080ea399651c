package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	authdomain "github.com/smallbiznis/payauth/internal/authrequest/domain"
	pcdomain "github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	tsdomain "github.com/smallbiznis/payauth/internal/tokenstore/domain"
	"github.com/smallbiznis/payauth/pkg/db/pagination"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate_limited")
	ErrInternal     = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    err.Error(),
			Message: "invalid request",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, tsdomain.ErrDecryptForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, authdomain.ErrIdempotencyConflict),
		errors.Is(err, tsdomain.ErrIdempotencyConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    "idempotency_key_conflict",
			Message: "idempotency key was already used with a different request",
		}
	case errors.Is(err, authdomain.ErrNotVoidable):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    "not_voidable",
			Message: "authorization request cannot be voided in its current status",
		}
	case errors.Is(err, tsdomain.ErrTokenExpired):
		return http.StatusGone, errorPayload{
			Type:    "gone",
			Code:    "token_expired",
			Message: "payment token has expired",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, authdomain.ErrInvalidAmount),
		errors.Is(err, authdomain.ErrInvalidCurrency),
		errors.Is(err, authdomain.ErrInvalidPaymentToken),
		errors.Is(err, authdomain.ErrInvalidRestaurant),
		errors.Is(err, authdomain.ErrMissingIdempotencyKey),
		errors.Is(err, tsdomain.ErrInvalidCard),
		errors.Is(err, tsdomain.ErrInvalidExpiry),
		errors.Is(err, tsdomain.ErrInvalidEncryption),
		errors.Is(err, tsdomain.ErrUnknownKey),
		errors.Is(err, tsdomain.ErrDecryptionFailed),
		errors.Is(err, pagination.ErrBadCursor):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, authdomain.ErrNotFound),
		errors.Is(err, tsdomain.ErrTokenNotFound),
		errors.Is(err, pcdomain.ErrConfigNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
