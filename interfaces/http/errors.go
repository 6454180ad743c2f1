package httpiface

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chat-relay/domain/chat"
	"chat-relay/domain/persistence"
	"chat-relay/domain/quota"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// statusFor maps an application error to an HTTP status and the message the
// client may see. Anything unrecognised is a 500 with no detail.
func statusFor(err error) (int, string) {
	var (
		rateLimited *chat.RateLimitedError
		overQuota   *chat.QuotaExceededError
		invalid     *chat.ValidationError
		forbidden   *chat.ModelForbiddenError
	)

	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized, "Authentication required"
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests, "Too many requests, please slow down"
	case errors.As(err, &overQuota):
		return http.StatusTooManyRequests, fmt.Sprintf("Monthly message limit of %d reached for the %s plan", overQuota.Limit, overQuota.Tier)
	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Detail
	case errors.Is(err, chat.ErrUnknownModel):
		return http.StatusBadRequest, "Unknown model"
	case errors.As(err, &forbidden):
		return http.StatusForbidden, fmt.Sprintf("Model %s is not available on the %s plan", forbidden.Model, forbidden.Tier)
	case errors.Is(err, persistence.ErrConversationNotFound):
		return http.StatusNotFound, "Conversation not found"
	case errors.Is(err, chat.ErrUpstreamProvider):
		return http.StatusBadGateway, "The model provider failed to complete the request"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// writeError sends a single JSON error response, with Retry-After for
// rate and quota denials.
func writeError(c *gin.Context, err error) {
	status, message := statusFor(err)

	entry := logrus.WithError(err).WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"status":     status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	if retryAt, ok := chat.RetryAfter(err); ok {
		seconds := quota.QuotaDecision{WindowResetAt: retryAt}.RetryAfterSeconds(time.Now())
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
	}
	c.AbortWithStatusJSON(status, chat.ErrorResponse{Error: message})
}
