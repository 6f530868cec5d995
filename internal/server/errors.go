package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/authorization"
	diagnosticsdomain "github.com/smallbiznis/creditledger/internal/diagnostics/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	providerdomain "github.com/smallbiznis/creditledger/internal/provider/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
	ErrRetired        = errors.New("endpoint_retired")
	ErrInternal       = errors.New("internal_error")
)

type errorMapping struct {
	target  error
	status  int
	message string
}

// errorTable is matched in order; the first sentinel found in the chain
// decides the status and the public error code.
var errorTable = []errorMapping{
	{ErrInvalidRequest, http.StatusBadRequest, "invalid request"},
	{paymentdomain.ErrInvalidPayload, http.StatusBadRequest, "webhook payload is not valid JSON"},
	{paymentdomain.ErrPayloadTooLarge, http.StatusBadRequest, "webhook payload is too large"},
	{paymentdomain.ErrMissingEventType, http.StatusBadRequest, "eventType is required"},
	{paymentdomain.ErrMissingAccount, http.StatusBadRequest, "account identifier is required"},
	{paymentdomain.ErrMissingProduct, http.StatusBadRequest, "product identifier is required"},
	{paymentdomain.ErrUnknownProduct, http.StatusBadRequest, "product is not recognized"},
	{usagedomain.ErrInvalidRequest, http.StatusBadRequest, "imageUrl is required"},
	{usagedomain.ErrMissingIdentity, http.StatusBadRequest, "caller identity could not be resolved"},
	{diagnosticsdomain.ErrInvalidAccount, http.StatusBadRequest, "account_id is required"},
	{ledgerdomain.ErrInvalidAccount, http.StatusBadRequest, "account_id is required"},

	{paymentdomain.ErrInvalidSignature, http.StatusUnauthorized, "webhook signature mismatch"},
	{authorization.ErrUnauthorized, http.StatusUnauthorized, "operator key required"},
	{usagedomain.ErrInsufficientCredits, http.StatusPaymentRequired, "Not enough credits. Top up or renew your plan to continue."},
	{authorization.ErrForbidden, http.StatusForbidden, "operator is not allowed to perform this action"},

	{ErrNotFound, http.StatusNotFound, "not found"},
	{usagedomain.ErrTaskNotFound, http.StatusNotFound, "task not found"},
	{diagnosticsdomain.ErrAccountNotFound, http.StatusNotFound, "account not found"},
	{diagnosticsdomain.ErrSubscriptionNotFound, http.StatusNotFound, "subscription not found"},
	{subscriptiondomain.ErrSubscriptionNotFound, http.StatusNotFound, "subscription not found"},
	{gorm.ErrRecordNotFound, http.StatusNotFound, "not found"},

	{transitiondomain.ErrInvalidClassification, http.StatusConflict, "event conflicts with the account's current subscriptions"},
	{subscriptiondomain.ErrInvalidTransition, http.StatusConflict, "subscription status change is not allowed"},
	{diagnosticsdomain.ErrRepairInProgress, http.StatusConflict, "a repair is already running for this account"},

	{ErrRetired, http.StatusGone, "This endpoint has been retired."},

	{providerdomain.ErrContentRejected, http.StatusUnprocessableEntity, "The image was rejected. Try another photo."},
	{usagedomain.ErrUpstream, http.StatusUnprocessableEntity, "The generation service could not process this image. Try another photo."},
	{providerdomain.ErrUpstream, http.StatusUnprocessableEntity, "The generation service is unavailable. Try again later."},

	{usagedomain.ErrLifetimeLimit, http.StatusTooManyRequests, "Free generations used up. Subscribe to keep going."},
	{usagedomain.ErrGlobalQuotaExceeded, http.StatusTooManyRequests, "Free capacity for today is exhausted. Try again tomorrow or subscribe."},
	{usagedomain.ErrRateLimited, http.StatusTooManyRequests, "Too many requests. Slow down and retry shortly."},
}

func ErrorHandlingMiddleware(log *zap.Logger) gin.HandlerFunc {
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
		if status >= http.StatusInternalServerError {
			obslogger.WithContext(c.Request.Context(), log).Error("http.request.failed",
				zap.String("route", c.FullPath()),
				zap.Error(lastErr.Err),
			)
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, payload)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorResponse) {
	if err != nil {
		for _, m := range errorTable {
			if errors.Is(err, m.target) {
				return m.status, errorResponse{Error: m.target.Error(), Message: m.message}
			}
		}
	}
	return http.StatusInternalServerError, errorResponse{
		Error:   ErrInternal.Error(),
		Message: "internal server error",
	}
}

// classifyErrorForLog feeds the access log with an error class and code.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "server_error", payload.Error
	}
	return "client_error", payload.Error
}
