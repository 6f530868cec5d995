package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
)

type webhookResponse struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Result  paymentdomain.Result `json:"result"`
}

// HandlePaymentWebhook acknowledges duplicates and ignored event types with
// 200 so the processor stops redelivering them.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	limit := s.cfg.MaxWebhookBytes
	if limit <= 0 {
		limit = defaultMaxWebhookBytes
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, paymentdomain.ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.paymentSvc.Ingest(c.Request.Context(), payload, c.Request.Header)
	if result.EventType != "" {
		c.Set("event_type", result.EventType)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, webhookResponse{
		Success: true,
		Message: result.Message,
		Result:  result,
	})
}
