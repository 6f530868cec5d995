package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	diagnosticsdomain "github.com/smallbiznis/creditledger/internal/diagnostics/domain"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"go.uber.org/zap"
)

func (s *Server) GetDiagnosticsSummary(c *gin.Context) {
	summary, err := s.diagnosticsSvc.Summary(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) ListAnomalies(c *gin.Context) {
	anomalies, err := s.diagnosticsSvc.Anomalies(c.Request.Context(), diagnosticsdomain.AnomalyRequest{
		AccountID: strings.TrimSpace(c.Query("account_id")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": anomalies})
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req := paymentdomain.ListEventsRequest{
		EventType: strings.TrimSpace(c.Query("event_type")),
		AccountID: strings.TrimSpace(c.Query("account_id")),
	}
	if limit != nil {
		req.Limit = int(*limit)
	}

	events, err := s.diagnosticsSvc.Events(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (s *Server) GetAccountReport(c *gin.Context) {
	report, err := s.diagnosticsSvc.AccountReport(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) GetAccountStatement(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("account_id"))
	doc, err := s.diagnosticsSvc.Statement(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="statement-%s.pdf"`, accountID))
	c.Data(http.StatusOK, "application/pdf", doc)
}

func (s *Server) RepairAccount(c *gin.Context) {
	var req diagnosticsdomain.RepairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.diagnosticsSvc.Repair(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("diagnostics.repair.requested",
		zap.String("operator", s.operatorName(c)),
		zap.String("account_id", result.AccountID),
		zap.Int("fixes", len(result.Fixes)),
	)
	c.JSON(http.StatusOK, result)
}

func (s *Server) ResyncAccount(c *gin.Context) {
	result, err := s.diagnosticsSvc.Resync(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("diagnostics.resync.requested",
		zap.String("operator", s.operatorName(c)),
		zap.String("account_id", result.AccountID),
		zap.Int64("drift", result.Drift),
	)
	c.JSON(http.StatusOK, result)
}
