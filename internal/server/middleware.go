package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/authorization"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
)

const (
	// HeaderAccountID is set by the upstream auth layer for signed-in users.
	HeaderAccountID = "X-Account-Id"

	contextOperatorKey = "operator"
)

// caller resolves the generation caller. Anonymous callers are keyed by
// client address.
func (s *Server) caller(c *gin.Context) usagedomain.Caller {
	caller := usagedomain.Caller{
		AccountID: strings.TrimSpace(c.GetHeader(HeaderAccountID)),
		SourceIP:  c.ClientIP(),
	}
	if caller.AccountID != "" {
		c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), caller.AccountID))
	}
	return caller
}

// OperatorRequired authenticates the bearer operator key.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		scheme, key, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(key) == "" {
			AbortWithError(c, authorization.ErrUnauthorized)
			return
		}

		operator, err := s.authzSvc.Authenticate(c.Request.Context(), strings.TrimSpace(key))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextOperatorKey, operator)
		c.Next()
	}
}

func (s *Server) authorizeOperator(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		operator, ok := c.Get(contextOperatorKey)
		if !ok {
			AbortWithError(c, authorization.ErrUnauthorized)
			return
		}
		op, ok := operator.(authorization.Operator)
		if !ok {
			AbortWithError(c, authorization.ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), op, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
