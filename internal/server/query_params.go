package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/authorization"
)

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (s *Server) operatorName(c *gin.Context) string {
	if value, ok := c.Get(contextOperatorKey); ok {
		if op, ok := value.(authorization.Operator); ok {
			return op.Name
		}
	}
	return ""
}
