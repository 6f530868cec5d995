package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
)

type generationRequest struct {
	ImageURL  string `json:"imageUrl" binding:"required"`
	HairStyle string `json:"hairStyle"`
	HairColor string `json:"hairColor"`
}

func (s *Server) SubmitGeneration(c *gin.Context) {
	var req generationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.usageSvc.Submit(c.Request.Context(), usagedomain.SubmitRequest{
		Caller:    s.caller(c),
		ImageURL:  req.ImageURL,
		HairStyle: req.HairStyle,
		HairColor: req.HairColor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetGeneration(c *gin.Context) {
	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.usageSvc.Status(c.Request.Context(), s.caller(c), taskID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
