package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
)

func (s *Server) ApplyBatch(c *gin.Context) {
	var req counterdomain.ApplyBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tagCountry(c, req.CountryCode)

	result, err := s.counterSvc.ApplyBatch(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respondOK(c, result)
}

func (s *Server) ApplyClick(c *gin.Context) {
	var req counterdomain.ApplyClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tagCountry(c, req.CountryCode)

	result, err := s.counterSvc.ApplyClick(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respondOK(c, result)
}

func (s *Server) GetUserTotal(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	if userID == "" {
		AbortWithError(c, counterdomain.ErrInvalidUserID)
		return
	}

	total, err := s.leaderboardSvc.GetUserTotal(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respondOK(c, total)
}

type playerResponse struct {
	UserID string `json:"user_id"`
}

// IssuePlayerID hands out an opaque id for clients that have none yet.
func (s *Server) IssuePlayerID(c *gin.Context) {
	if s.genID == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	respond(c, http.StatusCreated, playerResponse{UserID: s.genID.Generate().String()})
}
