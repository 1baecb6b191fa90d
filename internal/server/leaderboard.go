package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) GetLeaderboard(c *gin.Context) {
	snapshot, err := s.leaderboardSvc.GetLeaderboard(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respondOK(c, snapshot)
}

func (s *Server) GetStats(c *gin.Context) {
	stats, err := s.leaderboardSvc.GetStats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respondOK(c, stats)
}
