package server

import "github.com/gin-gonic/gin"

type resetResponse struct {
	Status string `json:"status"`
}

// ResetAll wipes every counter. The route is absent in production.
func (s *Server) ResetAll(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	if err := s.counterSvc.ResetAll(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}

	respondOK(c, resetResponse{Status: "ok"})
}
