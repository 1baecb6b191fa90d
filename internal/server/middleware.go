package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const contextCountryCodeKey = "country_code"

type dataResponse struct {
	Data any `json:"data"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, dataResponse{Data: data})
}

func respondOK(c *gin.Context, data any) {
	respond(c, http.StatusOK, data)
}

// tagCountry exposes the request's country to the request logger.
func tagCountry(c *gin.Context, code string) {
	if code = strings.ToLower(strings.TrimSpace(code)); code != "" {
		c.Set(contextCountryCodeKey, code)
	}
}
