package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
)

type setOverrideRequest struct {
	Rate string `json:"rate"`
}

func (s *Server) SetOverride(c *gin.Context) {
	orgID, base, target, ok := overrideTarget(c)
	if !ok {
		return
	}

	var req setOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	rate, err := parseDecimal(req.Rate)
	if err != nil {
		AbortWithError(c, newValidationError("rate", "invalid_rate", "invalid rate"))
		return
	}

	row, err := s.overrides.SetOverride(c.Request.Context(), orgID, base, target, rate)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": row})
}

func (s *Server) ClearOverride(c *gin.Context) {
	orgID, base, target, ok := overrideTarget(c)
	if !ok {
		return
	}

	if err := s.overrides.ClearOverride(c.Request.Context(), orgID, base, target); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func overrideTarget(c *gin.Context) (orgID snowflake.ID, base, target ratedomain.CurrencyCode, ok bool) {
	id, err := parseSnowflakeID(c.Param("org_id"))
	if err != nil {
		AbortWithError(c, newValidationError("org_id", "invalid_org_id", "invalid org_id"))
		return 0, "", "", false
	}
	base, err = ratedomain.ParseCurrencyCode(c.Param("base"))
	if err != nil {
		AbortWithError(c, newValidationError("base", "invalid_currency", "invalid currency"))
		return 0, "", "", false
	}
	target, err = ratedomain.ParseCurrencyCode(c.Param("target"))
	if err != nil {
		AbortWithError(c, newValidationError("target", "invalid_currency", "invalid currency"))
		return 0, "", "", false
	}
	return id, base, target, true
}
