package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	migrationdomain "github.com/smallbiznis/fxrates/internal/currencymigration/domain"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
)

type migrationRequest struct {
	OwnerType      string `json:"owner_type"`
	OwnerID        string `json:"owner_id"`
	TargetCurrency string `json:"target_currency"`
}

func (s *Server) PreviewMigration(c *gin.Context) {
	owner, target, ok := bindMigrationRequest(c)
	if !ok {
		return
	}

	preview, err := s.migration.Preview(c.Request.Context(), owner, target)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": preview})
}

func (s *Server) RunMigration(c *gin.Context) {
	owner, target, ok := bindMigrationRequest(c)
	if !ok {
		return
	}

	result, err := s.migration.Migrate(c.Request.Context(), owner, target)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func bindMigrationRequest(c *gin.Context) (migrationdomain.Owner, ratedomain.CurrencyCode, bool) {
	var req migrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return migrationdomain.Owner{}, "", false
	}

	id, err := parseSnowflakeID(req.OwnerID)
	if err != nil {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner_id", "invalid owner_id"))
		return migrationdomain.Owner{}, "", false
	}
	target, err := ratedomain.ParseCurrencyCode(req.TargetCurrency)
	if err != nil {
		AbortWithError(c, newValidationError("target_currency", "invalid_currency", "invalid currency"))
		return migrationdomain.Owner{}, "", false
	}

	owner := migrationdomain.Owner{
		Kind: migrationdomain.OwnerKind(strings.ToLower(strings.TrimSpace(req.OwnerType))),
		ID:   id,
	}
	return owner, target, true
}
