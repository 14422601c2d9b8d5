package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
)

type resolveResponse struct {
	From          ratedomain.CurrencyCode `json:"from"`
	To            ratedomain.CurrencyCode `json:"to"`
	Rate          decimal.Decimal         `json:"rate"`
	Tier          ratedomain.Tier         `json:"tier"`
	Source        ratedomain.Source       `json:"source,omitempty"`
	Scope         ratedomain.Scope        `json:"scope,omitempty"`
	Stale         bool                    `json:"stale"`
	LastUpdatedAt *time.Time              `json:"last_updated_at,omitempty"`
}

type convertResponse struct {
	From      ratedomain.CurrencyCode `json:"from"`
	To        ratedomain.CurrencyCode `json:"to"`
	Amount    decimal.Decimal         `json:"amount"`
	Converted decimal.Decimal         `json:"converted"`
}

func (s *Server) SyncStatus(c *gin.Context) {
	status, err := s.sync.SyncStatus(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) TriggerSync(c *gin.Context) {
	base := c.Param("base")
	if err := s.sync.TriggerManualSync(c.Request.Context(), base); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) ResolveRate(c *gin.Context) {
	from, to, ok := pairFromQuery(c)
	if !ok {
		return
	}
	orgID, err := parseOptionalSnowflakeID(c.Query("org_id"))
	if err != nil {
		AbortWithError(c, newValidationError("org_id", "invalid_org_id", "invalid org_id"))
		return
	}

	res, err := s.resolver.Resolve(c.Request.Context(), ratedomain.ResolveRequest{
		OrgID: orgID,
		From:  from,
		To:    to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resolveResponse{
		From:          from,
		To:            to,
		Rate:          res.Rate,
		Tier:          res.Tier,
		Source:        res.Source,
		Scope:         res.Scope,
		Stale:         res.Stale,
		LastUpdatedAt: res.LastUpdatedAt,
	}})
}

// ConvertAmount always answers 200. An amount that could not be converted
// comes back unchanged.
func (s *Server) ConvertAmount(c *gin.Context) {
	from, to, ok := pairFromQuery(c)
	if !ok {
		return
	}
	amount, err := parseDecimal(c.Query("amount"))
	if err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
		return
	}
	orgID, err := parseOptionalSnowflakeID(c.Query("org_id"))
	if err != nil {
		AbortWithError(c, newValidationError("org_id", "invalid_org_id", "invalid org_id"))
		return
	}

	converted := s.converter.Convert(c.Request.Context(), amount, from, to, orgID)
	c.JSON(http.StatusOK, gin.H{"data": convertResponse{
		From:      from,
		To:        to,
		Amount:    amount,
		Converted: converted,
	}})
}

func pairFromQuery(c *gin.Context) (ratedomain.CurrencyCode, ratedomain.CurrencyCode, bool) {
	from, err := ratedomain.ParseCurrencyCode(c.Query("from"))
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_currency", "invalid currency"))
		return "", "", false
	}
	to, err := ratedomain.ParseCurrencyCode(c.Query("to"))
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_currency", "invalid currency"))
		return "", "", false
	}
	return from, to, true
}
