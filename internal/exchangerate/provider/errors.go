package provider

import "github.com/smallbiznis/fxrates/internal/exchangerate/domain"

var (
	ErrNotConfigured   = domain.ErrProviderNotConfigured
	ErrUnavailable     = domain.ErrProviderUnavailable
	ErrQuotaExceeded   = domain.ErrProviderQuotaExceeded
	ErrInvalidResponse = domain.ErrProviderInvalidResponse
)

// errorTypes maps the provider's error-type values onto typed failures.
var errorTypes = map[string]error{
	"quota-reached":         ErrQuotaExceeded,
	"invalid-key":           ErrNotConfigured,
	"inactive-account":      ErrNotConfigured,
	"unsupported-code":      ErrInvalidResponse,
	"malformed-request":     ErrInvalidResponse,
	"base-code-only-on-pro": ErrInvalidResponse,
}
