package scheduler

import (
	"time"

	"github.com/smallbiznis/fxrates/internal/config"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
)

// Config controls the sync job cadence and the full sync candidate list.
type Config struct {
	FullSyncInterval   time.Duration
	QuotaCheckInterval time.Duration
	JanitorInterval    time.Duration
	InterCallDelay     time.Duration
	JobTimeout         time.Duration
	QuotaThreshold     float64
	CommonCurrencies   []domain.CurrencyCode
	SyncOnStartup      bool
}

func DefaultConfig() Config {
	return Config{
		FullSyncInterval:   24 * time.Hour,
		QuotaCheckInterval: 6 * time.Hour,
		JanitorInterval:    12 * time.Hour,
		InterCallDelay:     time.Second,
		JobTimeout:         30 * time.Minute,
		QuotaThreshold:     0.10,
	}
}

// ProvideConfig derives the scheduler config from the exchange settings.
func ProvideConfig(cfg config.ExchangeConfig) (Config, error) {
	codes, err := domain.ParseCurrencyCodes(cfg.CommonCurrencies)
	if err != nil {
		return Config{}, err
	}
	return Config{
		FullSyncInterval:   cfg.FullSyncInterval,
		QuotaCheckInterval: cfg.QuotaCheckInterval,
		JanitorInterval:    cfg.JanitorInterval,
		InterCallDelay:     cfg.InterCallDelay,
		JobTimeout:         cfg.JobTimeout,
		QuotaThreshold:     cfg.QuotaThreshold,
		CommonCurrencies:   codes,
		SyncOnStartup:      cfg.SyncOnStartup,
	}.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.FullSyncInterval <= 0 {
		c.FullSyncInterval = defaults.FullSyncInterval
	}
	if c.QuotaCheckInterval <= 0 {
		c.QuotaCheckInterval = defaults.QuotaCheckInterval
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = defaults.JanitorInterval
	}
	if c.InterCallDelay < 0 {
		c.InterCallDelay = defaults.InterCallDelay
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.QuotaThreshold <= 0 || c.QuotaThreshold >= 1 {
		c.QuotaThreshold = defaults.QuotaThreshold
	}
	return c
}
