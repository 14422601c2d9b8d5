package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ExchangeConfig configures rate resolution, the provider client and the sync jobs.
// It is read once at startup and never reloaded.
type ExchangeConfig struct {
	ProviderBaseURL    string        `mapstructure:"providerBaseURL"`
	APIKey             string        `mapstructure:"apiKey"`
	RequestTimeout     time.Duration `mapstructure:"requestTimeout"`
	CacheTTL           time.Duration `mapstructure:"cacheTTL"`
	QuotaThreshold     float64       `mapstructure:"quotaThreshold"`
	FullSyncInterval   time.Duration `mapstructure:"fullSyncInterval"`
	QuotaCheckInterval time.Duration `mapstructure:"quotaCheckInterval"`
	JanitorInterval    time.Duration `mapstructure:"janitorInterval"`
	InterCallDelay     time.Duration `mapstructure:"interCallDelay"`
	JobTimeout         time.Duration `mapstructure:"jobTimeout"`
	CommonCurrencies   []string      `mapstructure:"commonCurrencies"`
	AmountScale        int32         `mapstructure:"amountScale"`
	SyncOnStartup      bool          `mapstructure:"syncOnStartup"`
	SeedRates          []SeedRate    `mapstructure:"seedRates"`
	LiveFetchRate      float64       `mapstructure:"liveFetchRate"`
	LiveFetchBurst     int           `mapstructure:"liveFetchBurst"`
}

// SeedRate is a static rate loaded at startup when the pair has no row yet.
type SeedRate struct {
	Base   string `mapstructure:"base"`
	Target string `mapstructure:"target"`
	Rate   string `mapstructure:"rate"`
}

// Configured reports whether provider credentials are present.
func (c ExchangeConfig) Configured() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

func DefaultExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		ProviderBaseURL:    "https://v6.exchangerate-api.com/v6",
		RequestTimeout:     10 * time.Second,
		CacheTTL:           24 * time.Hour,
		QuotaThreshold:     0.10,
		FullSyncInterval:   24 * time.Hour,
		QuotaCheckInterval: 6 * time.Hour,
		JanitorInterval:    12 * time.Hour,
		InterCallDelay:     time.Second,
		JobTimeout:         30 * time.Minute,
		CommonCurrencies:   []string{"USD", "EUR", "GBP", "JPY", "CAD", "AUD", "CHF", "CNY", "INR", "IDR"},
		AmountScale:        2,
		LiveFetchRate:      1,
		LiveFetchBurst:     10,
	}
}

// LoadExchangeConfig reads the exchange section from exchange.yml (when
// present) with FXRATES_ environment overrides.
func LoadExchangeConfig() (ExchangeConfig, error) {
	v := viper.New()

	v.SetConfigName("exchange")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/fxrates")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FXRATES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultExchangeConfig()
	v.SetDefault("exchange.providerBaseURL", defaults.ProviderBaseURL)
	v.SetDefault("exchange.apiKey", defaults.APIKey)
	v.SetDefault("exchange.requestTimeout", defaults.RequestTimeout)
	v.SetDefault("exchange.cacheTTL", defaults.CacheTTL)
	v.SetDefault("exchange.quotaThreshold", defaults.QuotaThreshold)
	v.SetDefault("exchange.fullSyncInterval", defaults.FullSyncInterval)
	v.SetDefault("exchange.quotaCheckInterval", defaults.QuotaCheckInterval)
	v.SetDefault("exchange.janitorInterval", defaults.JanitorInterval)
	v.SetDefault("exchange.interCallDelay", defaults.InterCallDelay)
	v.SetDefault("exchange.jobTimeout", defaults.JobTimeout)
	v.SetDefault("exchange.commonCurrencies", defaults.CommonCurrencies)
	v.SetDefault("exchange.amountScale", defaults.AmountScale)
	v.SetDefault("exchange.syncOnStartup", defaults.SyncOnStartup)
	v.SetDefault("exchange.seedRates", defaults.SeedRates)
	v.SetDefault("exchange.liveFetchRate", defaults.LiveFetchRate)
	v.SetDefault("exchange.liveFetchBurst", defaults.LiveFetchBurst)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ExchangeConfig{}, err
		}
	}

	var wrapper struct {
		Exchange ExchangeConfig `mapstructure:"exchange"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return ExchangeConfig{}, err
	}
	cfg := wrapper.Exchange
	cfg.CommonCurrencies = normalizeCodes(cfg.CommonCurrencies)
	if err := validateExchangeConfig(cfg); err != nil {
		return ExchangeConfig{}, err
	}
	return cfg, nil
}

func validateExchangeConfig(cfg ExchangeConfig) error {
	if cfg.CacheTTL <= 0 {
		return errors.New("exchange.cacheTTL must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("exchange.requestTimeout must be positive")
	}
	if cfg.QuotaThreshold <= 0 || cfg.QuotaThreshold >= 1 {
		return errors.New("exchange.quotaThreshold must be between 0 and 1")
	}
	if cfg.FullSyncInterval <= 0 || cfg.QuotaCheckInterval <= 0 || cfg.JanitorInterval <= 0 {
		return errors.New("exchange job intervals must be positive")
	}
	if cfg.InterCallDelay < 0 {
		return errors.New("exchange.interCallDelay cannot be negative")
	}
	if cfg.AmountScale < 0 {
		return errors.New("exchange.amountScale cannot be negative")
	}
	for _, code := range cfg.CommonCurrencies {
		if !isCurrencyCode(code) {
			return fmt.Errorf("exchange.commonCurrencies: invalid code %q", code)
		}
	}
	for _, seed := range cfg.SeedRates {
		if !isCurrencyCode(strings.ToUpper(strings.TrimSpace(seed.Base))) ||
			!isCurrencyCode(strings.ToUpper(strings.TrimSpace(seed.Target))) {
			return fmt.Errorf("exchange.seedRates: invalid pair %s/%s", seed.Base, seed.Target)
		}
	}
	return nil
}

func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		out = append(out, code)
	}
	return out
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
