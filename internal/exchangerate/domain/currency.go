package domain

import (
	"fmt"
	"strings"
)

// CurrencyCode is an upper-case ISO 4217 style three letter code.
type CurrencyCode string

// ParseCurrencyCode trims and upper-cases raw and rejects anything that is
// not exactly three ASCII letters.
func ParseCurrencyCode(raw string) (CurrencyCode, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
		}
	}
	return CurrencyCode(code), nil
}

// MustCurrencyCode is ParseCurrencyCode for constants and tests.
func MustCurrencyCode(raw string) CurrencyCode {
	code, err := ParseCurrencyCode(raw)
	if err != nil {
		panic(err)
	}
	return code
}

// ParseCurrencyCodes parses every entry, dropping duplicates while keeping
// first-seen order.
func ParseCurrencyCodes(raw []string) ([]CurrencyCode, error) {
	out := make([]CurrencyCode, 0, len(raw))
	seen := make(map[CurrencyCode]struct{}, len(raw))
	for _, item := range raw {
		code, err := ParseCurrencyCode(item)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out, nil
}

func (c CurrencyCode) String() string { return string(c) }
