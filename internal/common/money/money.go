package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	CHF Currency = "CHF"
	SEK Currency = "SEK"
	SGD Currency = "SGD"
	MXN Currency = "MXN"
	KRW Currency = "KRW"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
	CAD: {Code: CAD, MinorUnits: 2, Symbol: "CA$", SymbolFirst: true},
	AUD: {Code: AUD, MinorUnits: 2, Symbol: "A$", SymbolFirst: true},
	CHF: {Code: CHF, MinorUnits: 2, Symbol: " CHF", SymbolFirst: false},
	SEK: {Code: SEK, MinorUnits: 2, Symbol: " kr", SymbolFirst: false},
	SGD: {Code: SGD, MinorUnits: 2, Symbol: "S$", SymbolFirst: true},
	MXN: {Code: MXN, MinorUnits: 2, Symbol: "MX$", SymbolFirst: true},
	KRW: {Code: KRW, MinorUnits: 0, Symbol: "₩", SymbolFirst: true},
}

// ErrCurrencyMismatch is returned when arithmetic mixes currencies
var ErrCurrencyMismatch = errors.New("currency mismatch")

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// IsKnown reports whether the currency is supported
func IsKnown(c Currency) bool {
	_, ok := currencies[c]
	return ok
}

// Parse normalizes a currency code and checks that it is supported
func Parse(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if !IsKnown(c) {
		return "", fmt.Errorf("unsupported currency %q", code)
	}
	return c, nil
}

// Money represents a monetary amount in minor units (cents, pence, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor - other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Percentage calculates a percentage (basis points / 10000), rounding half away from zero
func (m Money) Percentage(basisPoints int64) Money {
	v := decimal.NewFromInt(m.AmountMinor).
		Mul(decimal.NewFromInt(basisPoints)).
		Div(decimal.NewFromInt(10000)).
		Round(0)
	return Money{AmountMinor: v.IntPart(), Currency: m.Currency}
}

// Decimal returns the amount in major units as an exact decimal
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -int32(minorUnits(m.Currency)))
}

// FromDecimal builds Money from a major-unit decimal, rounding to the currency's minor units
func FromDecimal(d decimal.Decimal, currency Currency) Money {
	units := int32(minorUnits(currency))
	minor := d.Round(units).Shift(units)
	return Money{AmountMinor: minor.IntPart(), Currency: currency}
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	major := m.Decimal().StringFixed(int32(info.MinorUnits))
	if info.SymbolFirst {
		return info.Symbol + major
	}
	return major + info.Symbol
}

func minorUnits(c Currency) int {
	info, ok := currencies[c]
	if !ok {
		return 2
	}
	return info.MinorUnits
}
