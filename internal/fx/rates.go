package fx

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"cardauth/internal/common/money"
)

// StaticRates is a configured table of USD-based rates. Inverse and cross
// rates are derived through USD.
type StaticRates struct {
	mu      sync.RWMutex
	fromUSD map[money.Currency]decimal.Decimal
}

// DefaultRates returns a reference table used when no rate feed is wired
func DefaultRates() *StaticRates {
	return NewStaticRates(map[money.Currency]string{
		money.EUR: "0.92",
		money.GBP: "0.79",
		money.JPY: "151.20",
		money.CAD: "1.36",
		money.AUD: "1.52",
		money.CHF: "0.90",
		money.SEK: "10.45",
		money.SGD: "1.34",
		money.MXN: "16.70",
		money.KRW: "1345.00",
	})
}

// NewStaticRates builds the table from decimal strings keyed by currency.
// Invalid entries are skipped.
func NewStaticRates(perUSD map[money.Currency]string) *StaticRates {
	s := &StaticRates{fromUSD: map[money.Currency]decimal.Decimal{money.USD: decimal.NewFromInt(1)}}
	for c, v := range perUSD {
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			continue
		}
		s.fromUSD[c] = d
	}
	return s
}

// Set replaces the USD rate of currency
func (s *StaticRates) Set(c money.Currency, perUSD decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fromUSD[c] = perUSD
}

// GetRate implements RateSource
func (s *StaticRates) GetRate(_ context.Context, from, to money.Currency) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fromRate, ok := s.fromUSD[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	toRate, ok := s.fromUSD[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	return toRate.DivRound(fromRate, 10), nil
}
