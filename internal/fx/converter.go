// Package fx converts authorization amounts into a card's settlement currency.
package fx

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"cardauth/internal/common/money"
	"cardauth/internal/domain"
)

var (
	ErrInvalidAmount   = errors.New("conversion amount must be positive")
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrRateUnavailable = errors.New("exchange rate unavailable")
)

// Config holds converter settings
type Config struct {
	FeeBasisPoints int64 `envconfig:"FX_FEE_BASIS_POINTS" default:"150"`
}

// RateSource returns the number of units of to per one unit of from
type RateSource interface {
	GetRate(ctx context.Context, from, to money.Currency) (decimal.Decimal, error)
}

// Converter applies exchange rates plus a fixed fee
type Converter struct {
	rates  RateSource
	feeBps int64
}

// NewConverter creates a new converter
func NewConverter(rates RateSource, cfg Config) *Converter {
	return &Converter{rates: rates, feeBps: cfg.FeeBasisPoints}
}

// Convert converts amount into the to currency. Same-currency conversion is
// an identity with no fee.
func (c *Converter) Convert(ctx context.Context, amount money.Money, to money.Currency) (*domain.Conversion, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !money.IsKnown(amount.Currency) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, amount.Currency)
	}
	if !money.IsKnown(to) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}

	if amount.Currency == to {
		return &domain.Conversion{
			Original:  amount,
			Converted: amount,
			Fee:       money.Zero(to),
			Total:     amount,
			Rate:      decimal.NewFromInt(1),
		}, nil
	}

	rate, err := c.rates.GetRate(ctx, amount.Currency, to)
	if err != nil {
		if errors.Is(err, ErrUnknownCurrency) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s->%s: %v", ErrRateUnavailable, amount.Currency, to, err)
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive rate for %s->%s", ErrRateUnavailable, amount.Currency, to)
	}

	converted := money.FromDecimal(amount.Decimal().Mul(rate), to)
	if !converted.IsPositive() {
		// Tiny amounts in high-value currencies can round to zero.
		converted = money.New(1, to)
	}
	fee := converted.Percentage(c.feeBps)
	total, err := converted.Add(fee)
	if err != nil {
		return nil, err
	}

	return &domain.Conversion{
		Original:       amount,
		Converted:      converted,
		Fee:            fee,
		Total:          total,
		Rate:           rate,
		FeeBasisPoints: c.feeBps,
	}, nil
}
