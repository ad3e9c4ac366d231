// Package domain contains the core types of the authorization engine.
package domain

import (
	"errors"
	"time"

	"cardauth/internal/common/money"
)

// CardStatus represents the lifecycle status of a virtual card
type CardStatus string

const (
	CardStatusActive    CardStatus = "active"
	CardStatusFrozen    CardStatus = "frozen"
	CardStatusCancelled CardStatus = "cancelled"
	CardStatusExpired   CardStatus = "expired"
)

// Ledger errors shared by every balance ledger implementation
var (
	ErrCardNotFound      = errors.New("card not found")
	ErrCardInactive      = errors.New("card is not active")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Card is the external ledger's view of a card balance. Amounts are minor units
// of the settlement currency.
type Card struct {
	ID               string         `json:"id"`
	Status           CardStatus     `json:"status"`
	Currency         money.Currency `json:"currency"`
	AvailableBalance int64          `json:"available_balance"`
	SpendingLimit    int64          `json:"spending_limit"`
	OverdraftLimit   int64          `json:"overdraft_limit"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// IsActive returns whether the card can be charged
func (c *Card) IsActive() bool {
	return c.Status == CardStatusActive
}

// CanCover reports whether available balance plus overdraft covers amount
func (c *Card) CanCover(amount int64) bool {
	return c.AvailableBalance+c.OverdraftLimit >= amount
}

// Transaction is a historical approved or pending authorization used for risk scoring
type Transaction struct {
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// RestrictionType identifies what a restriction rule matches
type RestrictionType string

const (
	RestrictionMerchantCategory RestrictionType = "merchant_category"
	RestrictionCountry          RestrictionType = "country"
)

// Restriction is a card-scoped allow or deny rule
type Restriction struct {
	Type    RestrictionType `json:"type"`
	Value   string          `json:"value"`
	Allowed bool            `json:"allowed"`
}
