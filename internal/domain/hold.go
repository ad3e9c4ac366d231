package domain

import (
	"errors"
	"fmt"
	"time"

	"cardauth/internal/common/money"
)

// HoldStatus represents the status of a hold
type HoldStatus string

const (
	HoldActive            HoldStatus = "active"
	HoldPartiallyReleased HoldStatus = "partially_released"
	HoldReleased          HoldStatus = "released"
	HoldExpired           HoldStatus = "expired"
	HoldReversed          HoldStatus = "reversed"
)

// Release reasons recorded on holds
const (
	ReasonSettlement      = "settlement"
	ReasonPartialRelease  = "partial release"
	ReasonReversal        = "reversal"
	ReasonAutomaticExpiry = "automatic expiry"
	ReasonRollback        = "authorization rollback"
)

// Hold transition errors. These are caller errors and must not be retried blindly.
var (
	ErrHoldNotFound            = errors.New("hold not found")
	ErrHoldTerminal            = errors.New("hold is in a terminal state")
	ErrReleaseExceedsRemaining = errors.New("release amount exceeds remaining hold")
	ErrHoldNotExpired          = errors.New("hold has not expired")
)

// Hold is a time-bounded reservation of card funds
type Hold struct {
	ID              string         `json:"id"`
	CardID          string         `json:"card_id"`
	AuthorizationID string         `json:"authorization_id"`
	OriginalAmount  money.Money    `json:"original_amount"`
	HoldAmount      int64          `json:"hold_amount"`
	ReleasedAmount  int64          `json:"released_amount"`
	Currency        money.Currency `json:"currency"`
	Status          HoldStatus     `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	ReleasedAt      *time.Time     `json:"released_at,omitempty"`
	ReleaseReason   string         `json:"release_reason,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewHold creates an active hold for an approved authorization
func NewHold(id, cardID, authorizationID string, amount int64, currency money.Currency, original money.Money, now time.Time, ttl time.Duration) (*Hold, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if cardID == "" {
		return nil, errors.New("card_id is required")
	}
	if authorizationID == "" {
		return nil, errors.New("authorization_id is required")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}

	now = now.UTC()
	return &Hold{
		ID:              id,
		CardID:          cardID,
		AuthorizationID: authorizationID,
		OriginalAmount:  original,
		HoldAmount:      amount,
		Currency:        currency,
		Status:          HoldActive,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		UpdatedAt:       now,
	}, nil
}

// Remaining returns the still-reserved portion of the hold
func (h *Hold) Remaining() int64 {
	return h.HoldAmount - h.ReleasedAmount
}

// IsTerminal returns true if the hold can no longer change
func (h *Hold) IsTerminal() bool {
	switch h.Status {
	case HoldReleased, HoldExpired, HoldReversed:
		return true
	default:
		return false
	}
}

// IsExpiredAt reports whether a non-terminal hold is past its expiry
func (h *Hold) IsExpiredAt(now time.Time) bool {
	return !h.IsTerminal() && h.ExpiresAt.Before(now)
}

// Release releases amount (or the full remainder when nil) and returns the
// amount to credit back to the card.
func (h *Hold) Release(amount *int64, reason string, now time.Time) (int64, error) {
	if h.IsTerminal() {
		return 0, fmt.Errorf("%w: %s", ErrHoldTerminal, h.Status)
	}

	credit := h.Remaining()
	if amount != nil {
		if *amount <= 0 {
			return 0, ErrInvalidAmount
		}
		if *amount > credit {
			return 0, fmt.Errorf("%w: requested %d, remaining %d", ErrReleaseExceedsRemaining, *amount, credit)
		}
		credit = *amount
	}

	now = now.UTC()
	h.ReleasedAmount += credit
	h.ReleaseReason = reason
	h.UpdatedAt = now
	if h.ReleasedAmount == h.HoldAmount {
		h.Status = HoldReleased
		h.ReleasedAt = &now
	} else {
		h.Status = HoldPartiallyReleased
	}
	return credit, nil
}

// Reverse releases the full remainder immediately and marks the hold reversed
func (h *Hold) Reverse(reason string, now time.Time) (int64, error) {
	return h.closeOut(HoldReversed, reason, now)
}

// Expire force-releases a hold past its expiry time
func (h *Hold) Expire(now time.Time) (int64, error) {
	if h.IsTerminal() {
		return 0, fmt.Errorf("%w: %s", ErrHoldTerminal, h.Status)
	}
	if !h.ExpiresAt.Before(now) {
		return 0, ErrHoldNotExpired
	}
	return h.closeOut(HoldExpired, ReasonAutomaticExpiry, now)
}

func (h *Hold) closeOut(status HoldStatus, reason string, now time.Time) (int64, error) {
	if h.IsTerminal() {
		return 0, fmt.Errorf("%w: %s", ErrHoldTerminal, h.Status)
	}
	now = now.UTC()
	credit := h.Remaining()
	h.ReleasedAmount = h.HoldAmount
	h.Status = status
	h.ReleasedAt = &now
	h.ReleaseReason = reason
	h.UpdatedAt = now
	return credit, nil
}

// Clone returns a copy of the hold
func (h *Hold) Clone() *Hold {
	if h == nil {
		return nil
	}
	c := *h
	if h.ReleasedAt != nil {
		t := *h.ReleasedAt
		c.ReleasedAt = &t
	}
	return &c
}

// HoldFilter narrows hold listings. Zero values match everything.
type HoldFilter struct {
	Statuses     []HoldStatus
	CreatedSince time.Time
}

// Matches reports whether h passes the filter
func (f HoldFilter) Matches(h *Hold) bool {
	if !f.CreatedSince.IsZero() && h.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if h.Status == s {
			return true
		}
	}
	return false
}

// OpenStatuses are the statuses that still reserve funds
func OpenStatuses() []HoldStatus {
	return []HoldStatus{HoldActive, HoldPartiallyReleased}
}
