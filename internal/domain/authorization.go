package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"cardauth/internal/common/money"
)

// AuthorizationStatus represents the outcome of an authorization attempt
type AuthorizationStatus string

const (
	AuthPending  AuthorizationStatus = "pending"
	AuthApproved AuthorizationStatus = "approved"
	AuthDeclined AuthorizationStatus = "declined"
	AuthExpired  AuthorizationStatus = "expired"
)

// IsTerminal returns true for approved and declined outcomes
func (s AuthorizationStatus) IsTerminal() bool {
	return s == AuthApproved || s == AuthDeclined
}

// AuthorizationRequest is a purchase attempt as submitted by the payment network
type AuthorizationRequest struct {
	CardID               string    `json:"card_id" validate:"required"`
	TransactionToken     string    `json:"transaction_token" validate:"required,max=128"`
	MerchantName         string    `json:"merchant_name" validate:"required,max=255"`
	MerchantCategoryCode string    `json:"merchant_category_code" validate:"omitempty,numeric,len=4"`
	Amount               int64     `json:"amount" validate:"gt=0"`
	Currency             string    `json:"currency" validate:"omitempty,len=3"`
	Country              string    `json:"country" validate:"omitempty,len=2"`
	City                 string    `json:"city,omitempty" validate:"max=128"`
	SubmittedAt          time.Time `json:"submitted_at"`
	RetryCount           int       `json:"retry_count" validate:"gte=0"`
}

// Attempt is one immutable purchase attempt against a card
type Attempt struct {
	ID                   string      `json:"id"`
	CardID               string      `json:"card_id"`
	TransactionToken     string      `json:"transaction_token"`
	MerchantName         string      `json:"merchant_name"`
	MerchantCategoryCode string      `json:"merchant_category_code,omitempty"`
	Amount               money.Money `json:"amount"`
	Country              string      `json:"country,omitempty"`
	City                 string      `json:"city,omitempty"`
	SubmittedAt          time.Time   `json:"submitted_at"`
	RetryCount           int         `json:"retry_count"`
}

// Conversion is the caller-visible breakdown of a currency conversion
type Conversion struct {
	Original       money.Money     `json:"original"`
	Converted      money.Money     `json:"converted"`
	Fee            money.Money     `json:"fee"`
	Total          money.Money     `json:"total"`
	Rate           decimal.Decimal `json:"rate"`
	FeeBasisPoints int64           `json:"fee_basis_points"`
}

// Result is the outcome of an authorization attempt
type Result struct {
	ID                string              `json:"id"`
	AttemptID         string              `json:"attempt_id"`
	CardID            string              `json:"card_id"`
	TransactionToken  string              `json:"transaction_token"`
	Status            AuthorizationStatus `json:"status"`
	AuthorizationCode string              `json:"authorization_code,omitempty"`
	DeclineCode       DeclineCode         `json:"decline_code,omitempty"`
	DeclineMessage    string              `json:"decline_message,omitempty"`
	Retryable         bool                `json:"retryable"`
	Amount            money.Money         `json:"amount"`
	Attempt           *Attempt            `json:"attempt,omitempty"`
	RiskScore         int                 `json:"risk_score"`
	RiskLevel         RiskLevel           `json:"risk_level,omitempty"`
	RiskAction        RiskAction          `json:"risk_action,omitempty"`
	RiskFactors       *RiskFactors        `json:"risk_factors,omitempty"`
	Conversion        *Conversion         `json:"conversion,omitempty"`
	HoldID            string              `json:"hold_id,omitempty"`
	PreviousResultID  string              `json:"previous_result_id,omitempty"`
	RetryCount        int                 `json:"retry_count"`
	Latency           time.Duration       `json:"latency_ns"`
	CreatedAt         time.Time           `json:"created_at"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
}

// Approve marks a pending result approved
func (r *Result) Approve(authCode, holdID string, at time.Time) {
	r.Status = AuthApproved
	r.AuthorizationCode = authCode
	r.HoldID = holdID
	r.DeclineCode = ""
	r.DeclineMessage = ""
	r.Retryable = false
	r.CompletedAt = &at
}

// Decline marks a pending result declined with a catalog reason
func (r *Result) Decline(code DeclineCode, at time.Time) {
	reason := LookupDecline(code)
	r.Status = AuthDeclined
	r.AuthorizationCode = ""
	r.HoldID = ""
	r.DeclineCode = reason.Code
	r.DeclineMessage = reason.Message
	r.Retryable = reason.Retryable
	r.CompletedAt = &at
}

// Clone returns a deep copy so stored results cannot be mutated by callers
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.RiskFactors != nil {
		f := *r.RiskFactors
		c.RiskFactors = &f
	}
	if r.Conversion != nil {
		conv := *r.Conversion
		c.Conversion = &conv
	}
	if r.Attempt != nil {
		a := *r.Attempt
		c.Attempt = &a
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
