package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCatalogCoversEveryCode(t *testing.T) {
	for _, code := range DeclineCodes() {
		r := LookupDecline(code)
		assert.Equal(t, code, r.Code)
		assert.NotEmpty(t, r.Message, code)
		assert.NotEmpty(t, r.MerchantMessage, code)
	}
}

func TestRetryability(t *testing.T) {
	assert.True(t, LookupDecline(DeclineProcessingError).Retryable)
	assert.True(t, LookupDecline(DeclineInsufficientFunds).Retryable)
	assert.False(t, LookupDecline(DeclineFraudSuspected).Retryable)
	assert.False(t, LookupDecline(DeclineValidationError).Retryable)
	assert.False(t, LookupDecline("SOMETHING_NEW").Retryable)
}

func TestResultDeclineCarriesCatalogMessage(t *testing.T) {
	r := &Result{Status: AuthPending}
	r.Decline(DeclineCardInactive, time.Now())

	assert.Equal(t, AuthDeclined, r.Status)
	assert.Equal(t, LookupDecline(DeclineCardInactive).Message, r.DeclineMessage)
	assert.Empty(t, r.AuthorizationCode)
	assert.NotNil(t, r.CompletedAt)
}

func TestLevelForScore(t *testing.T) {
	cases := map[int]RiskLevel{
		0:   RiskLevelLow,
		30:  RiskLevelLow,
		31:  RiskLevelMedium,
		74:  RiskLevelMedium,
		75:  RiskLevelHigh,
		90:  RiskLevelHigh,
		91:  RiskLevelCritical,
		100: RiskLevelCritical,
	}
	for score, want := range cases {
		assert.Equal(t, want, LevelForScore(score), "score %d", score)
	}
}
