package domain

// RiskLevel buckets a 0-100 risk score
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskAction is the recommendation derived from a risk score
type RiskAction string

const (
	RiskActionApprove RiskAction = "approve"
	RiskActionStepUp  RiskAction = "step_up"
	RiskActionReview  RiskAction = "review"
	RiskActionDecline RiskAction = "decline"
)

// Component score ceilings. They sum to 100.
const (
	MaxVelocityScore = 30
	MaxAmountScore   = 25
	MaxLocationScore = 20
	MaxTimeScore     = 15
	MaxMerchantScore = 10
)

// RiskFactors holds the weighted component scores behind a risk score
type RiskFactors struct {
	Velocity float64 `json:"velocity"`
	Amount   float64 `json:"amount"`
	Location float64 `json:"location"`
	Time     float64 `json:"time"`
	Merchant float64 `json:"merchant"`
}

// Sum returns the unrounded total of all components
func (f RiskFactors) Sum() float64 {
	return f.Velocity + f.Amount + f.Location + f.Time + f.Merchant
}

// LevelForScore maps a score onto its risk level
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 91:
		return RiskLevelCritical
	case score >= 75:
		return RiskLevelHigh
	case score >= 31:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}
