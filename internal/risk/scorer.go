// Package risk computes fraud risk scores from five weighted signals.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"cardauth/internal/common/telemetry"
	"cardauth/internal/domain"
)

// Signal weights. Each raw signal is 0-100.
const (
	weightVelocity = 0.30
	weightAmount   = 0.25
	weightLocation = 0.20
	weightTime     = 0.15
	weightMerchant = 0.10

	stepUpThreshold = 15
	historyWindow   = 30 * 24 * time.Hour
	velocityWindow  = time.Hour
)

// Config holds scoring thresholds
type Config struct {
	VelocityHourlyLimit   int     `envconfig:"RISK_VELOCITY_HOURLY_LIMIT" default:"10"`
	AmountMultiplierLimit float64 `envconfig:"RISK_AMOUNT_MULTIPLIER_LIMIT" default:"3"`
	DeclineThreshold      int     `envconfig:"RISK_DECLINE_THRESHOLD" default:"75"`
	ReviewThreshold       int     `envconfig:"RISK_REVIEW_THRESHOLD" default:"50"`
	BusinessHourStart     int     `envconfig:"RISK_BUSINESS_HOUR_START" default:"8"`
	BusinessHourEnd       int     `envconfig:"RISK_BUSINESS_HOUR_END" default:"20"`
	LateNightStart        int     `envconfig:"RISK_LATE_NIGHT_START" default:"0"`
	LateNightEnd          int     `envconfig:"RISK_LATE_NIGHT_END" default:"5"`
	TimeZone              string  `envconfig:"RISK_TIME_ZONE" default:"UTC"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		VelocityHourlyLimit:   10,
		AmountMultiplierLimit: 3,
		DeclineThreshold:      75,
		ReviewThreshold:       50,
		BusinessHourStart:     8,
		BusinessHourEnd:       20,
		LateNightStart:        0,
		LateNightEnd:          5,
		TimeZone:              "UTC",
	}
}

// HistorySource returns approved and pending transactions of a card since a point in time
type HistorySource interface {
	GetApprovedTransactions(ctx context.Context, cardID string, since time.Time) ([]domain.Transaction, error)
}

// ScoreContext is the input of a single assessment. Amount is in the card's
// settlement currency.
type ScoreContext struct {
	CardID               string
	Amount               int64
	MerchantCategoryCode string
	Country              string
	At                   time.Time
}

// Assessment is the scorer output
type Assessment struct {
	Score    int                `json:"score"`
	Level    domain.RiskLevel   `json:"level"`
	Action   domain.RiskAction  `json:"action"`
	Factors  domain.RiskFactors `json:"factors"`
	FailOpen bool               `json:"fail_open,omitempty"`
}

// Scorer computes risk assessments
type Scorer struct {
	cfg     Config
	loc     *time.Location
	history HistorySource
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewScorer creates a new scorer. The review threshold is clamped so it never
// exceeds the decline threshold.
func NewScorer(cfg Config, history HistorySource, metrics *telemetry.Metrics, logger *slog.Logger) (*Scorer, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("loading risk time zone %q: %w", cfg.TimeZone, err)
	}
	if cfg.VelocityHourlyLimit <= 0 {
		return nil, fmt.Errorf("velocity hourly limit must be positive, got %d", cfg.VelocityHourlyLimit)
	}
	if cfg.AmountMultiplierLimit <= 1 {
		return nil, fmt.Errorf("amount multiplier limit must exceed 1, got %v", cfg.AmountMultiplierLimit)
	}
	if cfg.ReviewThreshold > cfg.DeclineThreshold {
		cfg.ReviewThreshold = cfg.DeclineThreshold
	}
	return &Scorer{
		cfg:     cfg,
		loc:     loc,
		history: history,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Score assesses a transaction. A history lookup failure fails open with a
// zero score and an approve action.
func (s *Scorer) Score(ctx context.Context, sc ScoreContext) Assessment {
	txns, err := s.history.GetApprovedTransactions(ctx, sc.CardID, sc.At.Add(-historyWindow))
	if err != nil {
		s.logger.Warn("risk history unavailable, failing open",
			"card_id", sc.CardID,
			"error", err,
		)
		s.metrics.RiskFailedOpen()
		return Assessment{
			Score:    0,
			Level:    domain.RiskLevelLow,
			Action:   domain.RiskActionApprove,
			FailOpen: true,
		}
	}

	factors := domain.RiskFactors{
		Velocity: weightVelocity * s.velocitySignal(txns, sc.At),
		Amount:   weightAmount * s.amountSignal(txns, sc.Amount),
		Location: weightLocation * countryScore(sc.Country),
		Time:     weightTime * s.timeSignal(sc.At, sc.MerchantCategoryCode),
		Merchant: weightMerchant * merchantScore(sc.MerchantCategoryCode),
	}

	score := int(math.Round(factors.Sum()))
	if score > 100 {
		score = 100
	}
	s.metrics.ObserveRiskScore(score)

	return Assessment{
		Score:   score,
		Level:   domain.LevelForScore(score),
		Action:  s.action(score),
		Factors: factors,
	}
}

func (s *Scorer) action(score int) domain.RiskAction {
	switch {
	case score >= s.cfg.DeclineThreshold:
		return domain.RiskActionDecline
	case score >= s.cfg.ReviewThreshold:
		return domain.RiskActionReview
	case score >= stepUpThreshold:
		return domain.RiskActionStepUp
	default:
		return domain.RiskActionApprove
	}
}

// velocitySignal counts transactions in the trailing hour. Exceeding the
// limit saturates the signal.
func (s *Scorer) velocitySignal(txns []domain.Transaction, at time.Time) float64 {
	since := at.Add(-velocityWindow)
	count := 0
	for _, tx := range txns {
		if !tx.Timestamp.Before(since) && !tx.Timestamp.After(at) {
			count++
		}
	}
	return velocityRaw(count, s.cfg.VelocityHourlyLimit)
}

func velocityRaw(count, limit int) float64 {
	if count > limit {
		return 100
	}
	return float64(count) / float64(limit) * 70
}

// amountSignal compares amount with the average approved amount of the window
func (s *Scorer) amountSignal(txns []domain.Transaction, amount int64) float64 {
	if len(txns) == 0 {
		return 0
	}
	var total int64
	for _, tx := range txns {
		total += tx.Amount
	}
	avg := float64(total) / float64(len(txns))
	if avg <= 0 {
		return 0
	}
	return amountRaw(float64(amount)/avg, s.cfg.AmountMultiplierLimit)
}

func amountRaw(ratio, multiplier float64) float64 {
	switch {
	case ratio >= multiplier:
		return 100
	case ratio > 1:
		return (ratio - 1) / (multiplier - 1) * 80
	default:
		return 0
	}
}

func (s *Scorer) timeSignal(at time.Time, mcc string) float64 {
	local := at.In(s.loc)
	hour := local.Hour()
	var raw float64

	if hour < s.cfg.BusinessHourStart || hour >= s.cfg.BusinessHourEnd {
		raw += 40
	}
	if hour >= s.cfg.LateNightStart && hour < s.cfg.LateNightEnd {
		raw += 60
	}
	if wd := local.Weekday(); (wd == time.Saturday || wd == time.Sunday) && isBusinessCategory(mcc) {
		raw += 20
	}
	return math.Min(raw, 100)
}
