// Package authorization decides purchase attempts against virtual cards and
// reserves funds for the approved ones.
package authorization

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cardauth/internal/common/money"
	"cardauth/internal/common/telemetry"
	"cardauth/internal/domain"
	"cardauth/internal/fx"
	"cardauth/internal/hold"
	"cardauth/internal/restriction"
	"cardauth/internal/risk"
)

// Config holds authorization tuning. MaxRetries of zero disables retries.
type Config struct {
	LatencyBudget   time.Duration `envconfig:"AUTH_LATENCY_BUDGET" default:"800ms"`
	EnforceDeadline bool          `envconfig:"AUTH_ENFORCE_DEADLINE" default:"true"`
	MaxRetries      int           `envconfig:"AUTH_MAX_RETRIES" default:"3"`
	RetryBaseDelay  time.Duration `envconfig:"AUTH_RETRY_BASE_DELAY" default:"100ms"`
	InFlightWait    time.Duration `envconfig:"AUTH_IN_FLIGHT_WAIT" default:"250ms"`
	InFlightPoll    time.Duration `envconfig:"AUTH_IN_FLIGHT_POLL" default:"10ms"`
}

func (c *Config) applyDefaults() {
	if c.LatencyBudget <= 0 {
		c.LatencyBudget = 800 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	if c.InFlightWait <= 0 {
		c.InFlightWait = 250 * time.Millisecond
	}
	if c.InFlightPoll <= 0 {
		c.InFlightPoll = 10 * time.Millisecond
	}
}

// Ledger reads card balances and status
type Ledger interface {
	GetCard(ctx context.Context, cardID string) (*domain.Card, error)
}

// ResultStore persists results and maps transaction tokens onto them
type ResultStore interface {
	ClaimToken(ctx context.Context, token, cardID string, at time.Time) (*domain.Result, error)
	ReclaimToken(ctx context.Context, token, previousResultID string, at time.Time) error
	CompleteToken(ctx context.Context, r *domain.Result) error
	ReleaseToken(ctx context.Context, token, restoreResultID string) error
	GetResult(ctx context.Context, resultID string) (*domain.Result, error)
}

// Holds reserves funds for approved attempts
type Holds interface {
	Create(ctx context.Context, p hold.CreateParams) (*domain.Hold, error)
	Rollback(ctx context.Context, holdID string) error
}

// Restrictions checks merchant category and country rules
type Restrictions interface {
	Validate(ctx context.Context, cardID, merchantCategoryCode, countryCode string) (restriction.Decision, error)
}

// Converter converts into the card's settlement currency
type Converter interface {
	Convert(ctx context.Context, amount money.Money, to money.Currency) (*domain.Conversion, error)
}

// Scorer assesses fraud risk
type Scorer interface {
	Score(ctx context.Context, sc risk.ScoreContext) risk.Assessment
}

// Notifier is told about every decided attempt
type Notifier interface {
	AuthorizationStatus(ctx context.Context, r *domain.Result)
	FraudAlert(ctx context.Context, r *domain.Result)
}

// Dependencies groups the collaborators of a Service
type Dependencies struct {
	Ledger       Ledger
	Results      ResultStore
	Holds        Holds
	Restrictions Restrictions
	Converter    Converter
	Scorer       Scorer
	Notifier     Notifier
}

// Service runs the authorization pipeline
type Service struct {
	ledger       Ledger
	results      ResultStore
	holds        Holds
	restrictions Restrictions
	converter    Converter
	scorer       Scorer
	notifier     Notifier

	cfg      Config
	clock    clockz.Clock
	validate *validator.Validate
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewService creates an authorization service
func NewService(deps Dependencies, cfg Config, clock clockz.Clock, metrics *telemetry.Metrics, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Service{
		ledger:       deps.Ledger,
		results:      deps.Results,
		holds:        deps.Holds,
		restrictions: deps.Restrictions,
		converter:    deps.Converter,
		scorer:       deps.Scorer,
		notifier:     deps.Notifier,
		cfg:          cfg,
		clock:        clock,
		validate:     validator.New(),
		metrics:      metrics,
		logger:       logger.With("component", "authorization"),
	}
}

// Authorize decides a purchase attempt. It never returns an error: every
// failure is expressed as a declined result. Repeating a transaction token
// returns the result already recorded for it.
func (s *Service) Authorize(ctx context.Context, req domain.AuthorizationRequest) *domain.Result {
	start := s.clock.Now()
	r := s.newResult(req, start, "")

	if code := s.checkRequest(req); code != "" {
		return s.reject(ctx, r, code, start)
	}

	existing, err := s.results.ClaimToken(ctx, req.TransactionToken, req.CardID, start)
	switch {
	case err == nil && existing != nil:
		s.logger.Debug("replaying authorization", "transaction_token", req.TransactionToken, "result_id", existing.ID)
		return existing
	case errors.Is(err, domain.ErrTokenInFlight):
		existing, claimed, err := s.awaitToken(ctx, req.TransactionToken, req.CardID)
		if err != nil {
			return s.rejectClaim(ctx, r, err, start)
		}
		if !claimed {
			return existing
		}
	case err != nil:
		return s.rejectClaim(ctx, r, err, start)
	}

	return s.process(ctx, req, r, start, "")
}

// RetryAuthorization re-runs a retryable declined attempt after exponential
// backoff. The new result is linked to previousResultID and replaces it as
// the result of the transaction token.
func (s *Service) RetryAuthorization(ctx context.Context, req domain.AuthorizationRequest, previousResultID string) *domain.Result {
	start := s.clock.Now()
	if req.RetryCount < 1 {
		req.RetryCount = 1
	}
	r := s.newResult(req, start, previousResultID)

	if req.RetryCount > s.cfg.MaxRetries {
		s.logger.Warn("retry limit exceeded",
			"card_id", req.CardID,
			"previous_result_id", previousResultID,
			"retry_count", req.RetryCount,
		)
		return s.reject(ctx, r, domain.DeclineMaxRetriesExceeded, start)
	}

	prev, err := s.results.GetResult(ctx, previousResultID)
	if errors.Is(err, domain.ErrResultNotFound) {
		return s.reject(ctx, r, domain.DeclineValidationError, start)
	}
	if err != nil {
		s.logger.Error("loading previous result", "previous_result_id", previousResultID, "error", err)
		return s.reject(ctx, r, domain.DeclineProcessingError, start)
	}
	if req.TransactionToken == "" {
		req.TransactionToken = prev.TransactionToken
		r.TransactionToken = prev.TransactionToken
	}
	if req.CardID != prev.CardID || req.TransactionToken != prev.TransactionToken {
		return s.reject(ctx, r, domain.DeclineValidationError, start)
	}
	if code := s.checkRequest(req); code != "" {
		return s.reject(ctx, r, code, start)
	}
	if !prev.Retryable {
		return prev
	}

	if delay := Backoff(s.cfg.RetryBaseDelay, req.RetryCount); delay > 0 {
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return s.reject(ctx, r, domain.DeclineProcessingError, start)
		}
	}

	start = s.clock.Now()
	r.CreatedAt = start
	if err := s.results.ReclaimToken(ctx, req.TransactionToken, prev.ID, start); err != nil {
		if !errors.Is(err, domain.ErrTokenConflict) {
			return s.rejectClaim(ctx, r, err, start)
		}
		// Someone else already moved the token on. Their outcome wins.
		current, claimed, err := s.awaitToken(ctx, req.TransactionToken, req.CardID)
		if err != nil {
			return s.rejectClaim(ctx, r, err, start)
		}
		if !claimed {
			return current
		}
	}

	return s.process(ctx, req, r, start, prev.ID)
}

// GetResult returns a recorded result
func (s *Service) GetResult(ctx context.Context, resultID string) (*domain.Result, error) {
	return s.results.GetResult(ctx, resultID)
}

// Backoff returns the wait before retry attempt n, base * 2^(n-1)
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}

func (s *Service) newResult(req domain.AuthorizationRequest, at time.Time, previousResultID string) *domain.Result {
	cur := money.Currency(strings.ToUpper(strings.TrimSpace(req.Currency)))
	return &domain.Result{
		ID:               ulid.Make().String(),
		AttemptID:        ulid.Make().String(),
		CardID:           req.CardID,
		TransactionToken: req.TransactionToken,
		Status:           domain.AuthPending,
		Amount:           money.New(req.Amount, cur),
		PreviousResultID: previousResultID,
		RetryCount:       req.RetryCount,
		CreatedAt:        at,
	}
}

func (s *Service) checkRequest(req domain.AuthorizationRequest) domain.DeclineCode {
	if err := s.validate.Struct(req); err != nil {
		s.logger.Info("rejecting malformed request", "card_id", req.CardID, "error", err)
		return domain.DeclineValidationError
	}
	if strings.TrimSpace(req.MerchantName) == "" {
		return domain.DeclineValidationError
	}
	if req.Currency != "" {
		if _, err := money.Parse(req.Currency); err != nil {
			return domain.DeclineValidationError
		}
	}
	return ""
}

// awaitToken polls a token another attempt is working on. claimed reports
// that the other attempt was abandoned and the token now belongs to the caller.
func (s *Service) awaitToken(ctx context.Context, token, cardID string) (existing *domain.Result, claimed bool, err error) {
	deadline := s.clock.Now().Add(s.cfg.InFlightWait)
	for {
		select {
		case <-s.clock.After(s.cfg.InFlightPoll):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}

		existing, err := s.results.ClaimToken(ctx, token, cardID, s.clock.Now())
		if err == nil {
			return existing, existing == nil, nil
		}
		if !errors.Is(err, domain.ErrTokenInFlight) {
			return nil, false, err
		}
		if !s.clock.Now().Before(deadline) {
			return nil, false, err
		}
	}
}

// process runs the pipeline for a claimed token and records the outcome
func (s *Service) process(ctx context.Context, req domain.AuthorizationRequest, r *domain.Result, start time.Time, restoreResultID string) *domain.Result {
	ctx, span := telemetry.Tracer().Start(ctx, "authorization.decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("card.id", req.CardID),
		attribute.String("authorization.id", r.ID),
		attribute.Int("authorization.retry_count", req.RetryCount),
	)

	pctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.EnforceDeadline {
		pctx, cancel = s.clock.WithTimeout(ctx, s.cfg.LatencyBudget)
	}
	s.run(pctx, req, r, start)
	cancel()

	elapsed := s.clock.Now().Sub(start)
	if elapsed > s.cfg.LatencyBudget {
		s.metrics.BudgetBreached()
		s.logger.Warn("latency budget exceeded",
			"card_id", r.CardID,
			"result_id", r.ID,
			"elapsed_ms", elapsed.Milliseconds(),
			"budget_ms", s.cfg.LatencyBudget.Milliseconds(),
			"enforced", s.cfg.EnforceDeadline,
		)
		if s.cfg.EnforceDeadline && r.Status == domain.AuthApproved {
			s.rollback(ctx, r)
			r.Decline(domain.DeclineProcessingError, s.clock.Now())
		}
	}

	r.Latency = s.clock.Now().Sub(start)
	if err := s.results.CompleteToken(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Error("recording authorization result", "result_id", r.ID, "transaction_token", r.TransactionToken, "error", err)
		span.RecordError(err)
		if r.Status == domain.AuthApproved {
			s.rollback(ctx, r)
		}
		if !errors.Is(err, domain.ErrTokenConflict) {
			if rerr := s.results.ReleaseToken(context.WithoutCancel(ctx), r.TransactionToken, restoreResultID); rerr != nil {
				s.logger.Error("releasing transaction token", "transaction_token", r.TransactionToken, "error", rerr)
			}
		}
		r.Decline(domain.DeclineProcessingError, s.clock.Now())
		return s.finish(ctx, r, false)
	}

	span.SetAttributes(
		attribute.String("authorization.status", string(r.Status)),
		attribute.String("authorization.decline_code", string(r.DeclineCode)),
		attribute.Int("risk.score", r.RiskScore),
	)
	if r.Status == domain.AuthDeclined {
		span.SetStatus(codes.Error, string(r.DeclineCode))
	}
	return s.finish(ctx, r, true)
}

// run executes the pipeline, turning panics into PROCESSING_ERROR
func (s *Service) run(ctx context.Context, req domain.AuthorizationRequest, r *domain.Result, start time.Time) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("authorization pipeline panicked",
				"card_id", r.CardID,
				"result_id", r.ID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			s.rollback(ctx, r)
			r.Decline(domain.DeclineProcessingError, s.clock.Now())
		}
	}()
	s.pipeline(ctx, req, r, start)
}

// pipeline decides the attempt. Short-circuits on the first failing step.
func (s *Service) pipeline(ctx context.Context, req domain.AuthorizationRequest, r *domain.Result, start time.Time) {
	logger := s.logger.With("card_id", req.CardID, "result_id", r.ID)

	card, err := s.ledger.GetCard(ctx, req.CardID)
	requested := r.Amount
	if err == nil && requested.Currency == "" {
		requested.Currency = card.Currency
	}
	a := newAttempt(req, r.AttemptID, requested, start)
	r.Attempt = a
	r.Amount = requested

	if err != nil {
		if errors.Is(err, domain.ErrCardNotFound) {
			r.Decline(domain.DeclineCardNotFound, s.clock.Now())
			return
		}
		logger.Error("loading card", "error", err)
		r.Decline(domain.DeclineProcessingError, s.clock.Now())
		return
	}

	settlement := a.Amount
	if a.Amount.Currency != card.Currency {
		conv, err := s.converter.Convert(ctx, a.Amount, card.Currency)
		switch {
		case errors.Is(err, fx.ErrUnknownCurrency):
			r.Decline(domain.DeclineCurrencyUnsupported, s.clock.Now())
			return
		case errors.Is(err, fx.ErrInvalidAmount):
			r.Decline(domain.DeclineValidationError, s.clock.Now())
			return
		case err != nil:
			logger.Error("converting amount", "from", a.Amount.Currency, "to", card.Currency, "error", err)
			r.Decline(domain.DeclineProcessingError, s.clock.Now())
			return
		}
		r.Conversion = conv
		settlement = conv.Total
	}
	r.Amount = settlement

	decision, err := s.restrictions.Validate(ctx, a.CardID, a.MerchantCategoryCode, a.Country)
	if err != nil {
		logger.Error("checking restrictions", "error", err)
		r.Decline(domain.DeclineProcessingError, s.clock.Now())
		return
	}
	if !decision.Allowed {
		logger.Info("restriction violated", "type", decision.Type, "reason", decision.Reason)
		r.Decline(domain.DeclineRestrictionViolation, s.clock.Now())
		return
	}

	if !card.IsActive() {
		r.Decline(domain.DeclineCardInactive, s.clock.Now())
		return
	}
	if !card.CanCover(settlement.AmountMinor) {
		r.Decline(domain.DeclineInsufficientFunds, s.clock.Now())
		return
	}

	assessment := s.scorer.Score(ctx, risk.ScoreContext{
		CardID:               a.CardID,
		Amount:               settlement.AmountMinor,
		MerchantCategoryCode: a.MerchantCategoryCode,
		Country:              a.Country,
		At:                   a.SubmittedAt,
	})
	factors := assessment.Factors
	r.RiskScore = assessment.Score
	r.RiskLevel = assessment.Level
	r.RiskAction = assessment.Action
	r.RiskFactors = &factors
	if assessment.Action == domain.RiskActionDecline || assessment.Action == domain.RiskActionReview {
		logger.Info("declining on risk", "score", assessment.Score, "action", assessment.Action)
		r.Decline(domain.DeclineFraudSuspected, s.clock.Now())
		return
	}

	if ctx.Err() != nil {
		r.Decline(domain.DeclineProcessingError, s.clock.Now())
		return
	}

	h, err := s.holds.Create(ctx, hold.CreateParams{
		CardID:          a.CardID,
		AuthorizationID: r.ID,
		Amount:          settlement,
		Original:        a.Amount,
	})
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		r.Decline(domain.DeclineInsufficientFunds, s.clock.Now())
		return
	case errors.Is(err, domain.ErrCardInactive):
		r.Decline(domain.DeclineCardInactive, s.clock.Now())
		return
	case errors.Is(err, domain.ErrCardNotFound):
		r.Decline(domain.DeclineCardNotFound, s.clock.Now())
		return
	case err != nil:
		logger.Error("creating hold", "error", err)
		r.Decline(domain.DeclineProcessingError, s.clock.Now())
		return
	}

	code, err := authorizationCode()
	if err != nil {
		r.HoldID = h.ID
		logger.Error("generating authorization code", "error", err)
		s.rollback(ctx, r)
		r.Decline(domain.DeclineProcessingError, s.clock.Now())
		return
	}
	r.Approve(code, h.ID, s.clock.Now())
}

// newAttempt captures the request as submitted, with the currency resolved
func newAttempt(req domain.AuthorizationRequest, id string, amount money.Money, start time.Time) *domain.Attempt {
	a := &domain.Attempt{
		ID:                   id,
		CardID:               req.CardID,
		TransactionToken:     req.TransactionToken,
		MerchantName:         strings.TrimSpace(req.MerchantName),
		MerchantCategoryCode: req.MerchantCategoryCode,
		Amount:               amount,
		Country:              strings.ToUpper(req.Country),
		City:                 req.City,
		SubmittedAt:          req.SubmittedAt,
		RetryCount:           req.RetryCount,
	}
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = start
	}
	return a
}

// rollback reverses the hold of a result that will not be approved
func (s *Service) rollback(ctx context.Context, r *domain.Result) {
	if r.HoldID == "" {
		return
	}
	if err := s.holds.Rollback(context.WithoutCancel(ctx), r.HoldID); err != nil {
		s.logger.Error("rolling back hold", "hold_id", r.HoldID, "result_id", r.ID, "error", err)
		return
	}
	s.logger.Info("rolled back hold", "hold_id", r.HoldID, "result_id", r.ID)
}

// reject declines a request that never reached the pipeline. The result is
// not recorded against the transaction token.
func (s *Service) reject(ctx context.Context, r *domain.Result, code domain.DeclineCode, start time.Time) *domain.Result {
	now := s.clock.Now()
	r.Decline(code, now)
	r.Latency = now.Sub(start)
	return s.finish(ctx, r, false)
}

func (s *Service) rejectClaim(ctx context.Context, r *domain.Result, err error, start time.Time) *domain.Result {
	switch {
	case errors.Is(err, domain.ErrTokenInFlight):
		return s.reject(ctx, r, domain.DeclineDuplicateInFlight, start)
	case errors.Is(err, domain.ErrTokenCardMismatch):
		s.logger.Warn("transaction token reused by another card", "card_id", r.CardID, "transaction_token", r.TransactionToken)
		return s.reject(ctx, r, domain.DeclineValidationError, start)
	}
	s.logger.Error("claiming transaction token", "transaction_token", r.TransactionToken, "error", err)
	return s.reject(ctx, r, domain.DeclineProcessingError, start)
}

func (s *Service) finish(ctx context.Context, r *domain.Result, recorded bool) *domain.Result {
	s.metrics.ObserveAuthorization(string(r.Status), string(r.DeclineCode), r.Latency)
	if r.RiskLevel != "" {
		s.metrics.ObserveRiskScore(r.RiskScore)
	}

	s.logger.Info("authorization decided",
		"card_id", r.CardID,
		"result_id", r.ID,
		"status", r.Status,
		"decline_code", r.DeclineCode,
		"risk_score", r.RiskScore,
		"retry_count", r.RetryCount,
		"recorded", recorded,
		"latency_ms", r.Latency.Milliseconds(),
	)

	if s.notifier != nil {
		s.notifier.AuthorizationStatus(ctx, r.Clone())
		if r.DeclineCode == domain.DeclineFraudSuspected {
			s.notifier.FraudAlert(ctx, r.Clone())
		}
	}
	return r
}

const authCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// authorizationCode returns a random six character approval code
func authorizationCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = authCodeAlphabet[int(b)%len(authCodeAlphabet)]
	}
	return string(buf), nil
}
