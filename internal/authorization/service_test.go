package authorization_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"cardauth/internal/authorization"
	"cardauth/internal/common/money"
	"cardauth/internal/domain"
	"cardauth/internal/fx"
	"cardauth/internal/hold"
	"cardauth/internal/restriction"
	"cardauth/internal/risk"
	"cardauth/internal/store/memory"
)

// Tuesday noon, inside business hours
var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu       sync.Mutex
	statuses []*domain.Result
	alerts   []*domain.Result
}

func (r *recorder) AuthorizationStatus(_ context.Context, res *domain.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, res)
}

func (r *recorder) FraudAlert(_ context.Context, res *domain.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, res)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses), len(r.alerts)
}

type harness struct {
	store    *memory.Store
	holds    *hold.Manager
	service  *authorization.Service
	notifier *recorder
}

type option func(*authorization.Dependencies, *authorization.Config)

func newHarness(t *testing.T, clock clockz.Clock, opts ...option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New(0)
	store.PutCard(domain.Card{
		ID:               "card-1",
		Status:           domain.CardStatusActive,
		Currency:         money.USD,
		AvailableBalance: 10000,
		SpendingLimit:    10000,
	})

	scorer, err := risk.NewScorer(risk.DefaultConfig(), store, nil, logger)
	require.NoError(t, err)

	holds := hold.NewManager(store, hold.Config{TTL: 24 * time.Hour}, clock, nil, nil, logger)
	notifier := &recorder{}

	deps := authorization.Dependencies{
		Ledger:       store,
		Results:      store,
		Holds:        holds,
		Restrictions: restriction.NewValidator(store),
		Converter:    fx.NewConverter(fx.NewStaticRates(map[money.Currency]string{money.EUR: "0.80"}), fx.Config{FeeBasisPoints: 150}),
		Scorer:       scorer,
		Notifier:     notifier,
	}
	cfg := authorization.Config{
		LatencyBudget:   800 * time.Millisecond,
		EnforceDeadline: true,
		MaxRetries:      3,
		InFlightWait:    2 * time.Second,
		InFlightPoll:    time.Millisecond,
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	return &harness{
		store:    store,
		holds:    holds,
		service:  authorization.NewService(deps, cfg, clock, nil, logger),
		notifier: notifier,
	}
}

func (h *harness) available(t *testing.T) int64 {
	t.Helper()
	c, err := h.store.GetCard(context.Background(), "card-1")
	require.NoError(t, err)
	return c.AvailableBalance
}

func (h *harness) reserved(t *testing.T) int64 {
	t.Helper()
	holds, err := h.holds.GetActiveHolds(context.Background(), "card-1")
	require.NoError(t, err)
	var sum int64
	for _, hd := range holds {
		sum += hd.Remaining()
	}
	return sum
}

func request(token string, amount int64) domain.AuthorizationRequest {
	return domain.AuthorizationRequest{
		CardID:               "card-1",
		TransactionToken:     token,
		MerchantName:         "Corner Grocery",
		MerchantCategoryCode: "5411",
		Amount:               amount,
		Currency:             "USD",
		Country:              "US",
	}
}

func TestApproveReservesFunds(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))

	r := h.service.Authorize(context.Background(), request("tok-1", 5000))

	assert.Equal(t, domain.AuthApproved, r.Status)
	assert.Len(t, r.AuthorizationCode, 6)
	assert.NotEmpty(t, r.HoldID)
	assert.Empty(t, r.DeclineCode)
	assert.Equal(t, 0, r.RiskScore)
	assert.Equal(t, domain.RiskLevelLow, r.RiskLevel)
	require.NotNil(t, r.RiskFactors)
	assert.Equal(t, int64(5000), h.available(t))

	hd, err := h.holds.Get(context.Background(), r.HoldID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldActive, hd.Status)
	assert.Equal(t, int64(5000), hd.HoldAmount)
	assert.Equal(t, r.ID, hd.AuthorizationID)

	statuses, alerts := h.notifier.counts()
	assert.Equal(t, 1, statuses)
	assert.Zero(t, alerts)
}

func TestCurrencyDefaultsToSettlementCurrency(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	req := request("tok-1", 1200)
	req.Currency = ""

	r := h.service.Authorize(context.Background(), req)

	assert.Equal(t, domain.AuthApproved, r.Status)
	assert.Equal(t, money.USD, r.Amount.Currency)
	assert.Nil(t, r.Conversion)
}

func TestConcurrentRequestsApproveExactlyOne(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))

	results := make([]*domain.Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.service.Authorize(context.Background(), request(fmt.Sprintf("tok-%d", i), 8000))
		}(i)
	}
	wg.Wait()

	approved, insufficient := 0, 0
	for _, r := range results {
		switch {
		case r.Status == domain.AuthApproved:
			approved++
		case r.DeclineCode == domain.DeclineInsufficientFunds:
			insufficient++
		}
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(2000), h.available(t))
}

func TestHighVelocityIsDeclinedAsFraud(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	for i := 0; i < 11; i++ {
		h.store.AddTransactions("card-1", domain.Transaction{Amount: 1000, Timestamp: noon.Add(-time.Duration(i+1) * time.Minute)})
	}
	req := request("tok-1", 3000)
	req.Country = "NG"

	r := h.service.Authorize(context.Background(), req)

	assert.Equal(t, domain.AuthDeclined, r.Status)
	assert.Equal(t, domain.DeclineFraudSuspected, r.DeclineCode)
	assert.False(t, r.Retryable)
	assert.GreaterOrEqual(t, r.RiskScore, 75)
	require.NotNil(t, r.RiskFactors)
	assert.InDelta(t, float64(domain.MaxVelocityScore), r.RiskFactors.Velocity, 0.001)
	assert.Empty(t, r.HoldID)
	assert.Equal(t, int64(10000), h.available(t))

	_, alerts := h.notifier.counts()
	assert.Equal(t, 1, alerts)
}

func TestReplayReturnsRecordedResult(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	ctx := context.Background()

	first := h.service.Authorize(ctx, request("tok-1", 3000))
	second := h.service.Authorize(ctx, request("tok-1", 3000))

	assert.Equal(t, domain.AuthApproved, first.Status)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AuthorizationCode, second.AuthorizationCode)
	assert.Equal(t, int64(7000), h.available(t))

	stored, err := h.service.GetResult(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.HoldID, stored.HoldID)
}

func TestConcurrentReplaysShareOneOutcome(t *testing.T) {
	h := newHarness(t, clockz.RealClock)

	results := make([]*domain.Result, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.service.Authorize(context.Background(), request("tok-shared", 1000))
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0].ID, r.ID)
		assert.Equal(t, domain.AuthApproved, r.Status)
	}
	assert.Equal(t, int64(9000), h.available(t))
}

func TestMalformedRequestsAreRejectedWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *domain.AuthorizationRequest)
	}{
		{"empty merchant", func(r *domain.AuthorizationRequest) { r.MerchantName = "" }},
		{"blank merchant", func(r *domain.AuthorizationRequest) { r.MerchantName = "   " }},
		{"zero amount", func(r *domain.AuthorizationRequest) { r.Amount = 0 }},
		{"negative amount", func(r *domain.AuthorizationRequest) { r.Amount = -100 }},
		{"unknown currency", func(r *domain.AuthorizationRequest) { r.Currency = "XYZ" }},
		{"bad category code", func(r *domain.AuthorizationRequest) { r.MerchantCategoryCode = "54" }},
		{"missing card", func(r *domain.AuthorizationRequest) { r.CardID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, clockz.NewFakeClockAt(noon))
			req := request("tok-1", 1000)
			tt.mutate(&req)

			r := h.service.Authorize(context.Background(), req)
			assert.Equal(t, domain.AuthDeclined, r.Status)
			assert.Equal(t, domain.DeclineValidationError, r.DeclineCode)
			assert.Equal(t, int64(10000), h.available(t))

			// the token was never claimed
			again := h.service.Authorize(context.Background(), request("tok-1", 1000))
			assert.Equal(t, domain.AuthApproved, again.Status)
		})
	}
}

func TestBusinessDeclines(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *memory.Store)
		req   func() domain.AuthorizationRequest
		code  domain.DeclineCode
		retry bool
	}{
		{
			name:  "unknown card",
			setup: func(*memory.Store) {},
			req: func() domain.AuthorizationRequest {
				r := request("tok-1", 1000)
				r.CardID = "card-ghost"
				return r
			},
			code: domain.DeclineCardNotFound,
		},
		{
			name: "frozen card",
			setup: func(s *memory.Store) {
				s.PutCard(domain.Card{ID: "card-1", Status: domain.CardStatusFrozen, Currency: money.USD, AvailableBalance: 10000, SpendingLimit: 10000})
			},
			req:  func() domain.AuthorizationRequest { return request("tok-1", 1000) },
			code: domain.DeclineCardInactive,
		},
		{
			name:  "over balance",
			setup: func(*memory.Store) {},
			req:   func() domain.AuthorizationRequest { return request("tok-1", 10001) },
			code:  domain.DeclineInsufficientFunds,
			retry: true,
		},
		{
			name: "blocked category",
			setup: func(s *memory.Store) {
				s.SetRestrictions("card-1", []domain.Restriction{{Type: domain.RestrictionMerchantCategory, Value: "5411", Allowed: false}})
			},
			req:  func() domain.AuthorizationRequest { return request("tok-1", 1000) },
			code: domain.DeclineRestrictionViolation,
		},
		{
			name: "country outside allow list",
			setup: func(s *memory.Store) {
				s.SetRestrictions("card-1", []domain.Restriction{{Type: domain.RestrictionCountry, Value: "GB", Allowed: true}})
			},
			req:  func() domain.AuthorizationRequest { return request("tok-1", 1000) },
			code: domain.DeclineRestrictionViolation,
		},
		{
			name:  "no rate for currency",
			setup: func(*memory.Store) {},
			req: func() domain.AuthorizationRequest {
				r := request("tok-1", 1000)
				r.Currency = "GBP"
				return r
			},
			code: domain.DeclineCurrencyUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, clockz.NewFakeClockAt(noon))
			tt.setup(h.store)

			r := h.service.Authorize(context.Background(), tt.req())
			assert.Equal(t, domain.AuthDeclined, r.Status)
			assert.Equal(t, tt.code, r.DeclineCode)
			assert.Equal(t, tt.retry, r.Retryable)
			assert.NotEmpty(t, r.DeclineMessage)
			assert.Empty(t, r.AuthorizationCode)
			assert.Zero(t, h.reserved(t))
		})
	}
}

func TestForeignCurrencyHoldsConvertedTotal(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	h.store.PutCard(domain.Card{ID: "card-1", Status: domain.CardStatusActive, Currency: money.USD, AvailableBalance: 20000, SpendingLimit: 20000})
	req := request("tok-1", 10000)
	req.Currency = "eur"

	r := h.service.Authorize(context.Background(), req)

	require.Equal(t, domain.AuthApproved, r.Status)
	require.NotNil(t, r.Conversion)
	assert.Equal(t, money.New(10000, money.EUR), r.Conversion.Original)
	assert.Equal(t, int64(12500), r.Conversion.Converted.AmountMinor)
	assert.Equal(t, int64(188), r.Conversion.Fee.AmountMinor)
	assert.Equal(t, money.New(12688, money.USD), r.Amount)
	assert.Equal(t, int64(20000-12688), h.available(t))

	hd, err := h.holds.Get(context.Background(), r.HoldID)
	require.NoError(t, err)
	assert.Equal(t, int64(12688), hd.HoldAmount)
	assert.Equal(t, money.New(10000, money.EUR), hd.OriginalAmount)
}

type failingRules struct{}

func (failingRules) GetRestrictions(context.Context, string) ([]domain.Restriction, error) {
	return nil, errors.New("rules unavailable")
}

type failingHistory struct{}

func (failingHistory) GetApprovedTransactions(context.Context, string, time.Time) ([]domain.Transaction, error) {
	return nil, errors.New("history unavailable")
}

type panickingScorer struct{}

func (panickingScorer) Score(context.Context, risk.ScoreContext) risk.Assessment {
	panic("boom")
}

func TestDependencyFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("rule source fails closed", func(t *testing.T) {
		h := newHarness(t, clockz.NewFakeClockAt(noon), func(d *authorization.Dependencies, _ *authorization.Config) {
			d.Restrictions = restriction.NewValidator(failingRules{})
		})
		r := h.service.Authorize(context.Background(), request("tok-1", 1000))
		assert.Equal(t, domain.DeclineProcessingError, r.DeclineCode)
		assert.True(t, r.Retryable)
		assert.Equal(t, int64(10000), h.available(t))
	})

	t.Run("risk history fails open", func(t *testing.T) {
		scorer, err := risk.NewScorer(risk.DefaultConfig(), failingHistory{}, nil, logger)
		require.NoError(t, err)
		h := newHarness(t, clockz.NewFakeClockAt(noon), func(d *authorization.Dependencies, _ *authorization.Config) {
			d.Scorer = scorer
		})
		r := h.service.Authorize(context.Background(), request("tok-1", 1000))
		assert.Equal(t, domain.AuthApproved, r.Status)
		assert.Zero(t, r.RiskScore)
	})

	t.Run("panic becomes processing error", func(t *testing.T) {
		h := newHarness(t, clockz.NewFakeClockAt(noon), func(d *authorization.Dependencies, _ *authorization.Config) {
			d.Scorer = panickingScorer{}
		})
		var r *domain.Result
		require.NotPanics(t, func() {
			r = h.service.Authorize(context.Background(), request("tok-1", 1000))
		})
		assert.Equal(t, domain.DeclineProcessingError, r.DeclineCode)
		assert.Equal(t, int64(10000), h.available(t))
	})
}

// lateHolds creates the hold and then stalls until the deadline passes
type lateHolds struct {
	authorization.Holds
}

func (l lateHolds) Create(ctx context.Context, p hold.CreateParams) (*domain.Hold, error) {
	h, err := l.Holds.Create(ctx, p)
	<-ctx.Done()
	return h, err
}

type stalledLedger struct {
	authorization.Ledger
}

func (stalledLedger) GetCard(ctx context.Context, _ string) (*domain.Card, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLatencyBudget(t *testing.T) {
	budget := func(_ *authorization.Dependencies, c *authorization.Config) {
		c.LatencyBudget = 30 * time.Millisecond
	}

	t.Run("late hold is reversed", func(t *testing.T) {
		h := newHarness(t, clockz.RealClock, budget, func(d *authorization.Dependencies, _ *authorization.Config) {
			d.Holds = lateHolds{Holds: d.Holds}
		})

		r := h.service.Authorize(context.Background(), request("tok-1", 4000))

		assert.Equal(t, domain.AuthDeclined, r.Status)
		assert.Equal(t, domain.DeclineProcessingError, r.DeclineCode)
		assert.Empty(t, r.HoldID)
		assert.Equal(t, int64(10000), h.available(t))
		assert.Zero(t, h.reserved(t))
	})

	t.Run("stalled ledger", func(t *testing.T) {
		h := newHarness(t, clockz.RealClock, budget, func(d *authorization.Dependencies, _ *authorization.Config) {
			d.Ledger = stalledLedger{}
		})

		done := make(chan *domain.Result, 1)
		go func() { done <- h.service.Authorize(context.Background(), request("tok-1", 4000)) }()

		select {
		case r := <-done:
			assert.Equal(t, domain.DeclineProcessingError, r.DeclineCode)
		case <-time.After(2 * time.Second):
			t.Fatal("authorization did not honor its deadline")
		}
	})
}

func TestRetryAfterTopUp(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	ctx := context.Background()

	first := h.service.Authorize(ctx, request("tok-1", 12000))
	require.Equal(t, domain.DeclineInsufficientFunds, first.DeclineCode)
	require.True(t, first.Retryable)

	h.store.PutCard(domain.Card{ID: "card-1", Status: domain.CardStatusActive, Currency: money.USD, AvailableBalance: 15000, SpendingLimit: 15000})

	req := request("tok-1", 12000)
	req.RetryCount = 1
	retried := h.service.RetryAuthorization(ctx, req, first.ID)

	assert.Equal(t, domain.AuthApproved, retried.Status)
	assert.Equal(t, first.ID, retried.PreviousResultID)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, int64(3000), h.available(t))

	replay := h.service.Authorize(ctx, request("tok-1", 12000))
	assert.Equal(t, retried.ID, replay.ID)

	// an approved result is final
	again := h.service.RetryAuthorization(ctx, req, retried.ID)
	assert.Equal(t, retried.ID, again.ID)
	assert.Equal(t, int64(3000), h.available(t))
}

func TestRetryGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("retry limit", func(t *testing.T) {
		h := newHarness(t, clockz.NewFakeClockAt(noon))
		first := h.service.Authorize(ctx, request("tok-1", 12000))

		req := request("tok-1", 12000)
		req.RetryCount = 4
		r := h.service.RetryAuthorization(ctx, req, first.ID)

		assert.Equal(t, domain.DeclineMaxRetriesExceeded, r.DeclineCode)
		assert.False(t, r.Retryable)
		assert.Equal(t, first.ID, r.PreviousResultID)

		replay := h.service.Authorize(ctx, request("tok-1", 12000))
		assert.Equal(t, first.ID, replay.ID)
	})

	t.Run("non retryable decline is returned unchanged", func(t *testing.T) {
		h := newHarness(t, clockz.NewFakeClockAt(noon))
		req := request("tok-1", 1000)
		h.store.SetRestrictions("card-1", []domain.Restriction{{Type: domain.RestrictionCountry, Value: "US", Allowed: false}})
		first := h.service.Authorize(ctx, req)
		require.Equal(t, domain.DeclineRestrictionViolation, first.DeclineCode)

		req.RetryCount = 1
		r := h.service.RetryAuthorization(ctx, req, first.ID)
		assert.Equal(t, first.ID, r.ID)
	})

	t.Run("unknown previous result", func(t *testing.T) {
		h := newHarness(t, clockz.NewFakeClockAt(noon))
		req := request("tok-1", 1000)
		req.RetryCount = 1
		r := h.service.RetryAuthorization(ctx, req, "missing")
		assert.Equal(t, domain.DeclineValidationError, r.DeclineCode)
	})

	t.Run("cancelled while backing off", func(t *testing.T) {
		h := newHarness(t, clockz.NewFakeClockAt(noon), func(_ *authorization.Dependencies, c *authorization.Config) {
			c.RetryBaseDelay = time.Hour
		})
		first := h.service.Authorize(ctx, request("tok-1", 12000))

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		req := request("tok-1", 12000)
		req.RetryCount = 1
		r := h.service.RetryAuthorization(cctx, req, first.ID)

		assert.Equal(t, domain.DeclineProcessingError, r.DeclineCode)
		replay := h.service.Authorize(ctx, request("tok-1", 12000))
		assert.Equal(t, first.ID, replay.ID)
	})
}

func TestRetryWaitsForBackoff(t *testing.T) {
	clock := clockz.NewFakeClockAt(noon)
	h := newHarness(t, clock, func(_ *authorization.Dependencies, c *authorization.Config) {
		c.RetryBaseDelay = 100 * time.Millisecond
		// no deadline contexts, so the only fake clock waiter is the backoff timer
		c.EnforceDeadline = false
	})
	ctx := context.Background()
	first := h.service.Authorize(ctx, request("tok-1", 12000))
	require.Equal(t, domain.DeclineInsufficientFunds, first.DeclineCode)
	h.store.PutCard(domain.Card{ID: "card-1", Status: domain.CardStatusActive, Currency: money.USD, AvailableBalance: 15000, SpendingLimit: 15000})

	req := request("tok-1", 12000)
	req.RetryCount = 2
	done := make(chan *domain.Result, 1)
	go func() { done <- h.service.RetryAuthorization(ctx, req, first.ID) }()

	require.Eventually(t, clock.HasWaiters, 2*time.Second, time.Millisecond)

	// second retry waits 200ms
	clock.Advance(150 * time.Millisecond)
	clock.BlockUntilReady()
	select {
	case r := <-done:
		t.Fatalf("retry finished before its backoff elapsed: %s", r.Status)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(15000), h.available(t))

	clock.Advance(50 * time.Millisecond)
	clock.BlockUntilReady()

	var r *domain.Result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not run after its backoff elapsed")
	}

	assert.Equal(t, domain.AuthApproved, r.Status)
	assert.Equal(t, 2, r.RetryCount)
	assert.Equal(t, noon.Add(200*time.Millisecond), r.CreatedAt)
	assert.Equal(t, int64(3000), h.available(t))
}

func TestRetriesCanBeDisabled(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon), func(_ *authorization.Dependencies, c *authorization.Config) {
		c.MaxRetries = 0
	})
	ctx := context.Background()
	first := h.service.Authorize(ctx, request("tok-1", 12000))
	require.True(t, first.Retryable)
	h.store.PutCard(domain.Card{ID: "card-1", Status: domain.CardStatusActive, Currency: money.USD, AvailableBalance: 15000, SpendingLimit: 15000})

	req := request("tok-1", 12000)
	req.RetryCount = 1
	r := h.service.RetryAuthorization(ctx, req, first.ID)

	assert.Equal(t, domain.DeclineMaxRetriesExceeded, r.DeclineCode)
	assert.Equal(t, int64(15000), h.available(t))
}

func TestTokenIsBoundToItsCard(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	h.store.PutCard(domain.Card{ID: "card-2", Status: domain.CardStatusActive, Currency: money.USD, AvailableBalance: 10000, SpendingLimit: 10000})
	ctx := context.Background()

	first := h.service.Authorize(ctx, request("tok-x", 3000))
	require.Equal(t, domain.AuthApproved, first.Status)

	other := request("tok-x", 500)
	other.CardID = "card-2"
	r := h.service.Authorize(ctx, other)

	assert.NotEqual(t, first.ID, r.ID)
	assert.Equal(t, "card-2", r.CardID)
	assert.Equal(t, domain.AuthDeclined, r.Status)
	assert.Equal(t, domain.DeclineValidationError, r.DeclineCode)
	assert.Empty(t, r.HoldID)
	assert.Empty(t, r.AuthorizationCode)

	card2, err := h.store.GetCard(ctx, "card-2")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), card2.AvailableBalance)

	replay := h.service.Authorize(ctx, request("tok-x", 3000))
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, int64(7000), h.available(t))
}

func TestResultRecordsAttemptAsSubmitted(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	h.store.PutCard(domain.Card{ID: "card-1", Status: domain.CardStatusActive, Currency: money.USD, AvailableBalance: 20000, SpendingLimit: 20000})
	ctx := context.Background()
	submitted := noon.Add(-2 * time.Second)

	req := request("tok-1", 10000)
	req.Currency = "EUR"
	req.MerchantName = "  Le Bistro  "
	req.Country = "us"
	req.City = "Lyon"
	req.MerchantCategoryCode = "5812"
	req.SubmittedAt = submitted
	r := h.service.Authorize(ctx, req)
	require.Equal(t, domain.AuthApproved, r.Status)

	require.NotNil(t, r.Attempt)
	assert.Equal(t, r.AttemptID, r.Attempt.ID)
	assert.Equal(t, "card-1", r.Attempt.CardID)
	assert.Equal(t, "tok-1", r.Attempt.TransactionToken)
	assert.Equal(t, "Le Bistro", r.Attempt.MerchantName)
	assert.Equal(t, "5812", r.Attempt.MerchantCategoryCode)
	assert.Equal(t, "US", r.Attempt.Country)
	assert.Equal(t, "Lyon", r.Attempt.City)
	assert.Equal(t, submitted, r.Attempt.SubmittedAt)
	assert.Equal(t, money.New(10000, money.EUR), r.Attempt.Amount)
	assert.Equal(t, money.USD, r.Amount.Currency)

	stored, err := h.service.GetResult(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Attempt, stored.Attempt)

	replay := h.service.Authorize(ctx, req)
	assert.Equal(t, r.Attempt, replay.Attempt)
}

func TestAttemptResolvesOmittedCurrency(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	req := request("tok-1", 1200)
	req.Currency = ""

	r := h.service.Authorize(context.Background(), req)

	require.NotNil(t, r.Attempt)
	assert.Equal(t, money.New(1200, money.USD), r.Attempt.Amount)
	assert.Equal(t, noon, r.Attempt.SubmittedAt)
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, time.Duration(0), authorization.Backoff(base, 0))
	assert.Equal(t, 100*time.Millisecond, authorization.Backoff(base, 1))
	assert.Equal(t, 200*time.Millisecond, authorization.Backoff(base, 2))
	assert.Equal(t, 400*time.Millisecond, authorization.Backoff(base, 3))
	assert.Equal(t, time.Duration(0), authorization.Backoff(0, 3))
}

func TestReservationInvariantUnderLoad(t *testing.T) {
	h := newHarness(t, clockz.NewFakeClockAt(noon))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := h.service.Authorize(ctx, request(fmt.Sprintf("tok-%d", i), int64(100+(i*73)%2900)))
			if r.Status == domain.AuthApproved && i%2 == 0 {
				_, err := h.holds.ClearHold(ctx, r.HoldID, nil)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	available := h.available(t)
	assert.GreaterOrEqual(t, available, int64(0))
	assert.Equal(t, int64(10000), available+h.reserved(t))
}
