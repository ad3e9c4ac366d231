package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"cardauth/internal/authorization"
	authapi "cardauth/internal/authorization/api"
	"cardauth/internal/common/money"
	"cardauth/internal/domain"
	"cardauth/internal/fx"
	"cardauth/internal/hold"
	"cardauth/internal/restriction"
	"cardauth/internal/risk"
	"cardauth/internal/store/memory"
)

type envelope[T any] struct {
	Data  T `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func newServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockz.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	store := memory.New(0)
	store.PutCard(domain.Card{ID: "card-1", Status: domain.CardStatusActive, Currency: money.USD, AvailableBalance: 10000, SpendingLimit: 10000})

	scorer, err := risk.NewScorer(risk.DefaultConfig(), store, nil, logger)
	require.NoError(t, err)
	holds := hold.NewManager(store, hold.Config{}, clock, nil, nil, logger)
	svc := authorization.NewService(authorization.Dependencies{
		Ledger:       store,
		Results:      store,
		Holds:        holds,
		Restrictions: restriction.NewValidator(store),
		Converter:    fx.NewConverter(fx.DefaultRates(), fx.Config{FeeBasisPoints: 150}),
		Scorer:       scorer,
	}, authorization.Config{MaxRetries: 3}, clock, nil, logger)

	srv := httptest.NewServer(authapi.NewHandler(svc, holds).Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func post[T any](t *testing.T, url, body string) (int, envelope[T]) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func get[T any](t *testing.T, url string) (int, envelope[T]) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestAuthorizeAndSettleOverHTTP(t *testing.T) {
	srv, store := newServer(t)

	status, auth := post[domain.Result](t, srv.URL+"/cards/card-1/authorizations",
		`{"transaction_token":"tok-1","merchant_name":"Book Store","merchant_category_code":"5942","amount":4000,"currency":"USD","country":"US"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, domain.AuthApproved, auth.Data.Status)
	require.NotEmpty(t, auth.Data.HoldID)

	status, stored := get[domain.Result](t, srv.URL+"/authorizations/"+auth.Data.ID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, auth.Data.AuthorizationCode, stored.Data.AuthorizationCode)

	status, held := get[[]domain.Hold](t, srv.URL+"/cards/card-1/holds")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, held.Data, 1)

	status, partial := post[domain.Hold](t, srv.URL+"/holds/"+auth.Data.HoldID+"/clear", `{"settled_amount":1500}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.HoldPartiallyReleased, partial.Data.Status)

	status, over := post[domain.Hold](t, srv.URL+"/holds/"+auth.Data.HoldID+"/clear", `{"settled_amount":9000}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "RELEASE_EXCEEDS_REMAINING", over.Error.Code)

	status, cleared := post[domain.Hold](t, srv.URL+"/holds/"+auth.Data.HoldID+"/clear", ``)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.HoldReleased, cleared.Data.Status)

	status, again := post[domain.Hold](t, srv.URL+"/holds/"+auth.Data.HoldID+"/reverse", ``)
	assert.Equal(t, http.StatusConflict, status)
	assert.NotNil(t, again.Error)

	card, err := store.GetCard(context.Background(), "card-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), card.AvailableBalance)

	status, report := get[hold.Metrics](t, srv.URL+"/cards/card-1/hold-metrics?window=1h")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, report.Data.Total)
	assert.Equal(t, int64(4000), report.Data.TotalReleased)
}

func TestDeclinesAreProcessedResponses(t *testing.T) {
	srv, _ := newServer(t)

	status, res := post[domain.Result](t, srv.URL+"/cards/card-1/authorizations",
		`{"transaction_token":"tok-1","merchant_name":"Car Dealer","amount":50000,"currency":"USD"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.AuthDeclined, res.Data.Status)
	assert.Equal(t, domain.DeclineInsufficientFunds, res.Data.DeclineCode)
	assert.True(t, res.Data.Retryable)

	status, retry := post[domain.Result](t, srv.URL+"/cards/card-1/authorizations/"+res.Data.ID+"/retry",
		`{"transaction_token":"tok-1","merchant_name":"Car Dealer","amount":50000,"currency":"USD","retry_count":9}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.DeclineMaxRetriesExceeded, retry.Data.DeclineCode)
}

func TestRequestErrors(t *testing.T) {
	srv, _ := newServer(t)

	status, env := post[domain.Result](t, srv.URL+"/cards/card-1/authorizations", `{"amount":100}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Details, "TransactionToken")

	status, _ = get[domain.Result](t, srv.URL+"/authorizations/missing")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = get[domain.Hold](t, srv.URL+"/holds/missing")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = get[hold.Metrics](t, srv.URL+"/cards/card-1/hold-metrics?window=-1h")
	assert.Equal(t, http.StatusBadRequest, status)
}
