package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cardauth/internal/common/api"
	"cardauth/internal/common/middleware"
	"cardauth/internal/domain"
	"cardauth/internal/hold"
	"cardauth/internal/notify"
)

// Authorizer is the authorization side of the engine
type Authorizer interface {
	Authorize(ctx context.Context, req domain.AuthorizationRequest) *domain.Result
	RetryAuthorization(ctx context.Context, req domain.AuthorizationRequest, previousResultID string) *domain.Result
	GetResult(ctx context.Context, resultID string) (*domain.Result, error)
}

// HoldService is the settlement side of the engine
type HoldService interface {
	Get(ctx context.Context, holdID string) (*domain.Hold, error)
	GetActiveHolds(ctx context.Context, cardID string) ([]*domain.Hold, error)
	GetHoldMetrics(ctx context.Context, cardID string, window time.Duration) (*hold.Metrics, error)
	ClearHold(ctx context.Context, holdID string, settledAmount *int64) (*domain.Hold, error)
	ReverseHold(ctx context.Context, holdID string) (*domain.Hold, error)
}

// Handler handles authorization and hold HTTP requests
type Handler struct {
	authorizer Authorizer
	holds      HoldService
}

// NewHandler creates a new handler
func NewHandler(authorizer Authorizer, holds HoldService) *Handler {
	return &Handler{authorizer: authorizer, holds: holds}
}

// Routes returns the API routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/cards/{cardID}", func(r chi.Router) {
		r.Post("/authorizations", h.Authorize)
		r.Post("/authorizations/{resultID}/retry", h.Retry)
		r.Get("/holds", h.ListHolds)
		r.Get("/hold-metrics", h.HoldMetrics)
	})

	r.Get("/authorizations/{resultID}", h.GetResult)

	r.Route("/holds/{holdID}", func(r chi.Router) {
		r.Get("/", h.GetHold)
		r.Post("/clear", h.ClearHold)
		r.Post("/reverse", h.ReverseHold)
	})

	return r
}

// AuthorizeRequest is the API request for an authorization. The card comes
// from the path.
type AuthorizeRequest struct {
	TransactionToken     string    `json:"transaction_token" validate:"required,max=128"`
	MerchantName         string    `json:"merchant_name"`
	MerchantCategoryCode string    `json:"merchant_category_code"`
	Amount               int64     `json:"amount"`
	Currency             string    `json:"currency"`
	Country              string    `json:"country"`
	City                 string    `json:"city"`
	SubmittedAt          time.Time `json:"submitted_at"`
}

func (req AuthorizeRequest) toDomain(cardID string) domain.AuthorizationRequest {
	return domain.AuthorizationRequest{
		CardID:               cardID,
		TransactionToken:     req.TransactionToken,
		MerchantName:         req.MerchantName,
		MerchantCategoryCode: req.MerchantCategoryCode,
		Amount:               req.Amount,
		Currency:             req.Currency,
		Country:              req.Country,
		City:                 req.City,
		SubmittedAt:          req.SubmittedAt,
	}
}

// RetryRequest is the API request for a retry
type RetryRequest struct {
	AuthorizeRequest
	RetryCount int `json:"retry_count" validate:"gte=1"`
}

// ClearRequest is the API request for settling a hold
type ClearRequest struct {
	SettledAmount *int64 `json:"settled_amount,omitempty" validate:"omitempty,gt=0"`
}

func withCorrelation(r *http.Request) context.Context {
	return notify.WithCorrelationID(r.Context(), middleware.GetCorrelationID(r.Context()))
}

// Authorize handles POST /cards/{cardID}/authorizations. Declines are
// processed requests and are returned with 200.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result := h.authorizer.Authorize(withCorrelation(r), req.toDomain(chi.URLParam(r, "cardID")))
	api.WriteData(w, http.StatusOK, result)
}

// Retry handles POST /cards/{cardID}/authorizations/{resultID}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	dreq := req.toDomain(chi.URLParam(r, "cardID"))
	dreq.RetryCount = req.RetryCount
	result := h.authorizer.RetryAuthorization(withCorrelation(r), dreq, chi.URLParam(r, "resultID"))
	api.WriteData(w, http.StatusOK, result)
}

// GetResult handles GET /authorizations/{resultID}
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.authorizer.GetResult(r.Context(), chi.URLParam(r, "resultID"))
	if err != nil {
		if errors.Is(err, domain.ErrResultNotFound) {
			api.NotFound(w, "authorization not found")
			return
		}
		api.InternalError(w, "failed to get authorization")
		return
	}
	api.WriteData(w, http.StatusOK, result)
}

// ListHolds handles GET /cards/{cardID}/holds
func (h *Handler) ListHolds(w http.ResponseWriter, r *http.Request) {
	holds, err := h.holds.GetActiveHolds(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		api.InternalError(w, "failed to list holds")
		return
	}
	api.WritePaginated(w, holds, api.GetPaginationParams(r, 50, 500))
}

// HoldMetrics handles GET /cards/{cardID}/hold-metrics?window=24h
func (h *Handler) HoldMetrics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			api.BadRequest(w, "window must be a positive duration such as 24h")
			return
		}
		window = d
	}

	report, err := h.holds.GetHoldMetrics(r.Context(), chi.URLParam(r, "cardID"), window)
	if err != nil {
		api.InternalError(w, "failed to compute hold metrics")
		return
	}
	api.WriteData(w, http.StatusOK, report)
}

// GetHold handles GET /holds/{holdID}
func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	hd, err := h.holds.Get(r.Context(), chi.URLParam(r, "holdID"))
	if err != nil {
		writeHoldError(w, err, "failed to get hold")
		return
	}
	api.WriteData(w, http.StatusOK, hd)
}

// ClearHold handles POST /holds/{holdID}/clear
func (h *Handler) ClearHold(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	hd, err := h.holds.ClearHold(withCorrelation(r), chi.URLParam(r, "holdID"), req.SettledAmount)
	if err != nil {
		writeHoldError(w, err, "failed to clear hold")
		return
	}
	api.WriteData(w, http.StatusOK, hd)
}

// ReverseHold handles POST /holds/{holdID}/reverse
func (h *Handler) ReverseHold(w http.ResponseWriter, r *http.Request) {
	hd, err := h.holds.ReverseHold(withCorrelation(r), chi.URLParam(r, "holdID"))
	if err != nil {
		writeHoldError(w, err, "failed to reverse hold")
		return
	}
	api.WriteData(w, http.StatusOK, hd)
}

func writeHoldError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrHoldNotFound):
		api.NotFound(w, "hold not found")
	case errors.Is(err, domain.ErrHoldTerminal):
		api.Conflict(w, err.Error())
	case errors.Is(err, domain.ErrReleaseExceedsRemaining):
		api.Unprocessable(w, "RELEASE_EXCEEDS_REMAINING", err.Error())
	case errors.Is(err, domain.ErrInvalidAmount):
		api.Unprocessable(w, api.ErrCodeValidation, err.Error())
	default:
		api.InternalError(w, fallback)
	}
}
