// Package hold owns the hold lifecycle and the funds each hold reserves.
package hold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zoobzio/clockz"

	"cardauth/internal/common/money"
	"cardauth/internal/common/telemetry"
	"cardauth/internal/domain"
)

// Config holds hold lifecycle settings
type Config struct {
	TTL           time.Duration `envconfig:"HOLD_TTL" default:"24h"`
	SweepInterval time.Duration `envconfig:"HOLD_SWEEP_INTERVAL" default:"1m"`
	SweepBatch    int           `envconfig:"HOLD_SWEEP_BATCH" default:"500"`
}

// Repository persists holds. Every method that changes reserved funds applies
// the hold change and the ledger change as one atomic unit.
type Repository interface {
	// CreateWithReservation debits the hold amount from the card only if
	// available balance plus overdraft covers it, then stores the hold.
	CreateWithReservation(ctx context.Context, h *domain.Hold) error
	// Transition locks the hold, applies fn and credits the returned amount back
	// to the card. If fn fails nothing is written.
	Transition(ctx context.Context, holdID string, fn func(h *domain.Hold) (int64, error)) (*domain.Hold, int64, error)
	Get(ctx context.Context, holdID string) (*domain.Hold, error)
	ListByCard(ctx context.Context, cardID string, filter domain.HoldFilter) ([]*domain.Hold, error)
	// ListExpirable returns IDs of open holds whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Notifier receives hold transitions
type Notifier interface {
	HoldStatus(ctx context.Context, h *domain.Hold, credited int64)
}

// CreateParams describes a hold for an approved authorization
type CreateParams struct {
	CardID          string
	AuthorizationID string
	Amount          money.Money
	Original        money.Money
}

// Manager implements hold operations on top of a Repository
type Manager struct {
	repo     Repository
	cfg      Config
	clock    clockz.Clock
	notifier Notifier
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewManager creates a new hold manager
func NewManager(repo Repository, cfg Config, clock clockz.Clock, notifier Notifier, metrics *telemetry.Metrics, logger *slog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	return &Manager{
		repo:     repo,
		cfg:      cfg,
		clock:    clock,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// Create reserves funds and creates an active hold
func (m *Manager) Create(ctx context.Context, p CreateParams) (*domain.Hold, error) {
	h, err := domain.NewHold(ulid.Make().String(), p.CardID, p.AuthorizationID,
		p.Amount.AmountMinor, p.Amount.Currency, p.Original, m.clock.Now(), m.cfg.TTL)
	if err != nil {
		return nil, err
	}

	if err := m.repo.CreateWithReservation(ctx, h); err != nil {
		return nil, fmt.Errorf("creating hold for card %s: %w", p.CardID, err)
	}

	m.logger.Info("hold created",
		"hold_id", h.ID,
		"card_id", h.CardID,
		"authorization_id", h.AuthorizationID,
		"amount", h.HoldAmount,
		"expires_at", h.ExpiresAt,
	)
	m.observe(ctx, h, 0)
	return h.Clone(), nil
}

// Release releases amount from the hold, or the full remainder when amount is nil
func (m *Manager) Release(ctx context.Context, holdID string, amount *int64, reason string) (*domain.Hold, error) {
	now := m.clock.Now()
	return m.transition(ctx, holdID, func(h *domain.Hold) (int64, error) {
		return h.Release(amount, reason, now)
	})
}

// ClearHold applies a settlement. Without a settled amount the whole remainder
// is released.
func (m *Manager) ClearHold(ctx context.Context, holdID string, settledAmount *int64) (*domain.Hold, error) {
	now := m.clock.Now()
	return m.transition(ctx, holdID, func(h *domain.Hold) (int64, error) {
		reason := domain.ReasonSettlement
		if settledAmount != nil && *settledAmount < h.Remaining() {
			reason = domain.ReasonPartialRelease
		}
		return h.Release(settledAmount, reason, now)
	})
}

// ReverseHold releases the full remainder and marks the hold reversed
func (m *Manager) ReverseHold(ctx context.Context, holdID string) (*domain.Hold, error) {
	return m.reverse(ctx, holdID, domain.ReasonReversal)
}

// Rollback reverses a hold created by an authorization that did not complete
func (m *Manager) Rollback(ctx context.Context, holdID string) error {
	_, err := m.reverse(ctx, holdID, domain.ReasonRollback)
	return err
}

func (m *Manager) reverse(ctx context.Context, holdID, reason string) (*domain.Hold, error) {
	now := m.clock.Now()
	return m.transition(ctx, holdID, func(h *domain.Hold) (int64, error) {
		return h.Reverse(reason, now)
	})
}

func (m *Manager) transition(ctx context.Context, holdID string, fn func(h *domain.Hold) (int64, error)) (*domain.Hold, error) {
	h, credited, err := m.repo.Transition(ctx, holdID, fn)
	if err != nil {
		return nil, err
	}

	m.logger.Info("hold transitioned",
		"hold_id", h.ID,
		"card_id", h.CardID,
		"status", h.Status,
		"credited", credited,
		"released_amount", h.ReleasedAmount,
		"reason", h.ReleaseReason,
	)
	m.observe(ctx, h, credited)
	return h, nil
}

func (m *Manager) observe(ctx context.Context, h *domain.Hold, credited int64) {
	m.metrics.HoldTransition(string(h.Status))
	if m.notifier != nil {
		m.notifier.HoldStatus(ctx, h, credited)
	}
}

// Get returns a hold by ID
func (m *Manager) Get(ctx context.Context, holdID string) (*domain.Hold, error) {
	return m.repo.Get(ctx, holdID)
}

// GetActiveHolds returns the holds of a card that still reserve funds
func (m *Manager) GetActiveHolds(ctx context.Context, cardID string) ([]*domain.Hold, error) {
	return m.repo.ListByCard(ctx, cardID, domain.HoldFilter{Statuses: domain.OpenStatuses()})
}

// ExpireDue force-releases every open hold past its expiry and returns how
// many holds this call expired. Holds already closed by a concurrent sweep or
// client call are skipped.
func (m *Manager) ExpireDue(ctx context.Context) (int, error) {
	now := m.clock.Now()
	expired := 0

	for {
		ids, err := m.repo.ListExpirable(ctx, now, m.cfg.SweepBatch)
		if err != nil {
			return expired, fmt.Errorf("listing expirable holds: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		progressed := 0
		for _, id := range ids {
			_, err := m.transition(ctx, id, func(h *domain.Hold) (int64, error) {
				return h.Expire(now)
			})
			switch {
			case err == nil:
				expired++
				progressed++
			case errors.Is(err, domain.ErrHoldTerminal), errors.Is(err, domain.ErrHoldNotExpired), errors.Is(err, domain.ErrHoldNotFound):
				progressed++
			default:
				m.logger.Error("expiring hold", "hold_id", id, "error", err)
			}
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
		}

		if len(ids) < m.cfg.SweepBatch || progressed == 0 {
			break
		}
	}

	m.metrics.HoldsExpired(expired)
	return expired, nil
}

// IsCallerError reports whether err is a hold transition the caller asked for
// that can never succeed, as opposed to an infrastructure failure.
func IsCallerError(err error) bool {
	return errors.Is(err, domain.ErrHoldTerminal) ||
		errors.Is(err, domain.ErrReleaseExceedsRemaining) ||
		errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrHoldNotFound)
}
