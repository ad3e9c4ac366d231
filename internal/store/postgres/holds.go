package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"cardauth/internal/common/database"
	"cardauth/internal/domain"
)

const holdColumns = `
	id, card_id, authorization_id, original_amount, original_currency, hold_amount,
	released_amount, currency, status, created_at, expires_at, released_at,
	COALESCE(release_reason, ''), updated_at
`

// CreateWithReservation debits the card and inserts the hold in one
// transaction. The debit only happens when available plus overdraft covers
// the hold and the card is active.
func (s *Store) CreateWithReservation(ctx context.Context, h *domain.Hold) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE cards
			SET available_balance = available_balance - $2, updated_at = $3
			WHERE id = $1
			  AND status = 'active'
			  AND available_balance + overdraft_limit >= $2
		`, h.CardID, h.HoldAmount, h.CreatedAt)
		if err != nil {
			return fmt.Errorf("reserving funds: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return cardFailure(ctx, tx, h.CardID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO holds (
				id, card_id, authorization_id, original_amount, original_currency, hold_amount,
				released_amount, currency, status, created_at, expires_at, released_at,
				release_reason, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			h.ID,
			h.CardID,
			h.AuthorizationID,
			h.OriginalAmount.AmountMinor,
			h.OriginalAmount.Currency,
			h.HoldAmount,
			h.ReleasedAmount,
			h.Currency,
			h.Status,
			h.CreatedAt,
			h.ExpiresAt,
			h.ReleasedAt,
			nullString(h.ReleaseReason),
			h.UpdatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("hold for authorization %s: %w", h.AuthorizationID, database.ErrAlreadyExists)
			}
			return fmt.Errorf("inserting hold: %w", err)
		}
		return nil
	})
}

// Transition locks the hold row, applies fn and writes the hold together
// with the card credit. Concurrent transitions of the same hold queue on the
// row lock and see each other's result.
func (s *Store) Transition(ctx context.Context, holdID string, fn func(h *domain.Hold) (int64, error)) (*domain.Hold, int64, error) {
	var (
		updated *domain.Hold
		credit  int64
	)

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanHold(tx.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, holdID))
		if err != nil {
			return err
		}

		next := current.Clone()
		c, err := fn(next)
		if err != nil {
			return err
		}
		if c < 0 || c > current.Remaining() {
			return fmt.Errorf("invalid credit %d for hold %s with %d remaining", c, holdID, current.Remaining())
		}

		_, err = tx.Exec(ctx, `
			UPDATE holds
			SET released_amount = $2, status = $3, released_at = $4, release_reason = $5, updated_at = $6
			WHERE id = $1
		`, next.ID, next.ReleasedAmount, next.Status, next.ReleasedAt, nullString(next.ReleaseReason), next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating hold: %w", err)
		}

		if c > 0 {
			_, err = tx.Exec(ctx, `
				UPDATE cards SET available_balance = available_balance + $2, updated_at = $3 WHERE id = $1
			`, next.CardID, c, next.UpdatedAt)
			if err != nil {
				return fmt.Errorf("crediting card: %w", err)
			}
		}

		updated, credit = next, c
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return updated, credit, nil
}

// Get retrieves a hold by ID
func (s *Store) Get(ctx context.Context, holdID string) (*domain.Hold, error) {
	return scanHold(s.db.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1`, holdID))
}

// ListByCard lists matching holds of a card, newest first
func (s *Store) ListByCard(ctx context.Context, cardID string, filter domain.HoldFilter) ([]*domain.Hold, error) {
	query, args := listHoldsQuery(cardID, filter)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing holds: %w", err)
	}
	defer rows.Close()

	var holds []*domain.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func listHoldsQuery(cardID string, filter domain.HoldFilter) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`SELECT ` + holdColumns + ` FROM holds WHERE card_id = $1`)
	args := []interface{}{cardID}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		fmt.Fprintf(&b, ` AND status = ANY($%d)`, len(args))
	}
	if !filter.CreatedSince.IsZero() {
		args = append(args, filter.CreatedSince)
		fmt.Fprintf(&b, ` AND created_at >= $%d`, len(args))
	}
	b.WriteString(` ORDER BY created_at DESC`)
	return b.String(), args
}

// ListExpirable returns IDs of open holds that expired before now, oldest
// expiry first
func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM holds
		WHERE status IN ('active', 'partially_released') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expirable holds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning hold id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanHold(row pgx.Row) (*domain.Hold, error) {
	var h domain.Hold
	err := row.Scan(
		&h.ID,
		&h.CardID,
		&h.AuthorizationID,
		&h.OriginalAmount.AmountMinor,
		&h.OriginalAmount.Currency,
		&h.HoldAmount,
		&h.ReleasedAmount,
		&h.Currency,
		&h.Status,
		&h.CreatedAt,
		&h.ExpiresAt,
		&h.ReleasedAt,
		&h.ReleaseReason,
		&h.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, fmt.Errorf("scanning hold: %w", err)
	}
	return &h, nil
}
