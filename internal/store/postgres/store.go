// Package postgres implements the storage ports on top of the cards ledger
// tables. Reservations and releases are single transactions; the balance
// predicate lives in the UPDATE itself so concurrent reservations on a card
// serialize on its row lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cardauth/internal/common/database"
	"cardauth/internal/domain"
)

// Store provides card, hold and authorization data access
type Store struct {
	db       *database.DB
	claimTTL time.Duration
}

// New creates a new store. Token claims older than claimTTL are treated as
// abandoned.
func New(db *database.DB, claimTTL time.Duration) *Store {
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &Store{db: db, claimTTL: claimTTL}
}

// GetCard reads the current balance record of a card
func (s *Store) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	query := `
		SELECT id, status, currency, available_balance, spending_limit, overdraft_limit, updated_at
		FROM cards
		WHERE id = $1
	`

	var c domain.Card
	err := s.db.QueryRow(ctx, query, cardID).Scan(
		&c.ID, &c.Status, &c.Currency, &c.AvailableBalance, &c.SpendingLimit, &c.OverdraftLimit, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCardNotFound, cardID)
		}
		return nil, fmt.Errorf("getting card: %w", err)
	}
	return &c, nil
}

// GetRestrictions implements restriction.RuleSource
func (s *Store) GetRestrictions(ctx context.Context, cardID string) ([]domain.Restriction, error) {
	query := `
		SELECT type, value, allowed
		FROM card_restrictions
		WHERE card_id = $1
		ORDER BY id
	`

	rows, err := s.db.Query(ctx, query, cardID)
	if err != nil {
		return nil, fmt.Errorf("listing restrictions: %w", err)
	}
	defer rows.Close()

	var rules []domain.Restriction
	for rows.Next() {
		var r domain.Restriction
		if err := rows.Scan(&r.Type, &r.Value, &r.Allowed); err != nil {
			return nil, fmt.Errorf("scanning restriction: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetApprovedTransactions implements risk.HistorySource. It merges imported
// card activity with approved and pending authorizations, oldest first.
func (s *Store) GetApprovedTransactions(ctx context.Context, cardID string, since time.Time) ([]domain.Transaction, error) {
	query := `
		SELECT amount, occurred_at FROM card_transactions
		WHERE card_id = $1 AND occurred_at >= $2
		UNION ALL
		SELECT amount, created_at FROM authorization_results
		WHERE card_id = $1 AND created_at >= $2 AND status IN ('approved', 'pending')
		ORDER BY 2
	`

	rows, err := s.db.Query(ctx, query, cardID, since)
	if err != nil {
		return nil, fmt.Errorf("loading transaction history: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(&tx.Amount, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		txns = append(txns, tx)
	}
	return txns, rows.Err()
}

// cardFailure explains why a conditional reservation matched no row
func cardFailure(ctx context.Context, q database.Querier, cardID string) error {
	var status domain.CardStatus
	err := q.QueryRow(ctx, `SELECT status FROM cards WHERE id = $1`, cardID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", domain.ErrCardNotFound, cardID)
	case err != nil:
		return fmt.Errorf("checking card: %w", err)
	case status != domain.CardStatusActive:
		return domain.ErrCardInactive
	default:
		return domain.ErrInsufficientFunds
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
