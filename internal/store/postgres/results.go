package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cardauth/internal/common/database"
	"cardauth/internal/domain"
)

const resultColumns = `
	id, attempt_id, card_id, transaction_token, status,
	COALESCE(authorization_code, ''), COALESCE(decline_code, ''), COALESCE(decline_message, ''),
	retryable, amount, currency, risk_score, COALESCE(risk_level, ''), COALESCE(risk_action, ''),
	risk_factors, conversion, COALESCE(hold_id, ''), COALESCE(previous_result_id, ''),
	retry_count, latency_ns, created_at, completed_at
`

// ClaimToken claims a transaction token, returning the recorded result when
// the token already resolved. Claims naming a card other than the token's
// owner fail with ErrTokenCardMismatch.
func (s *Store) ClaimToken(ctx context.Context, token, cardID string, at time.Time) (*domain.Result, error) {
	var existing *domain.Result

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		existing = nil
		tag, err := tx.Exec(ctx, `
			INSERT INTO authorization_tokens (transaction_token, card_id, claimed_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (transaction_token) DO NOTHING
		`, token, cardID, at)
		if err != nil {
			return fmt.Errorf("claiming token: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var (
			resultID  *string
			owner     string
			claimedAt time.Time
		)
		err = tx.QueryRow(ctx, `
			SELECT result_id, card_id, claimed_at FROM authorization_tokens
			WHERE transaction_token = $1
			FOR UPDATE
		`, token).Scan(&resultID, &owner, &claimedAt)
		if err != nil {
			return fmt.Errorf("locking token: %w", err)
		}
		if owner != cardID {
			return domain.ErrTokenCardMismatch
		}

		if resultID != nil {
			existing, err = getResult(ctx, tx, *resultID)
			return err
		}
		if at.Sub(claimedAt) <= s.claimTTL {
			return domain.ErrTokenInFlight
		}

		_, err = tx.Exec(ctx, `
			UPDATE authorization_tokens SET claimed_at = $2, updated_at = $2
			WHERE transaction_token = $1
		`, token, at)
		if err != nil {
			return fmt.Errorf("taking over token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// ReclaimToken moves a resolved token back to in-flight for a retry
func (s *Store) ReclaimToken(ctx context.Context, token, previousResultID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE authorization_tokens SET result_id = NULL, claimed_at = $3, updated_at = $3
		WHERE transaction_token = $1 AND result_id = $2
	`, token, previousResultID, at)
	if err != nil {
		return fmt.Errorf("reclaiming token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTokenConflict
	}
	return nil
}

// CompleteToken stores the result and points its in-flight token at it
func (s *Store) CompleteToken(ctx context.Context, r *domain.Result) error {
	factors, err := marshalNullable(r.RiskFactors)
	if err != nil {
		return err
	}
	conversion, err := marshalNullable(r.Conversion)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO authorization_results (
				id, attempt_id, card_id, transaction_token, status, authorization_code,
				decline_code, decline_message, retryable, amount, currency, risk_score,
				risk_level, risk_action, risk_factors, conversion, hold_id,
				previous_result_id, retry_count, latency_ns, created_at, completed_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
				$18, $19, $20, $21, $22
			)
		`,
			r.ID,
			r.AttemptID,
			r.CardID,
			r.TransactionToken,
			r.Status,
			nullString(r.AuthorizationCode),
			nullString(string(r.DeclineCode)),
			nullString(r.DeclineMessage),
			r.Retryable,
			r.Amount.AmountMinor,
			r.Amount.Currency,
			r.RiskScore,
			nullString(string(r.RiskLevel)),
			nullString(string(r.RiskAction)),
			factors,
			conversion,
			nullString(r.HoldID),
			nullString(r.PreviousResultID),
			r.RetryCount,
			r.Latency.Nanoseconds(),
			r.CreatedAt,
			r.CompletedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("result %s: %w", r.ID, database.ErrAlreadyExists)
			}
			return fmt.Errorf("inserting result: %w", err)
		}

		if r.Attempt != nil {
			if err := insertAttempt(ctx, tx, r.ID, r.Attempt); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE authorization_tokens SET result_id = $2, updated_at = now()
			WHERE transaction_token = $1 AND result_id IS NULL
		`, r.TransactionToken, r.ID)
		if err != nil {
			return fmt.Errorf("resolving token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrTokenConflict
		}
		return nil
	})
}

// ReleaseToken abandons an in-flight claim, restoring restoreResultID or
// forgetting the token when that is empty
func (s *Store) ReleaseToken(ctx context.Context, token, restoreResultID string) error {
	var err error
	if restoreResultID == "" {
		_, err = s.db.Exec(ctx, `
			DELETE FROM authorization_tokens WHERE transaction_token = $1 AND result_id IS NULL
		`, token)
	} else {
		_, err = s.db.Exec(ctx, `
			UPDATE authorization_tokens SET result_id = $2, updated_at = now()
			WHERE transaction_token = $1 AND result_id IS NULL
		`, token, restoreResultID)
	}
	if err != nil {
		return fmt.Errorf("releasing token: %w", err)
	}
	return nil
}

// GetResult retrieves a stored result
func (s *Store) GetResult(ctx context.Context, resultID string) (*domain.Result, error) {
	return getResult(ctx, s.db, resultID)
}

func getResult(ctx context.Context, q database.Querier, resultID string) (*domain.Result, error) {
	r, err := scanResult(q.QueryRow(ctx, `SELECT `+resultColumns+` FROM authorization_results WHERE id = $1`, resultID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrResultNotFound, resultID)
	}
	if err != nil {
		return nil, err
	}

	a, err := scanAttempt(q.QueryRow(ctx, `SELECT `+attemptColumns+` FROM authorization_attempts WHERE result_id = $1`, resultID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		r.Attempt = a
	}
	return r, nil
}

const attemptColumns = `
	id, card_id, transaction_token, merchant_name, COALESCE(merchant_category_code, ''),
	amount, currency, COALESCE(country, ''), COALESCE(city, ''), submitted_at, retry_count
`

func insertAttempt(ctx context.Context, tx pgx.Tx, resultID string, a *domain.Attempt) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO authorization_attempts (
			id, result_id, card_id, transaction_token, merchant_name, merchant_category_code,
			amount, currency, country, city, submitted_at, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID,
		resultID,
		a.CardID,
		a.TransactionToken,
		a.MerchantName,
		nullString(a.MerchantCategoryCode),
		a.Amount.AmountMinor,
		a.Amount.Currency,
		nullString(a.Country),
		nullString(a.City),
		a.SubmittedAt,
		a.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	return nil
}

func scanAttempt(row pgx.Row) (*domain.Attempt, error) {
	var a domain.Attempt
	err := row.Scan(
		&a.ID,
		&a.CardID,
		&a.TransactionToken,
		&a.MerchantName,
		&a.MerchantCategoryCode,
		&a.Amount.AmountMinor,
		&a.Amount.Currency,
		&a.Country,
		&a.City,
		&a.SubmittedAt,
		&a.RetryCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning attempt: %w", err)
	}
	return &a, nil
}

func scanResult(row pgx.Row) (*domain.Result, error) {
	var (
		r          domain.Result
		factors    []byte
		conversion []byte
		latencyNS  int64
	)
	err := row.Scan(
		&r.ID,
		&r.AttemptID,
		&r.CardID,
		&r.TransactionToken,
		&r.Status,
		&r.AuthorizationCode,
		&r.DeclineCode,
		&r.DeclineMessage,
		&r.Retryable,
		&r.Amount.AmountMinor,
		&r.Amount.Currency,
		&r.RiskScore,
		&r.RiskLevel,
		&r.RiskAction,
		&factors,
		&conversion,
		&r.HoldID,
		&r.PreviousResultID,
		&r.RetryCount,
		&latencyNS,
		&r.CreatedAt,
		&r.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning result: %w", err)
	}
	r.Latency = time.Duration(latencyNS)

	if len(factors) > 0 {
		r.RiskFactors = &domain.RiskFactors{}
		if err := json.Unmarshal(factors, r.RiskFactors); err != nil {
			return nil, fmt.Errorf("decoding risk factors: %w", err)
		}
	}
	if len(conversion) > 0 {
		r.Conversion = &domain.Conversion{}
		if err := json.Unmarshal(conversion, r.Conversion); err != nil {
			return nil, fmt.Errorf("decoding conversion: %w", err)
		}
	}
	return &r, nil
}

// marshalNullable encodes v as JSON, or nil for a nil pointer
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return b, nil
}
