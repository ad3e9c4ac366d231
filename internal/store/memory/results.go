package memory

import (
	"context"
	"fmt"
	"time"

	"cardauth/internal/domain"
)

// ClaimToken claims a transaction token for a new attempt. If the token
// already resolved, its current result is returned instead. A token is bound
// to the card that first claimed it.
func (s *Store) ClaimToken(_ context.Context, token, cardID string, at time.Time) (*domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		s.tokens[token] = &tokenEntry{cardID: cardID, claimedAt: at}
		return nil, nil
	}
	if entry.cardID != cardID {
		return nil, domain.ErrTokenCardMismatch
	}
	if entry.resultID != "" {
		if r, ok := s.results[entry.resultID]; ok {
			return r.Clone(), nil
		}
	}
	if at.Sub(entry.claimedAt) > s.claimTTL {
		entry.claimedAt = at
		entry.resultID = ""
		return nil, nil
	}
	return nil, domain.ErrTokenInFlight
}

// ReclaimToken moves a resolved token back to in-flight for a retry, provided
// it still points at previousResultID.
func (s *Store) ReclaimToken(_ context.Context, token, previousResultID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok || entry.resultID != previousResultID {
		return domain.ErrTokenConflict
	}
	entry.resultID = ""
	entry.claimedAt = at
	return nil
}

// CompleteToken stores the result and points its token at it. The token must
// be in flight.
func (s *Store) CompleteToken(_ context.Context, r *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[r.TransactionToken]
	if !ok || entry.resultID != "" {
		return domain.ErrTokenConflict
	}
	if _, exists := s.results[r.ID]; exists {
		return fmt.Errorf("result %s already stored", r.ID)
	}
	s.results[r.ID] = r.Clone()
	entry.resultID = r.ID
	return nil
}

// ReleaseToken abandons an in-flight claim, restoring the token to
// restoreResultID or forgetting it when that is empty.
func (s *Store) ReleaseToken(_ context.Context, token, restoreResultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok || entry.resultID != "" {
		return nil
	}
	if restoreResultID == "" {
		delete(s.tokens, token)
		return nil
	}
	entry.resultID = restoreResultID
	return nil
}

// GetResult returns a stored result
func (s *Store) GetResult(_ context.Context, resultID string) (*domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[resultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrResultNotFound, resultID)
	}
	return r.Clone(), nil
}
