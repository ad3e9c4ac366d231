package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cardauth/internal/domain"
)

// CreateWithReservation debits the card and stores the hold under the card lock
func (s *Store) CreateWithReservation(_ context.Context, h *domain.Hold) error {
	cs, ok := s.card(h.CardID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCardNotFound, h.CardID)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.card.IsActive() {
		return domain.ErrCardInactive
	}
	if !cs.card.CanCover(h.HoldAmount) {
		return domain.ErrInsufficientFunds
	}

	s.mu.Lock()
	if _, exists := s.holds[h.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("hold %s already exists", h.ID)
	}
	stored := h.Clone()
	s.holds[h.ID] = stored
	s.holdCards[h.ID] = cs
	s.mu.Unlock()

	cs.card.AvailableBalance -= h.HoldAmount
	cs.card.UpdatedAt = h.CreatedAt
	cs.holds = append(cs.holds, stored)
	return nil
}

func (s *Store) lookupHold(holdID string) (*domain.Hold, *cardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrHoldNotFound, holdID)
	}
	return h, s.holdCards[holdID], nil
}

// Transition applies fn to a copy of the hold under the card lock. The copy
// and the balance credit are committed together only if fn succeeds.
func (s *Store) Transition(_ context.Context, holdID string, fn func(h *domain.Hold) (int64, error)) (*domain.Hold, int64, error) {
	h, cs, err := s.lookupHold(holdID)
	if err != nil {
		return nil, 0, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	next := h.Clone()
	credit, err := fn(next)
	if err != nil {
		return nil, 0, err
	}
	if credit < 0 || credit > h.Remaining() {
		return nil, 0, fmt.Errorf("invalid credit %d for hold %s with %d remaining", credit, holdID, h.Remaining())
	}

	*h = *next
	cs.card.AvailableBalance += credit
	cs.card.UpdatedAt = h.UpdatedAt
	return h.Clone(), credit, nil
}

// Get returns a copy of a hold
func (s *Store) Get(_ context.Context, holdID string) (*domain.Hold, error) {
	h, cs, err := s.lookupHold(holdID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return h.Clone(), nil
}

// ListByCard returns matching holds of a card, newest first
func (s *Store) ListByCard(_ context.Context, cardID string, filter domain.HoldFilter) ([]*domain.Hold, error) {
	cs, ok := s.card(cardID)
	if !ok {
		return nil, nil
	}

	cs.mu.Lock()
	out := make([]*domain.Hold, 0, len(cs.holds))
	for _, h := range cs.holds {
		if filter.Matches(h) {
			out = append(out, h.Clone())
		}
	}
	cs.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListExpirable returns IDs of open holds that expired before now
func (s *Store) ListExpirable(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	states := make([]*cardState, 0, len(s.cards))
	for _, cs := range s.cards {
		states = append(states, cs)
	}
	s.mu.Unlock()

	type due struct {
		id        string
		expiresAt time.Time
	}
	var found []due
	for _, cs := range states {
		cs.mu.Lock()
		for _, h := range cs.holds {
			if h.IsExpiredAt(now) {
				found = append(found, due{h.ID, h.ExpiresAt})
			}
		}
		cs.mu.Unlock()
	}

	sort.Slice(found, func(i, j int) bool { return found[i].expiresAt.Before(found[j].expiresAt) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, len(found))
	for i, d := range found {
		ids[i] = d.id
	}
	return ids, nil
}
