// Package memory is an in-process implementation of every storage port. Each
// card has its own lock, so reservations on one card are serialized while
// different cards proceed in parallel.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cardauth/internal/domain"
)

type cardState struct {
	mu    sync.Mutex
	card  domain.Card
	holds []*domain.Hold
}

type tokenEntry struct {
	cardID    string
	resultID  string
	claimedAt time.Time
}

// Store keeps cards, holds, results and rules in memory. The store mutex
// guards the maps only; card and hold fields are guarded by the card mutex.
// Lock order is card before store.
type Store struct {
	mu           sync.Mutex
	cards        map[string]*cardState
	holds        map[string]*domain.Hold
	holdCards    map[string]*cardState
	results      map[string]*domain.Result
	tokens       map[string]*tokenEntry
	restrictions map[string][]domain.Restriction
	history      map[string][]domain.Transaction
	claimTTL     time.Duration
}

// New creates an empty store. Token claims older than claimTTL are treated
// as abandoned and may be taken over.
func New(claimTTL time.Duration) *Store {
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &Store{
		cards:        make(map[string]*cardState),
		holds:        make(map[string]*domain.Hold),
		holdCards:    make(map[string]*cardState),
		results:      make(map[string]*domain.Result),
		tokens:       make(map[string]*tokenEntry),
		restrictions: make(map[string][]domain.Restriction),
		history:      make(map[string][]domain.Transaction),
		claimTTL:     claimTTL,
	}
}

// PutCard inserts or replaces a card balance record
func (s *Store) PutCard(card domain.Card) {
	s.mu.Lock()
	cs, ok := s.cards[card.ID]
	if !ok {
		cs = &cardState{}
		s.cards[card.ID] = cs
	}
	s.mu.Unlock()

	cs.mu.Lock()
	cs.card = card
	cs.mu.Unlock()
}

// SetRestrictions replaces the rules of a card
func (s *Store) SetRestrictions(cardID string, rules []domain.Restriction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restrictions[cardID] = append([]domain.Restriction(nil), rules...)
}

// AddTransactions records settled transactions from outside this engine for risk history
func (s *Store) AddTransactions(cardID string, txns ...domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[cardID] = append(s.history[cardID], txns...)
}

func (s *Store) card(cardID string) (*cardState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.cards[cardID]
	return cs, ok
}

// GetCard returns the current balance record of a card
func (s *Store) GetCard(_ context.Context, cardID string) (*domain.Card, error) {
	cs, ok := s.card(cardID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCardNotFound, cardID)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.card
	return &c, nil
}

// GetRestrictions returns the rules of a card
func (s *Store) GetRestrictions(_ context.Context, cardID string) ([]domain.Restriction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Restriction(nil), s.restrictions[cardID]...), nil
}

// GetApprovedTransactions returns approved and pending authorizations plus
// recorded history for a card since the given time, oldest first.
func (s *Store) GetApprovedTransactions(_ context.Context, cardID string, since time.Time) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for _, tx := range s.history[cardID] {
		if !tx.Timestamp.Before(since) {
			out = append(out, tx)
		}
	}
	for _, r := range s.results {
		if r.CardID != cardID || r.CreatedAt.Before(since) {
			continue
		}
		if r.Status == domain.AuthApproved || r.Status == domain.AuthPending {
			out = append(out, domain.Transaction{Amount: r.Amount.AmountMinor, Timestamp: r.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
