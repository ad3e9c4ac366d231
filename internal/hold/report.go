package hold

import (
	"context"
	"fmt"
	"time"

	"cardauth/internal/domain"
)

// Metrics summarizes the holds a card created within a window
type Metrics struct {
	CardID               string                    `json:"card_id"`
	Window               string                    `json:"window"`
	Since                time.Time                 `json:"since"`
	Total                int                       `json:"total"`
	ByStatus             map[domain.HoldStatus]int `json:"by_status"`
	TotalHeld            int64                     `json:"total_held"`
	TotalReleased        int64                     `json:"total_released"`
	CurrentlyReserved    int64                     `json:"currently_reserved"`
	AverageTimeToRelease time.Duration             `json:"average_time_to_release_ns"`
}

// GetHoldMetrics reports on holds created during the trailing window
func (m *Manager) GetHoldMetrics(ctx context.Context, cardID string, window time.Duration) (*Metrics, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}
	since := m.clock.Now().Add(-window)

	holds, err := m.repo.ListByCard(ctx, cardID, domain.HoldFilter{CreatedSince: since})
	if err != nil {
		return nil, fmt.Errorf("listing holds for card %s: %w", cardID, err)
	}

	report := &Metrics{
		CardID:   cardID,
		Window:   window.String(),
		Since:    since,
		ByStatus: make(map[domain.HoldStatus]int),
	}

	var closed int
	var closedFor time.Duration
	for _, h := range holds {
		report.Total++
		report.ByStatus[h.Status]++
		report.TotalHeld += h.HoldAmount
		report.TotalReleased += h.ReleasedAmount
		if !h.IsTerminal() {
			report.CurrentlyReserved += h.Remaining()
		}
		if h.ReleasedAt != nil {
			closed++
			closedFor += h.ReleasedAt.Sub(h.CreatedAt)
		}
	}
	if closed > 0 {
		report.AverageTimeToRelease = closedFor / time.Duration(closed)
	}
	return report, nil
}
