package hold

import (
	"context"
	"log/slog"
	"time"

	"github.com/zoobzio/clockz"
)

// Sweeper periodically expires holds that outlived their TTL
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	clock    clockz.Clock
	logger   *slog.Logger
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(manager *Manager, interval time.Duration, clock clockz.Clock, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("hold expiry sweeper started", "interval", s.interval)
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("hold expiry sweeper stopped")
			return
		case <-ticker.C():
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.manager.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("hold expiry sweep failed", "error", err, "expired", n)
		}
		return
	}
	if n > 0 {
		s.logger.Info("expired holds released", "count", n)
	}
}
