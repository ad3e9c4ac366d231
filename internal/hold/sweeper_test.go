package hold

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"cardauth/internal/common/money"
	"cardauth/internal/domain"
	"cardauth/internal/store/memory"
)

func TestSweeperExpiresHoldsInBackground(t *testing.T) {
	store := memory.New(0)
	store.PutCard(domain.Card{ID: "card-1", Status: domain.CardStatusActive, Currency: money.USD, AvailableBalance: 1000, SpendingLimit: 1000})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(store, Config{TTL: 20 * time.Millisecond}, clockz.RealClock, nil, nil, logger)

	_, err := m.Create(context.Background(), CreateParams{
		CardID: "card-1", AuthorizationID: "auth-1", Amount: money.New(600, money.USD),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(m, 10*time.Millisecond, clockz.RealClock, logger).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		c, err := store.GetCard(context.Background(), "card-1")
		return err == nil && c.AvailableBalance == 1000
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}

	holds, err := m.GetActiveHolds(context.Background(), "card-1")
	require.NoError(t, err)
	assert.Empty(t, holds)
}
