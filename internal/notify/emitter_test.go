package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"cardauth/internal/common/events"
	"cardauth/internal/common/money"
	"cardauth/internal/domain"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, evt *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func newTestEmitter() *Emitter {
	return NewEmitter(Config{Workers: 2, QueueSize: 16}, clockz.RealClock, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestForwardEmitsToPublisher(t *testing.T) {
	e := newTestEmitter()
	pub := &capturePublisher{}
	require.NoError(t, e.Forward(pub))

	ctx, cancel := context.WithCancel(WithCorrelationID(context.Background(), "corr-1"))
	r := &domain.Result{ID: "r-1", CardID: "card-1", Status: domain.AuthApproved, Amount: money.New(500, money.USD), Latency: 3 * time.Millisecond}
	e.AuthorizationStatus(ctx, r)
	cancel()

	h, err := domain.NewHold("h-1", "card-1", "r-1", 500, money.USD, money.New(500, money.USD), time.Now(), time.Hour)
	require.NoError(t, err)
	e.HoldStatus(context.Background(), h, 0)

	require.NoError(t, e.Close())

	require.Len(t, pub.events, 2)
	types := []string{pub.events[0].Type, pub.events[1].Type}
	assert.ElementsMatch(t, []string{events.EventAuthorizationStatus, events.EventHoldStatus}, types)

	for _, evt := range pub.events {
		assert.Equal(t, "card-1", evt.CardID)
		if evt.Type == events.EventAuthorizationStatus {
			assert.Equal(t, "corr-1", evt.CorrelationID)
			var data events.AuthorizationStatusData
			require.NoError(t, evt.DecodeData(&data))
			assert.Equal(t, "approved", data.Status)
			assert.Equal(t, int64(3), data.LatencyMS)
		}
	}
}

func TestPublishFailureDoesNotReachCaller(t *testing.T) {
	e := newTestEmitter()
	require.NoError(t, e.Forward(&capturePublisher{err: errors.New("nats down")}, events.EventFraudAlert))

	assert.NotPanics(t, func() {
		e.FraudAlert(context.Background(), &domain.Result{ID: "r-2", CardID: "card-2", RiskFactors: &domain.RiskFactors{Velocity: 30}})
	})
	require.NoError(t, e.Close())
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	e := newTestEmitter()
	pub := &capturePublisher{}
	require.NoError(t, e.Forward(pub))
	require.NoError(t, e.Close())

	e.AuthorizationStatus(context.Background(), &domain.Result{ID: "r-3", CardID: "card-3"})
	assert.Empty(t, pub.events)
}
