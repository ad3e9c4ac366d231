// Package notify fans status events out to publishers without blocking the
// authorization path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"

	"cardauth/internal/common/events"
	"cardauth/internal/common/telemetry"
	"cardauth/internal/domain"
)

// Config holds emitter settings
type Config struct {
	Workers        int           `envconfig:"NOTIFY_WORKERS" default:"8"`
	QueueSize      int           `envconfig:"NOTIFY_QUEUE_SIZE" default:"512"`
	PublishTimeout time.Duration `envconfig:"NOTIFY_PUBLISH_TIMEOUT" default:"5s"`
}

// Emitter queues events on a hookz worker pool. Emission never fails the
// caller; dropped events are logged and counted.
type Emitter struct {
	hooks   *hookz.Hooks[*events.Event]
	clock   clockz.Clock
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewEmitter creates a new emitter
func NewEmitter(cfg Config, clock clockz.Clock, metrics *telemetry.Metrics, logger *slog.Logger) *Emitter {
	hooks := hookz.New[*events.Event](
		hookz.WithWorkers(cfg.Workers),
		hookz.WithQueueSize(cfg.QueueSize),
		hookz.WithTimeout(cfg.PublishTimeout),
		hookz.WithClock(clock),
	)
	return &Emitter{
		hooks:   hooks,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// AllEventTypes lists every event type the engine emits
func AllEventTypes() []string {
	return []string{events.EventAuthorizationStatus, events.EventHoldStatus, events.EventFraudAlert}
}

// Subscribe registers fn for one event type
func (e *Emitter) Subscribe(eventType string, fn func(context.Context, *events.Event) error) (hookz.Hook, error) {
	return e.hooks.Hook(hookz.Key(eventType), fn)
}

// Forward publishes every event of the given types through pub. With no
// types, all engine event types are forwarded.
func (e *Emitter) Forward(pub events.EventPublisher, types ...string) error {
	if len(types) == 0 {
		types = AllEventTypes()
	}
	for _, t := range types {
		_, err := e.hooks.Hook(hookz.Key(t), func(ctx context.Context, evt *events.Event) error {
			if err := pub.Publish(ctx, evt); err != nil {
				e.logger.Error("publishing event failed",
					"event_id", evt.ID,
					"type", evt.Type,
					"error", err,
				)
				e.metrics.EventDropped(evt.Type)
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("registering %s forwarder: %w", t, err)
		}
	}
	return nil
}

// Emit queues evt. The request context's cancellation is detached so events
// outlive the request that produced them.
func (e *Emitter) Emit(ctx context.Context, evt *events.Event) {
	if err := e.hooks.Emit(context.WithoutCancel(ctx), hookz.Key(evt.Type), evt); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, hookz.ErrServiceClosed) {
			level = slog.LevelDebug
		}
		e.logger.Log(ctx, level, "event dropped", "event_id", evt.ID, "type", evt.Type, "error", err)
		e.metrics.EventDropped(evt.Type)
	}
}

// AuthorizationStatus emits the terminal status of a result
func (e *Emitter) AuthorizationStatus(ctx context.Context, r *domain.Result) {
	e.emit(ctx, events.EventAuthorizationStatus, r.CardID, events.AggregateAuthorization, r.ID, events.AuthorizationStatusData{
		ResultID:          r.ID,
		TransactionToken:  r.TransactionToken,
		Status:            string(r.Status),
		AuthorizationCode: r.AuthorizationCode,
		DeclineCode:       string(r.DeclineCode),
		Amount:            r.Amount.AmountMinor,
		Currency:          string(r.Amount.Currency),
		HoldID:            r.HoldID,
		RiskScore:         r.RiskScore,
		LatencyMS:         r.Latency.Milliseconds(),
	})
}

// FraudAlert emits a fraud alert for a high-risk result
func (e *Emitter) FraudAlert(ctx context.Context, r *domain.Result) {
	data := events.FraudAlertData{
		ResultID:         r.ID,
		TransactionToken: r.TransactionToken,
		RiskScore:        r.RiskScore,
		RiskLevel:        string(r.RiskLevel),
		RiskAction:       string(r.RiskAction),
	}
	if f := r.RiskFactors; f != nil {
		data.Velocity, data.Amount, data.Location, data.Time, data.Merchant = f.Velocity, f.Amount, f.Location, f.Time, f.Merchant
	}
	e.emit(ctx, events.EventFraudAlert, r.CardID, events.AggregateAuthorization, r.ID, data)
}

// HoldStatus emits a hold transition with the amount credited back
func (e *Emitter) HoldStatus(ctx context.Context, h *domain.Hold, credited int64) {
	e.emit(ctx, events.EventHoldStatus, h.CardID, events.AggregateHold, h.ID, events.HoldStatusData{
		HoldID:          h.ID,
		AuthorizationID: h.AuthorizationID,
		Status:          string(h.Status),
		HoldAmount:      h.HoldAmount,
		ReleasedAmount:  h.ReleasedAmount,
		Credited:        credited,
		Currency:        string(h.Currency),
		Reason:          h.ReleaseReason,
	})
}

func (e *Emitter) emit(ctx context.Context, eventType, cardID, aggregateType, aggregateID string, data interface{}) {
	evt, err := events.NewEvent(eventType, cardID, aggregateType, aggregateID, data, e.clock.Now())
	if err != nil {
		e.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		evt.WithCorrelation(id)
	}
	e.Emit(ctx, evt)
}

// Close drains queued events and stops the workers
func (e *Emitter) Close() error {
	return e.hooks.Close()
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation ID that emitted events will carry
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}
