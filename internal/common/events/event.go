package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a status event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CardID        string          `json:"card_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, cardID, aggregateType, aggregateID string, data interface{}, at time.Time) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    at.UTC(),
		CardID:        cardID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventAuthorizationStatus = "authorization_status"
	EventHoldStatus          = "hold_status"
	EventFraudAlert          = "fraud_alert"
)

// Aggregate types
const (
	AggregateAuthorization = "authorization"
	AggregateHold          = "hold"
)

// AuthorizationStatusData is the data for authorization_status events
type AuthorizationStatusData struct {
	ResultID          string `json:"result_id"`
	TransactionToken  string `json:"transaction_token"`
	Status            string `json:"status"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	DeclineCode       string `json:"decline_code,omitempty"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	HoldID            string `json:"hold_id,omitempty"`
	RiskScore         int    `json:"risk_score"`
	LatencyMS         int64  `json:"latency_ms"`
}

// HoldStatusData is the data for hold_status events
type HoldStatusData struct {
	HoldID          string `json:"hold_id"`
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
	HoldAmount      int64  `json:"hold_amount"`
	ReleasedAmount  int64  `json:"released_amount"`
	Credited        int64  `json:"credited"`
	Currency        string `json:"currency"`
	Reason          string `json:"reason,omitempty"`
}

// FraudAlertData is the data for fraud_alert events
type FraudAlertData struct {
	ResultID         string  `json:"result_id"`
	TransactionToken string  `json:"transaction_token"`
	RiskScore        int     `json:"risk_score"`
	RiskLevel        string  `json:"risk_level"`
	RiskAction       string  `json:"risk_action"`
	Velocity         float64 `json:"velocity"`
	Amount           float64 `json:"amount"`
	Location         float64 `json:"location"`
	Time             float64 `json:"time"`
	Merchant         float64 `json:"merchant"`
}
