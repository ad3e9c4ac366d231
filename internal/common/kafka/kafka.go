// Package kafka publishes status events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"cardauth/internal/common/events"
)

// Config holds Kafka configuration
type Config struct {
	Brokers      string        `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic        string        `envconfig:"KAFKA_TOPIC" default:"cardauth.events"`
	BatchTimeout time.Duration `envconfig:"KAFKA_BATCH_TIMEOUT" default:"50ms"`
}

// Writer is the subset of *kafka.Writer the publisher needs
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events keyed by card so a card's events stay ordered
// within one partition.
type Publisher struct {
	writer Writer
	logger *slog.Logger
}

// NewWriter creates a balanced kafka writer for cfg
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewPublisher creates a new publisher
func NewPublisher(writer Writer, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

// Publish implements events.EventPublisher
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.CardID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing event to kafka: %w", err)
	}

	p.logger.Debug("event written", "event_id", event.ID, "type", event.Type)
	return nil
}

// Close flushes pending writes
func (p *Publisher) Close() error {
	return p.writer.Close()
}
