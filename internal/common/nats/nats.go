package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"cardauth/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"cardauth"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	Stream        string        `envconfig:"NATS_STREAM" default:"CARDAUTH_EVENTS"`
	SubjectPrefix string        `envconfig:"NATS_SUBJECT_PREFIX" default:"cardauth.events"`
}

// Client wraps NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New creates a new NATS client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{
		conn:   conn,
		js:     js,
		logger: logger,
	}, nil
}

// Close drains and closes the NATS connection
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// EnsureStream creates or updates the event stream covering every subject under prefix
func (c *Client) EnsureStream(ctx context.Context, name, prefix string) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "authorization, hold and fraud status events",
		Subjects:    []string{prefix + ".>"},
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1 << 30,
		Replicas:    1,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", name, err)
	}

	c.logger.Info("stream ensured", "name", name, "prefix", prefix)
	return stream, nil
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return nil
}

// Publisher publishes events to JetStream
type Publisher struct {
	client *Client
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Subject returns the subject an event is published on
func Subject(prefix string, event *events.Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, event.Type, event.CardID)
}

// Publish publishes an event. The event ID is used as the JetStream message
// ID so redeliveries are de-duplicated by the server.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	subject := Subject(p.prefix, event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if _, err = p.client.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", subject,
	)
	return nil
}
