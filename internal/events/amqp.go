package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Producer is stamped on every published envelope.
const Producer = "smartsalao"

// Meta is the envelope header.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps an event for the broker.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Event `json:"data"`
}

// NewEnvelope wraps ev. The tenant ID is used as correlation ID so consumers
// can group a tenant's lifecycle.
func NewEnvelope(ev Event) Envelope {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Envelope{
		Meta: Meta{
			ID:            id,
			CorrelationID: ev.TenantID,
			Producer:      Producer,
			Time:          ev.Time,
			Type:          "tenant." + string(ev.Kind),
		},
		Data: ev,
	}
}

// RoutingKey returns the topic routing key for ev.
func RoutingKey(ev Event) string {
	return "tenant." + string(ev.Kind)
}

// Publisher sends envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// AMQPPublisher publishes to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	slog.Info("AMQPPublisher connected", "exchange", exchange)
	return &AMQPPublisher{conn: conn, exchange: exchange}, nil
}

// Publish sends env with publisher confirms and waits for the broker ack.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Timestamp:     env.Meta.Time,
		Type:          env.Meta.Type,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}
	slog.Debug("AMQPPublisher Publish succeeded", "key", key, "exchange", p.exchange)
	return nil
}

// Close closes the broker connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

// Forward publishes every non-message event read from ch until ch is closed
// or ctx is done. Message events carry customer text and never leave the
// process.
func Forward(ctx context.Context, ch <-chan Event, pub Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == KindMessage {
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := pub.Publish(pubCtx, RoutingKey(ev), NewEnvelope(ev)); err != nil {
				slog.Warn("Event forward failed", "kind", ev.Kind, "tenant", ev.TenantID, "error", err)
			}
			cancel()
		}
	}
}
