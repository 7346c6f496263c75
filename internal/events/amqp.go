package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

const (
	Producer        = "umroh-crm-delivery"
	publishTimeout  = 5 * time.Second
	routingKeyBase  = "delivery."
	eventTypeSuffix = ".v1"
)

type Meta struct {
	ID       string    `json:"id"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
}

type Envelope struct {
	Meta Meta        `json:"meta"`
	Data model.Event `json:"data"`
}

// Channel is the part of *amqp091.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher forwards pipeline events to a topic exchange so the rest of
// the CRM (dashboard, rule engine) can follow delivery progress.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       Channel
	exchange string
	log      *slog.Logger
}

func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := NewAMQPPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func NewAMQPPublisher(ch Channel, exchange string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{
		ch:       ch,
		exchange: exchange,
		log:      logger.With("component", "amqp-events"),
	}
}

func RoutingKey(t model.EventType) string {
	return routingKeyBase + string(t)
}

func (p *AMQPPublisher) Notify(ev model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.Publish(ctx, ev); err != nil {
		p.log.Error("publish event failed", "event", string(ev.Type), "err", err)
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev model.Event) error {
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: Producer,
			Time:     ev.At,
			Type:     RoutingKey(ev.Type) + eventTypeSuffix,
		},
		Data: ev,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	correlationID := ""
	if ev.Item != nil {
		correlationID = ev.Item.ID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Type), false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Timestamp:     ev.At,
		Body:          body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
