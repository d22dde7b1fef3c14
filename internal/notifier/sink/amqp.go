package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"shoutbot/internal/notifier"
)

const defaultRoutingKey = "shoutbot.notify"

// AMQP publishes notifications as persistent JSON messages. The connection
// is dialed lazily and dropped after a failed publish so the notifier retry
// redials.
type AMQP struct {
	url        string
	exchange   string
	routingKey string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

type amqpMessage struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	Payload   notifier.Notification `json:"payload"`
	Timestamp time.Time             `json:"timestamp"`
}

func NewAMQP(url, exchange, routingKey string) (*AMQP, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp sink: url is required")
	}
	if strings.TrimSpace(routingKey) == "" {
		routingKey = defaultRoutingKey
	}
	return &AMQP{url: url, exchange: exchange, routingKey: routingKey}, nil
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) channel() (*amqp.Channel, error) {
	if a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}
	a.dropLocked()
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	a.conn, a.ch = conn, ch
	return ch, nil
}

func (a *AMQP) dropLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.conn, a.ch = nil, nil
}

func (a *AMQP) Send(ctx context.Context, n notifier.Notification) error {
	msg := amqpMessage{
		ID:        uuid.New().String(),
		Type:      "notification",
		Payload:   n,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ch, err := a.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, a.exchange, a.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		a.dropLocked()
		return fmt.Errorf("publish to %s/%s: %w", a.exchange, a.routingKey, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropLocked()
	return nil
}
