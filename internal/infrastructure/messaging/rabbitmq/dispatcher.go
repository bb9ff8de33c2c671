package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/devilmonastery/gatekeeper/internal/notify"
	"github.com/devilmonastery/gatekeeper/internal/pkg/metrics"
)

// publisher is the part of Connection the dispatcher needs
type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error
}

// Dispatcher publishes notification envelopes to the email queue
type Dispatcher struct {
	pub      publisher
	exchange string
	queue    string
	timeout  time.Duration
	now      func() time.Time
}

// NewDispatcher creates a dispatcher publishing through conn
func NewDispatcher(conn *Connection, cfg *Config) *Dispatcher {
	return newDispatcher(conn, cfg)
}

func newDispatcher(pub publisher, cfg *Config) *Dispatcher {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		pub:      pub,
		exchange: cfg.Exchange,
		queue:    cfg.Queue,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Enqueue publishes msg as a persistent JSON message routed to the queue
func (d *Dispatcher) Enqueue(ctx context.Context, msg notify.Message) (err error) {
	defer func() {
		metrics.RecordNotification("rabbitmq", string(msg.Template), err)
	}()

	if err := msg.Validate(); err != nil {
		return err
	}

	env := notify.NewEnvelope(msg, d.now())
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.CreatedAt,
		Type:         string(msg.Template),
		Body:         body,
	}

	if err := d.pub.Publish(ctx, d.exchange, d.queue, publishing); err != nil {
		return fmt.Errorf("failed to enqueue %s notification: %w", msg.Template, err)
	}
	return nil
}

var _ notify.Dispatcher = (*Dispatcher)(nil)
