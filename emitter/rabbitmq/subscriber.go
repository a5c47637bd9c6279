package rabbitmq

import (
	"context"
	"fmt"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscriber declares the consumer topology and streams deliveries with
// manual acknowledgements.
type Subscriber struct {
	conn   *Connection
	logger logger.Logger
}

var _ emitter.Subscriber = (*Subscriber)(nil)
var _ logger.Loggable = (*Subscriber)(nil)

func NewSubscriber(conn *Connection) *Subscriber {
	if conn == nil {
		panic("connection is mandatory")
	}
	return &Subscriber{conn: conn, logger: &logger.NopLogger{}}
}

// SetLogger sets an optional logger.
func (s *Subscriber) SetLogger(l logger.Logger) {
	s.logger = l
}

// Subscribe declares the exchange, a durable queue bound with the routing
// pattern and applies the prefetch before consuming.
func (s *Subscriber) Subscribe(ctx context.Context, b emitter.Binding) (<-chan emitter.Delivery, error) {
	ch, err := s.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := declareAndConsume(ch, b)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	out := make(chan emitter.Delivery)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					s.logger.Warn(fmt.Sprintf("delivery stream of queue '%s' closed", b.Queue))
					return
				}
				select {
				case out <- &delivery{d: m}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func declareAndConsume(ch amqpChannel, b emitter.Binding) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(b.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("could not declare exchange '%s': %w", b.Exchange, err)
	}
	if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("could not declare queue '%s': %w", b.Queue, err)
	}
	if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("could not bind queue '%s' to '%s': %w", b.Queue, b.RoutingKey, err)
	}
	prefetch := b.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("could not set prefetch %d: %w", prefetch, err)
	}
	msgs, err := ch.Consume(b.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("could not consume queue '%s': %w", b.Queue, err)
	}
	return msgs, nil
}

// delivery adapts amqp.Delivery to emitter.Delivery.
type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

func (d *delivery) RoutingKey() string {
	return d.d.RoutingKey
}

func (d *delivery) Headers() map[string]string {
	h := make(map[string]string, len(d.d.Headers))
	for k, v := range d.d.Headers {
		h[k] = fmt.Sprint(v)
	}
	return h
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}
