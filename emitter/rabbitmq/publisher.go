package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "account.events"
	exchangeKind    = "topic"
)

var ErrPublishNacked = errors.New("the broker did not confirm the message")

// channelState is the publishing channel together with its close
// notifications.
type channelState struct {
	ch     amqpChannel
	closed chan *amqp.Error
}

// Publisher is the reconnect-aware RabbitMQ implementation of
// emitter.Publisher. Messages are persistent, published on a durable topic
// exchange and confirmed by the broker.
type Publisher struct {
	conn     *Connection
	exchange string
	logger   logger.Logger

	mu    sync.Mutex // guards state only, never held while dialing
	state *channelState
	init  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

var _ emitter.Publisher = (*Publisher)(nil)
var _ logger.Loggable = (*Publisher)(nil)

func NewPublisher(conn *Connection, exchange string) *Publisher {
	if conn == nil {
		panic("connection is mandatory")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		conn:     conn,
		exchange: exchange,
		logger:   &logger.NopLogger{},
		init:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetLogger sets an optional logger.
func (p *Publisher) SetLogger(l logger.Logger) {
	p.logger = l
	p.conn.SetLogger(l)
}

// Initialize opens the publishing channel, declares the exchange and enables
// publisher confirms. Calling it on an initialized publisher is a no-op.
func (p *Publisher) Initialize(ctx context.Context) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()
	return p.initialize(ctx)
}

// acquire serializes initializations while still honoring ctx.
func (p *Publisher) acquire(ctx context.Context) error {
	select {
	case p.init <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) release() {
	<-p.init
}

func (p *Publisher) current() *channelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Publisher) initialize(ctx context.Context) error {
	if state := p.current(); state != nil && !state.ch.IsClosed() {
		return nil
	}
	ch, err := p.conn.Channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("could not declare exchange '%s': %w", p.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("could not enable publisher confirms: %w", err)
	}
	state := &channelState{ch: ch, closed: ch.NotifyClose(make(chan *amqp.Error, 1))}
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	go p.watch(state)
	p.logger.Info(fmt.Sprintf("RabbitMQ publisher initialized, exchange: %s", p.exchange))
	return nil
}

// IsConnected reports whether both the connection and the publishing channel
// are open.
func (p *Publisher) IsConnected() bool {
	return connected(p.current(), p.conn)
}

func connected(state *channelState, conn *Connection) bool {
	return state != nil && !state.ch.IsClosed() && conn.IsConnected()
}

// Publish sends a persistent JSON message and waits for the broker
// confirmation.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	state := p.current()
	if !connected(state, p.conn) {
		return emitter.ErrNotConnected
	}

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}
	for _, h := range []string{emitter.CorrelationHeader, emitter.CausationHeader} {
		if v, ok := table[h]; !ok || v == "" {
			table[h] = uuid.NewString()
		}
	}

	dc, err := state.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  emitter.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Headers:      table,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("could not publish to '%s' with routing key '%s': %w", p.exchange, routingKey, err)
	}
	if dc != nil {
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return ErrPublishNacked
		}
	}
	p.logger.Debug(fmt.Sprintf("published message to %s / %s size=%d correlation=%v", p.exchange, routingKey, len(body), table[emitter.CorrelationHeader]))
	return nil
}

// CheckConnection opens and closes a throwaway channel to verify the broker
// answers.
func (p *Publisher) CheckConnection(ctx context.Context) bool {
	if !p.IsConnected() {
		return false
	}
	ch, err := p.conn.Channel(ctx)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("broker probe failed: %s", err))
		return false
	}
	_ = ch.Close()
	return true
}

// Reconnect discards the publishing channel and the connection and builds
// them again.
func (p *Publisher) Reconnect(ctx context.Context) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()
	p.mu.Lock()
	state := p.state
	p.state = nil
	p.mu.Unlock()
	if state != nil && !state.ch.IsClosed() {
		_ = state.ch.Close()
	}
	p.conn.Reset()
	return p.initialize(ctx)
}

// watch restores the publishing channel after an unexpected closure.
func (p *Publisher) watch(state *channelState) {
	select {
	case <-p.ctx.Done():
		return
	case amqpErr, ok := <-state.closed:
		if !ok || amqpErr == nil {
			return
		}
		p.logger.Warn(fmt.Sprintf("RabbitMQ publishing channel closed: %s", amqpErr))
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = defaultDialMaxInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		return p.Initialize(p.ctx)
	}, backoff.WithContext(b, p.ctx))
	if err != nil {
		p.logger.Error("giving up reconnecting the publisher", err)
		return
	}
	p.logger.Info("RabbitMQ publisher reconnected")
}

// Close stops the reconnect watcher and releases the channel and the
// connection.
func (p *Publisher) Close() error {
	p.cancel()
	p.mu.Lock()
	state := p.state
	p.state = nil
	p.mu.Unlock()
	if state != nil && !state.ch.IsClosed() {
		_ = state.ch.Close()
	}
	return p.conn.Close()
}
