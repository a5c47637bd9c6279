package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDialInitialInterval = 500 * time.Millisecond
	defaultDialMaxInterval     = 30 * time.Second
	defaultDialMaxElapsed      = time.Minute
)

// amqpChannel is the subset of *amqp.Channel used by the publisher and the
// subscriber.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// amqpConnection is the subset of *amqp.Connection used by Connection.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type connAdapter struct {
	conn *amqp.Connection
}

func (a *connAdapter) Channel() (amqpChannel, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *connAdapter) IsClosed() bool {
	return a.conn.IsClosed()
}

func (a *connAdapter) Close() error {
	return a.conn.Close()
}

func dialAMQP(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn: conn}, nil
}

// Connection owns the AMQP connection shared by the publisher and the
// subscribers. Dialing is lazy and retried with exponential backoff. A dial in
// progress never blocks IsConnected.
type Connection struct {
	url    string
	dial   func(url string) (amqpConnection, error)
	dialMu sync.Mutex // serializes dialing
	mu     sync.Mutex // guards conn
	conn   amqpConnection
	logger logger.Logger

	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
}

var _ logger.Loggable = (*Connection)(nil)

func NewConnection(url string) *Connection {
	if url == "" {
		panic("url is mandatory")
	}
	return &Connection{
		url:             url,
		dial:            dialAMQP,
		logger:          &logger.NopLogger{},
		initialInterval: defaultDialInitialInterval,
		maxInterval:     defaultDialMaxInterval,
		maxElapsed:      defaultDialMaxElapsed,
	}
}

// SetLogger sets an optional logger.
func (c *Connection) SetLogger(l logger.Logger) {
	c.logger = l
}

// IsConnected reports whether the underlying connection is open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Channel opens a new channel, dialing first when there is no open
// connection.
func (c *Connection) Channel(ctx context.Context) (amqpChannel, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not open an AMQP channel: %w", err)
	}
	return ch, nil
}

// Reset closes the current connection so that the next Channel call dials
// again.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	var err error
	if !c.conn.IsClosed() {
		err = c.conn.Close()
	}
	c.conn = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func (c *Connection) current() amqpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn
	}
	return nil
}

func (c *Connection) ensureConnected(ctx context.Context) (amqpConnection, error) {
	if conn := c.current(); conn != nil {
		return conn, nil
	}
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if conn := c.current(); conn != nil {
		return conn, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = c.maxElapsed

	var conn amqpConnection
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		dialed, err := c.dial(c.url)
		if err != nil {
			c.logger.Warn(fmt.Sprintf("AMQP dial attempt %d failed: %s", attempt, err))
			return err
		}
		conn = dialed
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("could not connect to the broker: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("connected to the AMQP broker")
	return conn, nil
}
