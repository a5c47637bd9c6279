package emitter

import (
	"context"
	"errors"
)

const (
	CorrelationHeader = "X-Correlation-Id"
	CausationHeader   = "X-Causation-Id"
	AggregateIdHeader = "X-Aggregate-Id"
	ContentTypeJSON   = "application/json"
)

var ErrNotConnected = errors.New("the broker connection is not available")

// Publisher defines the contract for broker publishers of outbox envelopes.
type Publisher interface {
	// Initialize establishes the connection and declares the exchange. It is
	// idempotent.
	Initialize(ctx context.Context) error

	// IsConnected reports the current liveness without side effects.
	IsConnected() bool

	// Publish sends a persistent message. Missing correlation and causation
	// headers are populated with fresh identifiers.
	Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error

	// CheckConnection actively probes the broker.
	CheckConnection(ctx context.Context) bool

	// Reconnect drops the current connection state and builds a new one.
	Reconnect(ctx context.Context) error

	Close() error
}

// Binding describes the queue a consumer reads from and how it is bound.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

// Delivery is a single inbound broker message.
type Delivery interface {
	Body() []byte
	RoutingKey() string
	Headers() map[string]string
	Ack() error
}

// Subscriber defines the contract for broker subscriptions. The returned
// channel is closed when the subscription ends, either because ctx was
// cancelled or because the broker dropped it.
type Subscriber interface {
	Subscribe(ctx context.Context, b Binding) (<-chan Delivery, error)
}
