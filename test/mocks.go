package test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedTallyGauge struct {
	Value float64
}

var _ tally.Gauge = (*MockedTallyGauge)(nil)

func (g *MockedTallyGauge) Update(value float64) {
	g.Value = value
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
	MetadataErr        error
	Closed             bool
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	// send a predefined delivery report to the delivery channel.
	if p.RetVal == nil && p.MockedReportToSend != nil {
		internal <- p.MockedReportToSend
	}

	return p.RetVal
}

func (p *MockedKafkaProducer) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	if p.MetadataErr != nil {
		return nil, p.MetadataErr
	}
	return &kafka.Metadata{}, nil
}

func (p *MockedKafkaProducer) Flush(timeoutMs int) int {
	return 0
}

func (p *MockedKafkaProducer) Close() {
	p.Closed = true
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// TestLogger records every message it receives.
type TestLogger struct {
	mu      sync.Mutex
	Entries []string
}

func (l *TestLogger) record(level string, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, fmt.Sprintf("%s: %s", level, msg))
}

func (l *TestLogger) Debug(msg string) { l.record("DEBUG", msg) }

func (l *TestLogger) Info(msg string) { l.record("INFO", msg) }

func (l *TestLogger) Warn(msg string) { l.record("WARN", msg) }

func (l *TestLogger) Error(msg string, err error) { l.record("ERROR", fmt.Sprintf("%s: %v", msg, err)) }

// Count returns how many entries were logged with the given level.
func (l *TestLogger) Count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.Entries {
		if len(e) > len(level) && e[:len(level)] == level {
			n++
		}
	}
	return n
}

type TestCounter struct {
	mu    sync.Mutex
	Value int64
}

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Value += delta
}

func (c *TestCounter) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Value
}

type TestGauge struct {
	Value float64
}

func (g *TestGauge) Update(value float64) {
	g.Value = value
}

var ErrBrokerDown = errors.New("broker down")

// PublishedMessage is a message captured by FakePublisher.
type PublishedMessage struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// FakePublisher is an in-memory emitter.Publisher. Publish fails while
// FailNext is positive or Err is set. Initialize fails while InitFailures is
// positive.
type FakePublisher struct {
	mu           sync.Mutex
	Connected    bool
	Err          error
	FailNext     int
	InitFailures int
	Inits        int
	Messages     []PublishedMessage
}

var _ emitter.Publisher = (*FakePublisher)(nil)

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Connected: true}
}

func (p *FakePublisher) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Inits++
	if p.InitFailures > 0 {
		p.InitFailures--
		return ErrBrokerDown
	}
	p.Connected = true
	return nil
}

// InitCount returns how many times Initialize was called.
func (p *FakePublisher) InitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Inits
}

func (p *FakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Connected
}

func (p *FakePublisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Connected {
		return emitter.ErrNotConnected
	}
	if p.FailNext > 0 {
		p.FailNext--
		return ErrBrokerDown
	}
	if p.Err != nil {
		return p.Err
	}
	h := map[string]string{}
	for k, v := range headers {
		h[k] = v
	}
	p.Messages = append(p.Messages, PublishedMessage{RoutingKey: routingKey, Body: body, Headers: h})
	return nil
}

func (p *FakePublisher) CheckConnection(ctx context.Context) bool {
	return p.IsConnected()
}

func (p *FakePublisher) Reconnect(ctx context.Context) error {
	return p.Initialize(ctx)
}

func (p *FakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Connected = false
	return nil
}

// Published returns a copy of the captured messages.
func (p *FakePublisher) Published() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedMessage(nil), p.Messages...)
}

// FakeDelivery is an in-memory emitter.Delivery.
type FakeDelivery struct {
	mu       sync.Mutex
	Data     []byte
	Key      string
	Hdrs     map[string]string
	AckErr   error
	AckCalls int
}

var _ emitter.Delivery = (*FakeDelivery)(nil)

func NewFakeDelivery(routingKey string, body []byte) *FakeDelivery {
	return &FakeDelivery{Data: body, Key: routingKey, Hdrs: map[string]string{}}
}

func (d *FakeDelivery) Body() []byte { return d.Data }

func (d *FakeDelivery) RoutingKey() string { return d.Key }

func (d *FakeDelivery) Headers() map[string]string { return d.Hdrs }

func (d *FakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AckCalls++
	return d.AckErr
}

func (d *FakeDelivery) Acks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.AckCalls
}

// FakeSubscriber hands out a fresh channel per subscription and lets tests
// push deliveries into it. Subscriptions end when their context is done.
type FakeSubscriber struct {
	mu            sync.Mutex
	Err           error
	Subscriptions []emitter.Binding
	channels      []*fakeSubscription
}

type fakeSubscription struct {
	ch   chan emitter.Delivery
	once sync.Once
}

func (s *fakeSubscription) close() {
	s.once.Do(func() { close(s.ch) })
}

var _ emitter.Subscriber = (*FakeSubscriber)(nil)

func (s *FakeSubscriber) Subscribe(ctx context.Context, b emitter.Binding) (<-chan emitter.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	sub := &fakeSubscription{ch: make(chan emitter.Delivery, 16)}
	s.Subscriptions = append(s.Subscriptions, b)
	s.channels = append(s.channels, sub)
	go func() {
		<-ctx.Done()
		sub.close()
	}()
	return sub.ch, nil
}

// Push sends d to the latest subscription.
func (s *FakeSubscriber) Push(d emitter.Delivery) {
	s.mu.Lock()
	sub := s.channels[len(s.channels)-1]
	s.mu.Unlock()
	sub.ch <- d
}

// Drop closes the latest subscription, as a broker would on channel loss.
func (s *FakeSubscriber) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[len(s.channels)-1].close()
}

// Count returns the number of subscriptions made so far.
func (s *FakeSubscriber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Subscriptions)
}

// NewEnvelopeBody builds a v1 envelope body with the given type and payload.
func NewEnvelopeBody(messageId uuid.UUID, eventType string, payload string) []byte {
	return []byte(fmt.Sprintf(`{"eventId":"%s","type":"%s","occurredAt":"2024-03-10T12:00:00Z","meta":{"version":"v1","source":"account-service","correlationId":"%s","causationId":"%s"},"payload":%s}`,
		messageId, eventType, uuid.New(), messageId, payload))
}
