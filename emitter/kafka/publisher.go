package kafka

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
)

const (
	DefaultTopicPrefix = "account-events"
	metadataTimeoutMs  = 5000
)

// kafkaProducer is the subset of *kafka.Producer used by the Publisher.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Flush(timeoutMs int) int
	Close()
}

// Publisher is the Kafka implementation of emitter.Publisher. Every routing
// key is mapped to its own topic and the aggregate id is used as message key
// to keep per aggregate ordering.
type Publisher struct {
	producer    kafkaProducer
	topicPrefix string
	logger      logger.Logger
	connected   atomic.Bool
}

var _ emitter.Publisher = (*Publisher)(nil)
var _ logger.Loggable = (*Publisher)(nil)

func New(p kafkaProducer, topicPrefix string) *Publisher {
	if p == nil || isNilProducer(p) {
		panic("Producer is mandatory")
	}
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &Publisher{
		producer:    p,
		topicPrefix: topicPrefix,
		logger:      &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (e *Publisher) SetLogger(l logger.Logger) {
	e.logger = l
}

// Initialize verifies the cluster is reachable. Topics are expected to be
// created by the cluster (auto creation) or by the operators.
func (e *Publisher) Initialize(ctx context.Context) error {
	if _, err := e.producer.GetMetadata(nil, false, metadataTimeoutMs); err != nil {
		e.connected.Store(false)
		return fmt.Errorf("could not reach the Kafka cluster: %w", err)
	}
	e.connected.Store(true)
	e.logger.Info(fmt.Sprintf("Kafka publisher initialized, topic prefix: %s", e.topicPrefix))
	return nil
}

func (e *Publisher) IsConnected() bool {
	return e.connected.Load()
}

// Publish produces the message and waits for its delivery report.
func (e *Publisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	if !e.IsConnected() {
		return emitter.ErrNotConnected
	}
	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	for _, k := range []string{emitter.CorrelationHeader, emitter.CausationHeader} {
		if h[k] == "" {
			h[k] = uuid.NewString()
		}
	}
	kh := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		kh = append(kh, kafka.Header{Key: k, Value: []byte(v)})
	}

	topic := buildTopicName(e.topicPrefix, routingKey)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          body,
		Headers:        kh,
	}
	if key := h[emitter.AggregateIdHeader]; key != "" {
		msg.Key = []byte(key)
	}

	dc := make(chan kafka.Event, 1)
	if err := e.producer.Produce(msg, dc); err != nil {
		return fmt.Errorf("could not produce to topic '%s': %w", topic, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-dc:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %s", ev)
		}
		if m.TopicPartition.Error != nil {
			return m.TopicPartition.Error
		}
		e.logger.Debug(fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
			*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
		return nil
	}
}

// CheckConnection refreshes the liveness flag by requesting the cluster
// metadata.
func (e *Publisher) CheckConnection(ctx context.Context) bool {
	_, err := e.producer.GetMetadata(nil, false, metadataTimeoutMs)
	e.connected.Store(err == nil)
	if err != nil {
		e.logger.Warn(fmt.Sprintf("Kafka probe failed: %s", err))
	}
	return err == nil
}

// Reconnect re-validates the cluster. The librdkafka client handles broker
// reconnections on its own.
func (e *Publisher) Reconnect(ctx context.Context) error {
	return e.Initialize(ctx)
}

func (e *Publisher) Close() error {
	e.connected.Store(false)
	e.producer.Flush(metadataTimeoutMs)
	e.producer.Close()
	return nil
}

// buildTopicName builds a topic name from a routing key (e.g. if
// routingKey="money.transfer.completed" then the topic name is
// "account-events-money-transfer-completed").
func buildTopicName(prefix string, routingKey string) string {
	return fmt.Sprintf("%s-%s", prefix, strcase.ToKebab(routingKey))
}

func isNilProducer(p kafkaProducer) bool {
	v := reflect.ValueOf(p)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
