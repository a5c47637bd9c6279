package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/test"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	type args struct {
		producer kafkaProducer
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "producer is not nil",
			args: args{
				producer: &test.MockedKafkaProducer{},
			},
			wantPanic: false,
		},
		{
			name: "producer is nil",
			args: args{
				producer: nil,
			},
			wantPanic: true,
		},
		{
			name: "producer is not nil but the underlying value is",
			args: args{
				producer: func() kafkaProducer {
					var p *test.MockedKafkaProducer
					return p
				}(),
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.producer, "")
				})
			} else {
				assert.NotPanics(t, func() {
					e := New(tc.args.producer, "")
					e.SetLogger(&logger.NopLogger{})
					assert.Equal(t, DefaultTopicPrefix, e.topicPrefix)
				})
			}
		})
	}
}

func TestBuildTopicName(t *testing.T) {
	testcases := []struct {
		routingKey string
		want       string
	}{
		{routingKey: "account.opened", want: "account-events-account-opened"},
		{routingKey: "money.transfer.completed", want: "account-events-money-transfer-completed"},
		{routingKey: "client.blocked", want: "account-events-client-blocked"},
	}
	for _, tc := range testcases {
		t.Run(tc.routingKey, func(t *testing.T) {
			assert.Equal(t, tc.want, buildTopicName(DefaultTopicPrefix, tc.routingKey))
		})
	}
}

func TestInitialize(t *testing.T) {
	producer := &test.MockedKafkaProducer{MetadataErr: errors.New("error#1")}
	p := New(producer, "")
	err := p.Initialize(context.Background())
	assert.EqualError(t, err, "could not reach the Kafka cluster: error#1")
	assert.False(t, p.IsConnected())

	producer.MetadataErr = nil
	assert.NoError(t, p.Initialize(context.Background()))
	assert.True(t, p.IsConnected())

	producer.MetadataErr = errors.New("error#2")
	assert.False(t, p.CheckConnection(context.Background()))
	assert.False(t, p.IsConnected())
}

func TestPublish(t *testing.T) {
	topic := "topic"
	testcases := []struct {
		name       string
		producer   func(chan *kafka.Message) *test.MockedKafkaProducer
		wantErr    bool
		wantErrMsg string
	}{
		{
			name: "message delivered",
			producer: func(snitch chan *kafka.Message) *test.MockedKafkaProducer {
				return &test.MockedKafkaProducer{
					Snitch: snitch,
					MockedReportToSend: &kafka.Message{
						TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0},
					},
				}
			},
		},
		{
			name: "delivery report with error",
			producer: func(snitch chan *kafka.Message) *test.MockedKafkaProducer {
				return &test.MockedKafkaProducer{
					Snitch: snitch,
					MockedReportToSend: &kafka.Message{
						TopicPartition: kafka.TopicPartition{Topic: &topic, Error: errors.New("error#3")},
					},
				}
			},
			wantErr:    true,
			wantErrMsg: "error#3",
		},
		{
			name: "report different than kafka.Message",
			producer: func(snitch chan *kafka.Message) *test.MockedKafkaProducer {
				return &test.MockedKafkaProducer{
					Snitch:             snitch,
					MockedReportToSend: &test.MockedKafkaEvent{},
				}
			},
			wantErr:    true,
			wantErrMsg: "unexpected delivery event: mock",
		},
		{
			name: "produce error",
			producer: func(snitch chan *kafka.Message) *test.MockedKafkaProducer {
				return &test.MockedKafkaProducer{
					Snitch: snitch,
					RetVal: errors.New("error#4"),
				}
			},
			wantErr:    true,
			wantErrMsg: "could not produce to topic 'account-events-money-debited': error#4",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			snitch := make(chan *kafka.Message, 1)
			p := New(tc.producer(snitch), "")
			require.NoError(t, p.Initialize(context.Background()))

			err := p.Publish(context.Background(), "money.debited", []byte(`{"amount":"10"}`), map[string]string{
				emitter.AggregateIdHeader: "4a3c9d1e-0000-0000-0000-000000000001",
				emitter.CorrelationHeader: "corr",
			})
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			} else {
				assert.NoError(t, err)
			}

			msg := <-snitch
			assert.Equal(t, "account-events-money-debited", *msg.TopicPartition.Topic)
			assert.Equal(t, []byte("4a3c9d1e-0000-0000-0000-000000000001"), msg.Key)
			headers := map[string]string{}
			for _, h := range msg.Headers {
				headers[h.Key] = string(h.Value)
			}
			assert.Equal(t, "corr", headers[emitter.CorrelationHeader])
			assert.NotEmpty(t, headers[emitter.CausationHeader])
		})
	}
}

func TestPublishNotConnected(t *testing.T) {
	p := New(&test.MockedKafkaProducer{}, "")
	err := p.Publish(context.Background(), "money.debited", nil, nil)
	assert.ErrorIs(t, err, emitter.ErrNotConnected)
}

func TestClose(t *testing.T) {
	producer := &test.MockedKafkaProducer{}
	p := New(producer, "")
	require.NoError(t, p.Initialize(context.Background()))
	assert.NoError(t, p.Close())
	assert.True(t, producer.Closed)
	assert.False(t, p.IsConnected())
}
