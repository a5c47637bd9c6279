package lbx

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
)

var ErrInvalidPayload = errors.New("invalid payload")

// Outcome is the terminal state of a processed delivery. Every outcome ends
// with the delivery being acknowledged.
type Outcome int

const (
	Applied Outcome = iota
	Duplicate
	Rejected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Effect applies the business mutation of a message. It runs inside the
// transaction that also stores the idempotency marker.
type Effect func(ctx context.Context) error

// HandleFunc validates the typed part of an envelope and returns the effect
// to apply. A nil effect only records the message as consumed. Returned
// errors dead-letter the message.
type HandleFunc func(env *InboundEnvelope) (Effect, error)

// InboxHandler parameterizes a Consumer.
type InboxHandler struct {
	Name    string
	Binding emitter.Binding
	Handle  HandleFunc
}

// InboxStore is the storage needed by the consumers.
type InboxStore interface {
	repository.TxManager
	repository.InboxRepository
}

// Consumer is the long running loop reading one queue and applying one
// handler with inbox deduplication.
type Consumer struct {
	handler    InboxHandler
	subscriber emitter.Subscriber
	store      InboxStore
	settings   ConsumerSettings
	logger     logger.Logger
	opts       options
}

// NewConsumer creates a Consumer for the provided handler.
func NewConsumer(h InboxHandler, sub emitter.Subscriber, store InboxStore, s ConsumerSettings, opts ...Option) *Consumer {
	if isNil(sub) || isNil(store) {
		panic("you must provide a subscriber and a store")
	}
	if h.Name == "" || h.Handle == nil {
		panic("the handler needs a name and a handle function")
	}
	validateConsumerSettings(&s)
	if h.Binding.Prefetch <= 0 {
		h.Binding.Prefetch = s.Prefetch
	}
	o := newOptions(opts)
	return &Consumer{
		handler:    h,
		subscriber: sub,
		store:      store,
		settings:   s,
		logger:     o.logger,
		opts:       o,
	}
}

// Name returns the handler name.
func (c *Consumer) Name() string {
	return c.handler.Name
}

// Run subscribes to the handler binding and processes deliveries one at a
// time until ctx is cancelled. Broken subscriptions are restored after
// ConsumerSettings.ResubscribeDelay.
func (c *Consumer) Run(ctx context.Context) error {
	b := c.handler.Binding
	for {
		deliveries, err := c.subscriber.Subscribe(ctx, b)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error(fmt.Sprintf("%s could not subscribe to queue '%s'", c.handler.Name, b.Queue), err)
			if !sleepContext(ctx, c.settings.ResubscribeDelay) {
				break
			}
			continue
		}
		c.logger.Info(fmt.Sprintf("%s consuming queue '%s' bound to '%s'", c.handler.Name, b.Queue, b.RoutingKey))
		for d := range deliveries {
			c.Process(ctx, d)
		}
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn(fmt.Sprintf("%s subscription to queue '%s' was closed", c.handler.Name, b.Queue))
		if !sleepContext(ctx, c.settings.ResubscribeDelay) {
			break
		}
	}
	c.logger.Info(fmt.Sprintf("%s stopped", c.handler.Name))
	return nil
}

// Process handles a single delivery and always acknowledges it.
func (c *Consumer) Process(ctx context.Context, d emitter.Delivery) Outcome {
	ctx = context.WithoutCancel(ctx)
	outcome := c.handle(ctx, d.Body())
	if err := d.Ack(); err != nil {
		c.logger.Error(fmt.Sprintf("%s could not acknowledge a delivery", c.handler.Name), err)
	}
	switch outcome {
	case Applied, Duplicate:
		c.opts.successCtr.Inc(1)
	default:
		c.opts.errorCtr.Inc(1)
	}
	return outcome
}

func (c *Consumer) handle(ctx context.Context, body []byte) Outcome {
	env, err := ParseEnvelope(body)
	if err != nil {
		c.deadLetter(ctx, env.EventId, body, err)
		return Rejected
	}

	effect, err := c.handler.Handle(env)
	if err != nil {
		c.deadLetter(ctx, env.EventId, body, err)
		return Rejected
	}

	var duplicate bool
	for attempt := 1; ; attempt++ {
		duplicate = false
		err = c.store.WithinTransaction(ctx, func(txCtx context.Context) error {
			consumed, err := c.store.IsConsumed(txCtx, env.EventId, c.handler.Name)
			if err != nil {
				return err
			}
			if consumed {
				duplicate = true
				return nil
			}
			if effect != nil {
				if err := effect(txCtx); err != nil {
					return err
				}
			}
			return c.store.MarkConsumed(txCtx, env.EventId, c.handler.Name)
		})
		if err == nil || attempt >= c.settings.ApplyAttempts {
			break
		}
		c.logger.Warn(fmt.Sprintf("%s attempt %d to apply message '%s' failed: %s", c.handler.Name, attempt, env.EventId, err))
		sleepContext(ctx, c.settings.ApplyRetryDelay)
	}
	if err != nil {
		c.deadLetter(ctx, env.EventId, body, err)
		return Failed
	}
	if duplicate {
		c.logger.Debug(fmt.Sprintf("%s skipped duplicate message '%s'", c.handler.Name, env.EventId))
		return Duplicate
	}
	c.logger.Info(fmt.Sprintf("%s applied message '%s' of type '%s' (correlation %s)", c.handler.Name, env.EventId, env.Type, env.Meta.CorrelationId))
	return Applied
}

// deadLetter stores the raw message. Messages without a usable id are stored
// under a generated one.
func (c *Consumer) deadLetter(ctx context.Context, messageId uuid.UUID, body []byte, cause error) {
	if messageId == uuid.Nil {
		messageId = uuid.New()
	}
	err := c.store.SaveDeadLetter(ctx, &repository.DeadLetter{
		MessageId:  messageId,
		Handler:    c.handler.Name,
		Payload:    body,
		Error:      cause.Error(),
		ReceivedAt: c.opts.clock(),
	})
	if err != nil {
		c.logger.Error(fmt.Sprintf("%s could not dead-letter message '%s'", c.handler.Name, messageId), err)
		return
	}
	c.opts.deadLetterCtr.Inc(1)
	c.logger.Warn(fmt.Sprintf("%s dead-lettered message '%s': %s", c.handler.Name, messageId, cause))
}
