package lbx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
)

// DispatcherHandler is the handler name used for outbox dead letters.
const DispatcherHandler = "OutboxDispatcher"

// OutboxStore is the storage needed by the dispatcher.
type OutboxStore interface {
	repository.TxManager
	repository.OutboxRepository
	repository.InboxRepository
}

// DispatchReport summarizes a single polling cycle.
type DispatchReport struct {
	Fetched       int
	Published     int
	Failed        int
	DeadLettered  int
	MaxRetryCount int           // highest retry count among the failed records still retriable
	Backoff       time.Duration // extra delay to apply before the next cycle
}

// Dispatcher implements the polling publisher of the outbox.
type Dispatcher struct {
	settings  Settings
	store     OutboxStore
	publisher emitter.Publisher
	logger    logger.Logger
	opts      options
	backoff   backoffPolicy
}

// NewDispatcher creates a Dispatcher using the provided settings and options
// and the provided store and publisher implementations.
func NewDispatcher(s Settings, store OutboxStore, p emitter.Publisher, opts ...Option) *Dispatcher {
	if isNil(store) || isNil(p) {
		panic("you must provide a publisher and a store")
	}
	validateSettings(&s)
	o := newOptions(opts)
	logger.Inject(o.logger, store, p)
	return &Dispatcher{
		settings:  s,
		store:     store,
		publisher: p,
		logger:    o.logger,
		opts:      o,
		backoff:   newBackoffPolicy(s),
	}
}

// Run executes the dispatcher loop until ctx is cancelled. Errors of a single
// record never stop the loop; cycle level errors are logged and the cycle is
// retried after Settings.LoopErrorDelay.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("outbox dispatcher started")
	for {
		wait := d.settings.PollingInterval
		report, err := d.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Error("outbox dispatcher cycle failed", err)
			wait = d.settings.LoopErrorDelay
		} else {
			wait += report.Backoff
		}
		if !sleepContext(ctx, wait) {
			break
		}
	}
	d.logger.Info("outbox dispatcher stopped")
	return nil
}

// ProcessOnce executes a single polling cycle: it fetches the oldest pending
// records and tries to deliver each of them. A disconnected publisher is
// initialized again first; when that fails no record is touched and the cycle
// ends with emitter.ErrNotConnected.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (DispatchReport, error) {
	var report DispatchReport
	if err := d.ensureConnected(ctx); err != nil {
		return report, err
	}

	records, err := d.store.FindPending(ctx, d.settings.BatchSize, d.settings.MaxRetries)
	if err != nil {
		return report, fmt.Errorf("could not fetch the pending outbox records: %w", err)
	}
	report.Fetched = len(records)
	if len(records) == 0 {
		return report, nil
	}
	d.logger.Debug(fmt.Sprintf("dispatching %d outbox records", len(records)))

	for _, r := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		published, err := d.deliver(ctx, r)
		if published {
			if err != nil {
				// The broker has the message but the row stays pending, so it
				// will be delivered again.
				return report, fmt.Errorf("could not mark outbox record '%s' as processed: %w", r.Id, err)
			}
			report.Published++
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Failed++
		dead, ferr := d.registerFailure(ctx, r, err)
		if ferr != nil {
			return report, fmt.Errorf("could not register the failure of outbox record '%s': %w", r.Id, ferr)
		}
		if dead {
			report.DeadLettered++
		} else if r.RetryCount > report.MaxRetryCount {
			report.MaxRetryCount = r.RetryCount
		}
	}

	if report.Failed > report.DeadLettered {
		report.Backoff = d.backoff.delay(report.MaxRetryCount)
	}
	d.logger.Info(fmt.Sprintf("%d outbox records published (%d failed, %d dead-lettered) from a total of %d fetched",
		report.Published, report.Failed, report.DeadLettered, report.Fetched))
	return report, nil
}

func (d *Dispatcher) ensureConnected(ctx context.Context) error {
	if d.publisher.IsConnected() {
		return nil
	}
	d.logger.Warn("broker publisher is not connected, trying to restore it")
	if err := d.publisher.Initialize(ctx); err != nil {
		return fmt.Errorf("%w: %w", emitter.ErrNotConnected, err)
	}
	if !d.publisher.IsConnected() {
		return emitter.ErrNotConnected
	}
	d.logger.Info("broker publisher connection restored")
	return nil
}

// deliver publishes a single record and marks it as processed. The returned
// flag tells whether the broker accepted the message.
func (d *Dispatcher) deliver(ctx context.Context, r *repository.OutboxRecord) (bool, error) {
	routingKey, err := EventType(r.EventType).RoutingKey()
	if err != nil {
		d.logger.Error(fmt.Sprintf("outbox record '%s' can not be routed", r.Id), err)
		return false, err
	}

	env := NewEnvelope(r, d.settings.Source)
	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("could not serialize the envelope: %w", err)
	}
	headers := map[string]string{
		emitter.CorrelationHeader: env.Meta.CorrelationId,
		emitter.CausationHeader:   env.Meta.CausationId,
		emitter.AggregateIdHeader: r.AggregateId,
	}

	start := time.Now()
	if err := d.publisher.Publish(ctx, routingKey, body, headers); err != nil {
		d.logger.Warn(fmt.Sprintf("failed to publish outbox record '%s' of type '%s': %s", r.Id, r.EventType, err))
		return false, err
	}
	latency := time.Since(start)
	d.opts.latency.Record(latency)
	d.opts.successCtr.Inc(1)

	err = d.store.MarkProcessed(context.WithoutCancel(ctx), r.Id, d.opts.clock(), latency.Milliseconds())
	if err != nil {
		return true, err
	}
	d.logger.Debug(fmt.Sprintf("event published: %s, type: %s, correlation: %s, latency: %dms",
		env.EventId, r.EventType, env.Meta.CorrelationId, latency.Milliseconds()))
	return true, nil
}

// registerFailure increments the retry count of the record and stores the
// failure. Once the retry count reaches Settings.MaxRetries a dead letter is
// written in the same transaction and the record is no longer fetched.
func (d *Dispatcher) registerFailure(ctx context.Context, r *repository.OutboxRecord, cause error) (bool, error) {
	if cause == nil {
		cause = errors.New("unknown delivery error")
	}
	d.opts.errorCtr.Inc(1)
	r.RetryCount++
	msg := cause.Error()
	r.LastError = &msg
	dead := r.RetryCount >= d.settings.MaxRetries

	err := d.store.WithinTransaction(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		if err := d.store.MarkFailed(txCtx, r.Id, r.RetryCount, msg); err != nil {
			return err
		}
		if !dead {
			return nil
		}
		messageId := r.EventId
		if messageId == uuid.Nil {
			messageId = uuid.New()
		}
		return d.store.SaveDeadLetter(txCtx, &repository.DeadLetter{
			MessageId:  messageId,
			Handler:    DispatcherHandler,
			Payload:    r.Payload,
			Error:      msg,
			ReceivedAt: d.opts.clock(),
		})
	})
	if err != nil {
		return false, err
	}
	if dead {
		d.opts.deadLetterCtr.Inc(1)
		d.logger.Warn(fmt.Sprintf("outbox record '%s' dead-lettered after %d attempts: %s", r.Id, r.RetryCount, msg))
	}
	return dead, nil
}
