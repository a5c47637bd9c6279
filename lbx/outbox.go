package lbx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
)

// Message contains high level information about a domain event and should be
// provided by the clients.
type Message struct {
	AggregateType string    // the aggregate type (e.g. "Account")
	AggregateId   string    // the aggregate identifier
	EventType     EventType // the event type (e.g. "MoneyDebited")
	Payload       []byte    // event payload
	CorrelationId uuid.UUID // optional, defaults to the event id
	CausationId   uuid.UUID // optional, defaults to the event id
}

// AppendOption customizes a single append.
type AppendOption func(m *Message)

// WithCorrelationId propagates an existing correlation id.
func WithCorrelationId(id uuid.UUID) AppendOption {
	return func(m *Message) {
		m.CorrelationId = id
	}
}

// WithCausationId sets the id of the message that caused this event.
func WithCausationId(id uuid.UUID) AppendOption {
	return func(m *Message) {
		m.CausationId = id
	}
}

// Writer appends domain events to the outbox inside the caller's business
// transaction.
type Writer struct {
	repository repository.OutboxRepository
	logger     logger.Logger
	opts       options
}

// NewWriter creates a Writer over the provided outbox repository.
func NewWriter(r repository.OutboxRepository, opts ...Option) *Writer {
	if isNil(r) {
		panic("you must provide an outbox repository")
	}
	o := newOptions(opts)
	logger.Inject(o.logger, r)
	return &Writer{
		repository: r,
		logger:     o.logger,
		opts:       o,
	}
}

// Append serializes a typed event and queues it in the outbox. The context
// must carry the business transaction.
func (w *Writer) Append(ctx context.Context, e Event, opts ...AppendOption) (*repository.OutboxRecord, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not serialize the '%s' payload: %w", e.EventType(), err)
	}
	m := Message{
		AggregateType: e.AggregateType(),
		AggregateId:   e.AggregateId(),
		EventType:     e.EventType(),
		Payload:       payload,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return w.AppendRaw(ctx, m)
}

// AppendRaw queues an already serialized event in the outbox. A failure must
// abort the enclosing transaction, so it is always returned to the caller.
func (w *Writer) AppendRaw(ctx context.Context, m Message) (*repository.OutboxRecord, error) {
	if !m.EventType.Valid() {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownEventType, string(m.EventType))
	}
	eventId, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("could not generate the event id: %w", err)
	}
	r := &repository.OutboxRecord{
		Id:            uuid.New(),
		EventId:       eventId,
		AggregateType: m.AggregateType,
		AggregateId:   m.AggregateId,
		EventType:     string(m.EventType),
		Payload:       m.Payload,
		OccurredAt:    w.opts.clock(),
		CorrelationId: m.CorrelationId,
		CausationId:   m.CausationId,
	}
	if r.CorrelationId == uuid.Nil {
		r.CorrelationId = eventId
	}
	if r.CausationId == uuid.Nil {
		r.CausationId = eventId
	}
	if err := w.repository.Save(ctx, r); err != nil {
		return nil, err
	}
	w.logger.Debug(fmt.Sprintf("outbox event '%s' of type '%s' appended for %s '%s'", eventId, m.EventType, m.AggregateType, m.AggregateId))
	return r, nil
}
