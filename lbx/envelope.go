package lbx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
)

const EnvelopeVersion = "v1"

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Meta carries the envelope version and the correlation metadata.
type Meta struct {
	Version       string `json:"version"`
	Source        string `json:"source"`
	CorrelationId string `json:"correlationId"`
	CausationId   string `json:"causationId"`
}

// Envelope is the versioned wire wrapper of a published domain event.
type Envelope struct {
	EventId    string          `json:"eventId"`
	Type       string          `json:"type"`
	OccurredAt string          `json:"occurredAt"`
	Meta       Meta            `json:"meta"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps an outbox record. Missing identifiers are replaced with
// fresh ones and the stored payload is normalized to a JSON object.
func NewEnvelope(r *repository.OutboxRecord, source string) *Envelope {
	return &Envelope{
		EventId:    orNewId(r.EventId).String(),
		Type:       r.EventType,
		OccurredAt: r.OccurredAt.UTC().Format(time.RFC3339Nano),
		Meta: Meta{
			Version:       EnvelopeVersion,
			Source:        source,
			CorrelationId: orNewId(r.CorrelationId).String(),
			CausationId:   orNewId(r.CausationId).String(),
		},
		Payload: normalizePayload(r.Payload),
	}
}

// normalizePayload returns the payload when it is a JSON object, "{}" when it
// is empty and {"raw": "<payload>"} otherwise.
func normalizePayload(p []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 {
		return json.RawMessage("{}")
	}
	if trimmed[0] == '{' && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	raw, _ := json.Marshal(map[string]string{"raw": string(p)})
	return raw
}

func orNewId(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

// InboundEnvelope is a received envelope that passed structural validation.
type InboundEnvelope struct {
	EventId    uuid.UUID
	Type       EventType
	OccurredAt time.Time
	Meta       Meta
	Payload    json.RawMessage
}

type inboundWire struct {
	EventId    *string         `json:"eventId"`
	Type       string          `json:"type"`
	OccurredAt *string         `json:"occurredAt"`
	Meta       *Meta           `json:"meta"`
	Payload    json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes and validates an inbound message. When validation
// fails the returned envelope still carries whatever could be decoded (the
// event id in particular) and the error wraps ErrInvalidEnvelope.
func ParseEnvelope(body []byte) (*InboundEnvelope, error) {
	env := &InboundEnvelope{}
	var w inboundWire
	if err := json.Unmarshal(body, &w); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if w.EventId != nil {
		if id, err := uuid.Parse(*w.EventId); err == nil {
			env.EventId = id
		}
	}
	env.Type = EventType(w.Type)
	env.Payload = w.Payload

	switch {
	case w.EventId == nil:
		return env, fmt.Errorf("%w: missing eventId", ErrInvalidEnvelope)
	case w.Meta == nil:
		return env, fmt.Errorf("%w: missing meta", ErrInvalidEnvelope)
	case w.OccurredAt == nil:
		return env, fmt.Errorf("%w: missing occurredAt", ErrInvalidEnvelope)
	}
	env.Meta = *w.Meta
	if w.Meta.Version != EnvelopeVersion {
		return env, fmt.Errorf("%w: unsupported version '%s'", ErrInvalidEnvelope, w.Meta.Version)
	}
	if env.EventId == uuid.Nil {
		return env, fmt.Errorf("%w: eventId '%s' is not a valid uuid", ErrInvalidEnvelope, *w.EventId)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, *w.OccurredAt)
	if err != nil {
		return env, fmt.Errorf("%w: occurredAt '%s' is not an ISO-8601 timestamp", ErrInvalidEnvelope, *w.OccurredAt)
	}
	env.OccurredAt = occurredAt
	if w.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return env, nil
}
