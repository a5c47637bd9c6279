package lbx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	AntifraudHandlerName = "AntifraudConsumer"
	AntifraudQueue       = "account.antifraud"
	AntifraudRoutingKey  = "client.#"
)

var validate = validator.New()

type clientPayload struct {
	ClientId string `json:"clientId" validate:"required,uuid"`
}

// NewAntifraudHandler freezes every account of a blocked client and unfreezes
// them when the client is unblocked. Other client events are only recorded as
// consumed.
func NewAntifraudHandler(exchange string, accounts repository.AccountRepository) InboxHandler {
	if isNil(accounts) {
		panic("you must provide an account repository")
	}
	return InboxHandler{
		Name: AntifraudHandlerName,
		Binding: emitter.Binding{
			Exchange:   exchange,
			Queue:      AntifraudQueue,
			RoutingKey: AntifraudRoutingKey,
			Prefetch:   1,
		},
		Handle: func(env *InboundEnvelope) (Effect, error) {
			var frozen bool
			switch env.Type {
			case ClientBlocked:
				frozen = true
			case ClientUnblocked:
				frozen = false
			default:
				return nil, nil
			}
			clientId, err := parseClientId(env.Payload)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				_, err := accounts.SetFrozenByOwner(ctx, clientId, frozen)
				return err
			}, nil
		},
	}
}

func parseClientId(payload json.RawMessage) (uuid.UUID, error) {
	var p clientPayload
	if len(payload) == 0 {
		return uuid.Nil, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(p); err != nil {
		return uuid.Nil, fmt.Errorf("%w: clientId: %v", ErrInvalidPayload, err)
	}
	return uuid.Parse(p.ClientId)
}
