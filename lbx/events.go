package lbx

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrUnknownEventType = errors.New("unknown event type")

// EventType is the closed set of domain events the ledger emits.
type EventType string

const (
	AccountOpened     EventType = "AccountOpened"
	MoneyCredited     EventType = "MoneyCredited"
	MoneyDebited      EventType = "MoneyDebited"
	TransferCompleted EventType = "TransferCompleted"
	InterestAccrued   EventType = "InterestAccrued"
	ClientBlocked     EventType = "ClientBlocked"
	ClientUnblocked   EventType = "ClientUnblocked"
)

const (
	AccountAggregate = "Account"
	ClientAggregate  = "Client"
)

var routingKeys = map[EventType]string{
	AccountOpened:     "account.opened",
	MoneyCredited:     "money.credited",
	MoneyDebited:      "money.debited",
	TransferCompleted: "money.transfer.completed",
	InterestAccrued:   "money.interest.accrued",
	ClientBlocked:     "client.blocked",
	ClientUnblocked:   "client.unblocked",
}

// EventTypes returns every known event type.
func EventTypes() []EventType {
	return []EventType{AccountOpened, MoneyCredited, MoneyDebited, TransferCompleted, InterestAccrued, ClientBlocked, ClientUnblocked}
}

// RoutingKey resolves the broker routing key of the event type.
func (t EventType) RoutingKey() (string, error) {
	rk, ok := routingKeys[t]
	if !ok {
		return "", fmt.Errorf("%w: no routing key mapping for '%s'", ErrUnknownEventType, string(t))
	}
	return rk, nil
}

// Valid reports whether the event type belongs to the closed set.
func (t EventType) Valid() bool {
	_, ok := routingKeys[t]
	return ok
}

// Event is a typed domain event payload. Every variant knows its type and the
// aggregate it belongs to.
type Event interface {
	EventType() EventType
	AggregateType() string
	AggregateId() string
}

type AccountOpenedEvent struct {
	AccountId uuid.UUID `json:"accountId"`
	OwnerId   uuid.UUID `json:"ownerId"`
	Currency  string    `json:"currency"`
	Type      string    `json:"type"`
}

func (AccountOpenedEvent) EventType() EventType  { return AccountOpened }
func (AccountOpenedEvent) AggregateType() string { return AccountAggregate }
func (e AccountOpenedEvent) AggregateId() string { return e.AccountId.String() }

type MoneyCreditedEvent struct {
	AccountId   uuid.UUID       `json:"accountId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OperationId uuid.UUID       `json:"operationId"`
}

func (MoneyCreditedEvent) EventType() EventType  { return MoneyCredited }
func (MoneyCreditedEvent) AggregateType() string { return AccountAggregate }
func (e MoneyCreditedEvent) AggregateId() string { return e.AccountId.String() }

type MoneyDebitedEvent struct {
	AccountId   uuid.UUID       `json:"accountId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OperationId uuid.UUID       `json:"operationId"`
	Reason      string          `json:"reason"`
}

func (MoneyDebitedEvent) EventType() EventType  { return MoneyDebited }
func (MoneyDebitedEvent) AggregateType() string { return AccountAggregate }
func (e MoneyDebitedEvent) AggregateId() string { return e.AccountId.String() }

type TransferCompletedEvent struct {
	SourceAccountId      uuid.UUID       `json:"sourceAccountId"`
	DestinationAccountId uuid.UUID       `json:"destinationAccountId"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	TransferId           uuid.UUID       `json:"transferId"`
}

func (TransferCompletedEvent) EventType() EventType  { return TransferCompleted }
func (TransferCompletedEvent) AggregateType() string { return AccountAggregate }
func (e TransferCompletedEvent) AggregateId() string { return e.SourceAccountId.String() }

type InterestAccruedEvent struct {
	AccountId  uuid.UUID       `json:"accountId"`
	PeriodFrom time.Time       `json:"periodFrom"`
	PeriodTo   time.Time       `json:"periodTo"`
	Amount     decimal.Decimal `json:"amount"`
}

func (InterestAccruedEvent) EventType() EventType  { return InterestAccrued }
func (InterestAccruedEvent) AggregateType() string { return AccountAggregate }
func (e InterestAccruedEvent) AggregateId() string { return e.AccountId.String() }

type ClientBlockedEvent struct {
	ClientId uuid.UUID `json:"clientId"`
}

func (ClientBlockedEvent) EventType() EventType  { return ClientBlocked }
func (ClientBlockedEvent) AggregateType() string { return ClientAggregate }
func (e ClientBlockedEvent) AggregateId() string { return e.ClientId.String() }

type ClientUnblockedEvent struct {
	ClientId uuid.UUID `json:"clientId"`
}

func (ClientUnblockedEvent) EventType() EventType  { return ClientUnblocked }
func (ClientUnblockedEvent) AggregateType() string { return ClientAggregate }
func (e ClientUnblockedEvent) AggregateId() string { return e.ClientId.String() }
