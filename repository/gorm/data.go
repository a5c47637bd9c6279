package gorm

import (
	"time"

	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type outboxRow struct {
	Id                 uuid.UUID
	EventId            uuid.UUID
	AggregateType      string
	AggregateId        string
	EventType          string
	Payload            string
	OccurredAt         time.Time
	ProcessedAt        *time.Time
	CorrelationId      uuid.UUID
	CausationId        uuid.UUID
	RetryCount         int
	LastError          *string
	PublishedLatencyMs *int64
}

func (o *outboxRow) toRecord() *repository.OutboxRecord {
	return &repository.OutboxRecord{
		Id:                 o.Id,
		EventId:            o.EventId,
		AggregateType:      o.AggregateType,
		AggregateId:        o.AggregateId,
		EventType:          o.EventType,
		Payload:            []byte(o.Payload),
		OccurredAt:         o.OccurredAt,
		ProcessedAt:        o.ProcessedAt,
		CorrelationId:      o.CorrelationId,
		CausationId:        o.CausationId,
		RetryCount:         o.RetryCount,
		LastError:          o.LastError,
		PublishedLatencyMs: o.PublishedLatencyMs,
	}
}

type accountRow struct {
	Id           uuid.UUID
	OwnerId      uuid.UUID
	Type         string
	Currency     string
	Balance      decimal.Decimal
	InterestRate decimal.NullDecimal
	IsFrozen     bool
	OpenedAt     time.Time
	ClosedAt     *time.Time
	Version      int64
}

func (a *accountRow) toAccount() *repository.Account {
	acc := &repository.Account{
		Id:       a.Id,
		OwnerId:  a.OwnerId,
		Type:     repository.AccountType(a.Type),
		Currency: a.Currency,
		Balance:  a.Balance,
		IsFrozen: a.IsFrozen,
		OpenedAt: a.OpenedAt,
		ClosedAt: a.ClosedAt,
		Version:  uint32(a.Version),
	}
	if a.InterestRate.Valid {
		rate := a.InterestRate.Decimal
		acc.InterestRate = &rate
	}
	return acc
}

func toAccounts(rows []accountRow) []*repository.Account {
	result := make([]*repository.Account, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toAccount())
	}
	return result
}

type transactionRow struct {
	Id                    uuid.UUID
	AccountId             uuid.UUID
	CounterpartyAccountId *uuid.UUID
	Amount                decimal.Decimal
	Currency              string
	Type                  string
	Description           string
	CreatedAt             time.Time
}

func (t *transactionRow) toTransaction() *repository.Transaction {
	return &repository.Transaction{
		Id:                    t.Id,
		AccountId:             t.AccountId,
		CounterpartyAccountId: t.CounterpartyAccountId,
		Amount:                t.Amount,
		Currency:              t.Currency,
		Type:                  repository.TransactionType(t.Type),
		Description:           t.Description,
		CreatedAt:             t.CreatedAt,
	}
}

type versionRow struct {
	Version int64
}

type accrualRow struct {
	BeforeBalance decimal.Decimal
	AfterBalance  decimal.Decimal
	Version       int64
}
