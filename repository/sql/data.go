package sql

import (
	"database/sql"

	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row rowScanner) (*repository.OutboxRecord, error) {
	var or repository.OutboxRecord
	var payload string
	var processedAt sql.NullTime
	var lastError sql.NullString
	var latency sql.NullInt64
	err := row.Scan(&or.Id, &or.EventId, &or.AggregateType, &or.AggregateId, &or.EventType, &payload,
		&or.OccurredAt, &processedAt, &or.CorrelationId, &or.CausationId, &or.RetryCount, &lastError, &latency)
	if err != nil {
		return nil, err
	}
	or.Payload = []byte(payload)
	if processedAt.Valid {
		or.ProcessedAt = &processedAt.Time
	}
	if lastError.Valid {
		or.LastError = &lastError.String
	}
	if latency.Valid {
		or.PublishedLatencyMs = &latency.Int64
	}
	return &or, nil
}

func scanAccount(row rowScanner) (*repository.Account, error) {
	var a repository.Account
	var accountType string
	var rate decimal.NullDecimal
	var closedAt sql.NullTime
	var version int64
	err := row.Scan(&a.Id, &a.OwnerId, &accountType, &a.Currency, &a.Balance, &rate, &a.IsFrozen,
		&a.OpenedAt, &closedAt, &version)
	if err != nil {
		return nil, err
	}
	a.Type = repository.AccountType(accountType)
	a.Version = uint32(version)
	if rate.Valid {
		a.InterestRate = &rate.Decimal
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.Time
	}
	return &a, nil
}

func scanTransaction(row rowScanner) (*repository.Transaction, error) {
	var t repository.Transaction
	var txType string
	var counterparty uuid.NullUUID
	err := row.Scan(&t.Id, &t.AccountId, &counterparty, &t.Amount, &t.Currency, &txType, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = repository.TransactionType(txType)
	if counterparty.Valid {
		t.CounterpartyAccountId = &counterparty.UUID
	}
	return &t, nil
}
