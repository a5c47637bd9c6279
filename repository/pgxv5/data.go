package pgxv5

import (
	"reflect"

	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func scanOutbox(row pgx.Row) (*repository.OutboxRecord, error) {
	var or repository.OutboxRecord
	var payload string
	err := row.Scan(&or.Id, &or.EventId, &or.AggregateType, &or.AggregateId, &or.EventType, &payload,
		&or.OccurredAt, &or.ProcessedAt, &or.CorrelationId, &or.CausationId, &or.RetryCount, &or.LastError,
		&or.PublishedLatencyMs)
	if err != nil {
		return nil, err
	}
	or.Payload = []byte(payload)
	return &or, nil
}

func scanAccount(row pgx.Row) (*repository.Account, error) {
	var a repository.Account
	var accountType string
	var rate decimal.NullDecimal
	err := row.Scan(&a.Id, &a.OwnerId, &accountType, &a.Currency, &a.Balance, &rate, &a.IsFrozen,
		&a.OpenedAt, &a.ClosedAt, &a.Version)
	if err != nil {
		return nil, err
	}
	a.Type = repository.AccountType(accountType)
	if rate.Valid {
		a.InterestRate = &rate.Decimal
	}
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]*repository.Account, error) {
	defer rows.Close()
	var result []*repository.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanTransaction(row pgx.Row) (*repository.Transaction, error) {
	var t repository.Transaction
	var txType string
	err := row.Scan(&t.Id, &t.AccountId, &t.CounterpartyAccountId, &t.Amount, &t.Currency, &txType, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = repository.TransactionType(txType)
	return &t, nil
}

func isNilPool(pool dbpool) bool {
	v := reflect.ValueOf(pool)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
