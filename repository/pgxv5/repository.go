package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	insertOutboxSql      = "INSERT INTO outbox (id, event_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, correlation_id, causation_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"
	findPendingSql       = "SELECT " + outboxColumns + " FROM outbox WHERE processed_at IS NULL AND retry_count < $1 ORDER BY occurred_at ASC LIMIT $2"
	markProcessedSql     = "UPDATE outbox SET processed_at=$1, published_latency_ms=$2, retry_count=0 WHERE id=$3"
	markFailedSql        = "UPDATE outbox SET retry_count=$1, last_error=$2 WHERE id=$3"
	countPendingSql      = "SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL"
	isConsumedSql        = "SELECT EXISTS (SELECT 1 FROM inbox_consumed WHERE message_id=$1 AND handler=$2)"
	markConsumedSql      = "INSERT INTO inbox_consumed (message_id, handler, consumed_at) VALUES ($1, $2, NOW())"
	saveDeadLetterSql    = "INSERT INTO inbox_dead_letters (message_id, handler, payload, error, received_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (message_id, handler) DO NOTHING"
	insertAccountSql     = "INSERT INTO accounts (id, owner_id, type, currency, balance, interest_rate, is_frozen, opened_at, closed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING xmin"
	getAccountSql        = "SELECT " + accountColumns + " FROM accounts WHERE id=$1"
	listByOwnerSql       = "SELECT " + accountColumns + " FROM accounts WHERE owner_id=$1 ORDER BY opened_at ASC"
	listDepositSql       = "SELECT " + accountColumns + " FROM accounts WHERE type='deposit' AND interest_rate IS NOT NULL AND closed_at IS NULL ORDER BY opened_at ASC"
	updateAccountSql     = "UPDATE accounts SET balance=$1, is_frozen=$2, closed_at=$3, interest_rate=$4 WHERE id=$5 AND xmin=$6 RETURNING xmin"
	accountExistsSql     = "SELECT EXISTS (SELECT 1 FROM accounts WHERE id=$1)"
	setFrozenByOwnerSql  = "UPDATE accounts SET is_frozen=$1 WHERE owner_id=$2"
	accrueInterestSql    = "UPDATE accounts a SET balance = a.balance + a.balance * a.interest_rate / 100 FROM (SELECT id, balance FROM accounts WHERE id=$1 FOR UPDATE) old WHERE a.id = old.id AND a.interest_rate IS NOT NULL RETURNING old.balance, a.balance, a.xmin"
	insertTransactionSql = "INSERT INTO transactions (id, account_id, counterparty_account_id, amount, currency, type, description, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"
	listTransactionsSql  = "SELECT id, account_id, counterparty_account_id, amount, currency, type, description, created_at FROM transactions WHERE account_id=$1 ORDER BY created_at ASC"
	outboxColumns        = "id, event_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, processed_at, correlation_id, causation_id, retry_count, last_error, published_latency_ms"
	accountColumns       = "id, owner_id, type, currency, balance, interest_rate, is_frozen, opened_at, closed_at, xmin"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
}

// executor is satisfied both by the pool and by an open pgx.Tx.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	txKey  repository.TxKey
	db     dbpool
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Store = (*Repository)(nil)

func New(txKey repository.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || isNilPool(pool) {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// tx returns the pgx.Tx carried by the context, if any.
func (r *Repository) tx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	return tx, ok
}

// executor returns the transaction in the context or the pool.
func (r *Repository) executor(ctx context.Context) executor {
	if tx, ok := r.tx(ctx); ok {
		return tx
	}
	return r.db
}

// WithinTransaction begins a pgx transaction, stores it in the context under
// the configured txKey and commits it when fn succeeds. If the context
// already carries a transaction fn joins it.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := r.tx(ctx); ok {
		return fn(ctx)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			r.logger.Error("rolling back the transaction", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

// Ping checks the database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, o *repository.OutboxRecord) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return fmt.Errorf("%w: a pgx.Tx transaction was expected", repository.ErrTransactionExpected)
	}
	_, err := tx.Exec(ctx, insertOutboxSql, o.Id, o.EventId, o.AggregateType, o.AggregateId, o.EventType, string(o.Payload), o.OccurredAt, o.CorrelationId, o.CausationId)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindPending retrieves the oldest unprocessed outbox records that did not
// reach the retry limit.
func (r *Repository) FindPending(ctx context.Context, limit int, maxRetries int) ([]*repository.OutboxRecord, error) {
	rows, err := r.executor(ctx).Query(ctx, findPendingSql, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ors []*repository.OutboxRecord
	for rows.Next() {
		or, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		ors = append(ors, or)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ors, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time, latencyMs int64) error {
	return r.execOne(ctx, "outbox record", id, markProcessedSql, processedAt, latencyMs, id)
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	return r.execOne(ctx, "outbox record", id, markFailedSql, retryCount, lastError, id)
}

func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.executor(ctx).QueryRow(ctx, countPendingSql).Scan(&n)
	return n, err
}

// execOne runs a statement expected to modify exactly one row.
func (r *Repository) execOne(ctx context.Context, entity string, id uuid.UUID, sql string, args ...interface{}) error {
	ct, err := r.executor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%s '%s' not found", entity, id)
	}
	return nil
}

func (r *Repository) IsConsumed(ctx context.Context, messageId uuid.UUID, handler string) (bool, error) {
	var exists bool
	err := r.executor(ctx).QueryRow(ctx, isConsumedSql, messageId, handler).Scan(&exists)
	return exists, err
}

// MarkConsumed inserts the inbox marker in the transaction present in the
// context.
func (r *Repository) MarkConsumed(ctx context.Context, messageId uuid.UUID, handler string) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return fmt.Errorf("%w: a pgx.Tx transaction was expected", repository.ErrTransactionExpected)
	}
	_, err := tx.Exec(ctx, markConsumedSql, messageId, handler)
	if err != nil {
		return fmt.Errorf("could not persist the inbox marker: %w", err)
	}
	return nil
}

func (r *Repository) SaveDeadLetter(ctx context.Context, dl *repository.DeadLetter) error {
	_, err := r.executor(ctx).Exec(ctx, saveDeadLetterSql, dl.MessageId, dl.Handler, string(dl.Payload), dl.Error, dl.ReceivedAt)
	if err != nil {
		return fmt.Errorf("could not persist the dead letter: %w", err)
	}
	return nil
}

func (r *Repository) CreateAccount(ctx context.Context, a *repository.Account) error {
	err := r.executor(ctx).QueryRow(ctx, insertAccountSql,
		a.Id, a.OwnerId, string(a.Type), a.Currency, a.Balance, a.InterestRate, a.IsFrozen, a.OpenedAt, a.ClosedAt).
		Scan(&a.Version)
	if err != nil {
		return fmt.Errorf("could not persist the account: %w", err)
	}
	return nil
}

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*repository.Account, error) {
	rows, err := r.executor(ctx).Query(ctx, getAccountSql, id)
	if err != nil {
		return nil, err
	}
	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, repository.ErrAccountNotFound
	}
	return accounts[0], nil
}

func (r *Repository) ListAccountsByOwner(ctx context.Context, ownerId uuid.UUID) ([]*repository.Account, error) {
	rows, err := r.executor(ctx).Query(ctx, listByOwnerSql, ownerId)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (r *Repository) ListDepositAccounts(ctx context.Context) ([]*repository.Account, error) {
	rows, err := r.executor(ctx).Query(ctx, listDepositSql)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

// UpdateAccount performs the optimistic update using the native xmin row
// version.
func (r *Repository) UpdateAccount(ctx context.Context, a *repository.Account) error {
	ex := r.executor(ctx)
	var version uint32
	err := ex.QueryRow(ctx, updateAccountSql, a.Balance, a.IsFrozen, a.ClosedAt, a.InterestRate, a.Id, a.Version).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := ex.QueryRow(ctx, accountExistsSql, a.Id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrAccountNotFound
		}
		r.logger.Debug(fmt.Sprintf("optimistic lock failed for account '%s' at version %d", a.Id, a.Version))
		return repository.ErrConcurrencyConflict
	}
	if err != nil {
		return err
	}
	a.Version = version
	return nil
}

func (r *Repository) SetFrozenByOwner(ctx context.Context, ownerId uuid.UUID, frozen bool) (int64, error) {
	ct, err := r.executor(ctx).Exec(ctx, setFrozenByOwnerSql, frozen, ownerId)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// AccrueInterest computes and stores the new balance in a single statement.
// Accounts without interest rate are returned unchanged.
func (r *Repository) AccrueInterest(ctx context.Context, id uuid.UUID) (*repository.InterestAccrual, error) {
	ia := &repository.InterestAccrual{AccountId: id}
	err := r.executor(ctx).QueryRow(ctx, accrueInterestSql, id).Scan(&ia.Before, &ia.After, &ia.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		a, err := r.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		return &repository.InterestAccrual{AccountId: id, Before: a.Balance, After: a.Balance, Version: a.Version}, nil
	}
	if err != nil {
		return nil, err
	}
	return ia, nil
}

func (r *Repository) AddTransaction(ctx context.Context, t *repository.Transaction) error {
	_, err := r.executor(ctx).Exec(ctx, insertTransactionSql,
		t.Id, t.AccountId, t.CounterpartyAccountId, t.Amount, t.Currency, string(t.Type), t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the transaction: %w", err)
	}
	return nil
}

func (r *Repository) ListTransactions(ctx context.Context, accountId uuid.UUID) ([]*repository.Transaction, error) {
	rows, err := r.executor(ctx).Query(ctx, listTransactionsSql, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*repository.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
