package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

const (
	insertOutboxSql      = "INSERT INTO outbox (id, event_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, correlation_id, causation_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	findPendingSql       = "SELECT " + outboxColumns + " FROM outbox WHERE processed_at IS NULL AND retry_count < ? ORDER BY occurred_at ASC LIMIT ?"
	markProcessedSql     = "UPDATE outbox SET processed_at=?, published_latency_ms=?, retry_count=0 WHERE id=?"
	markFailedSql        = "UPDATE outbox SET retry_count=?, last_error=? WHERE id=?"
	countPendingSql      = "SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL"
	isConsumedSql        = "SELECT EXISTS (SELECT 1 FROM inbox_consumed WHERE message_id=? AND handler=?)"
	markConsumedSql      = "INSERT INTO inbox_consumed (message_id, handler, consumed_at) VALUES (?, ?, NOW())"
	saveDeadLetterSql    = "INSERT INTO inbox_dead_letters (message_id, handler, payload, error, received_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (message_id, handler) DO NOTHING"
	insertAccountSql     = "INSERT INTO accounts (id, owner_id, type, currency, balance, interest_rate, is_frozen, opened_at, closed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING xmin::text::bigint"
	getAccountSql        = "SELECT " + accountColumns + " FROM accounts WHERE id=?"
	listByOwnerSql       = "SELECT " + accountColumns + " FROM accounts WHERE owner_id=? ORDER BY opened_at ASC"
	listDepositSql       = "SELECT " + accountColumns + " FROM accounts WHERE type='deposit' AND interest_rate IS NOT NULL AND closed_at IS NULL ORDER BY opened_at ASC"
	updateAccountSql     = "UPDATE accounts SET balance=?, is_frozen=?, closed_at=?, interest_rate=? WHERE id=? AND xmin::text=? RETURNING xmin::text::bigint"
	accountExistsSql     = "SELECT EXISTS (SELECT 1 FROM accounts WHERE id=?)"
	setFrozenByOwnerSql  = "UPDATE accounts SET is_frozen=? WHERE owner_id=?"
	accrueInterestSql    = "UPDATE accounts a SET balance = a.balance + a.balance * a.interest_rate / 100 FROM (SELECT id, balance FROM accounts WHERE id=? FOR UPDATE) old WHERE a.id = old.id AND a.interest_rate IS NOT NULL RETURNING old.balance, a.balance, a.xmin::text::bigint"
	insertTransactionSql = "INSERT INTO transactions (id, account_id, counterparty_account_id, amount, currency, type, description, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	listTransactionsSql  = "SELECT id, account_id, counterparty_account_id, amount, currency, type, description, created_at FROM transactions WHERE account_id=? ORDER BY created_at ASC"
	outboxColumns        = "id, event_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, processed_at, correlation_id, causation_id, retry_count, last_error, published_latency_ms"
	accountColumns       = "id, owner_id, type, currency, balance, interest_rate, is_frozen, opened_at, closed_at, xmin::text::bigint"
)

// queryer is satisfied both by *sql.DB and by *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	txKey     repository.TxKey
	db        *sql.DB
	useDollar bool
	logger    logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Store = (*Repository)(nil)

// New builds a database/sql backed store. Statements are written with '?'
// placeholders and rewritten to '$n' when useDollar is set (e.g. for the pgx
// stdlib driver).
func New(txKey repository.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:     txKey,
		db:        db,
		useDollar: useDollar,
		logger:    &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// q returns the statement with the placeholders expected by the driver.
func (r *Repository) q(query string) string {
	if !r.useDollar {
		return query
	}
	return convertToDollarPlaceholder(query)
}

func (r *Repository) tx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	return tx, ok
}

func (r *Repository) conn(ctx context.Context) queryer {
	if tx, ok := r.tx(ctx); ok {
		return tx
	}
	return r.db
}

// WithinTransaction begins a *sql.Tx, stores it in the context under the
// configured txKey and commits it when fn succeeds. If the context already
// carries a transaction fn joins it.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := r.tx(ctx); ok {
		return fn(ctx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Error("rolling back the transaction", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, o *repository.OutboxRecord) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return fmt.Errorf("%w: an *sql.Tx transaction was expected", repository.ErrTransactionExpected)
	}
	_, err := tx.ExecContext(ctx, r.q(insertOutboxSql), o.Id, o.EventId, o.AggregateType, o.AggregateId, o.EventType,
		string(o.Payload), o.OccurredAt, o.CorrelationId, o.CausationId)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindPending retrieves the oldest unprocessed outbox records that did not
// reach the retry limit.
func (r *Repository) FindPending(ctx context.Context, limit int, maxRetries int) ([]*repository.OutboxRecord, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, r.q(findPendingSql), maxRetries, limit)
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
	err := r.conn(ctx).QueryRowContext(ctx, countPendingSql).Scan(&n)
	return n, err
}

// execOne runs a statement expected to modify exactly one row.
func (r *Repository) execOne(ctx context.Context, entity string, id uuid.UUID, query string, args ...any) error {
	res, err := r.conn(ctx).ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return fmt.Errorf("%s '%s' not found", entity, id)
	}
	return nil
}

func (r *Repository) IsConsumed(ctx context.Context, messageId uuid.UUID, handler string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRowContext(ctx, r.q(isConsumedSql), messageId, handler).Scan(&exists)
	return exists, err
}

// MarkConsumed inserts the inbox marker in the transaction present in the
// context.
func (r *Repository) MarkConsumed(ctx context.Context, messageId uuid.UUID, handler string) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return fmt.Errorf("%w: an *sql.Tx transaction was expected", repository.ErrTransactionExpected)
	}
	if _, err := tx.ExecContext(ctx, r.q(markConsumedSql), messageId, handler); err != nil {
		return fmt.Errorf("could not persist the inbox marker: %w", err)
	}
	return nil
}

func (r *Repository) SaveDeadLetter(ctx context.Context, dl *repository.DeadLetter) error {
	_, err := r.conn(ctx).ExecContext(ctx, r.q(saveDeadLetterSql), dl.MessageId, dl.Handler, string(dl.Payload), dl.Error, dl.ReceivedAt)
	if err != nil {
		return fmt.Errorf("could not persist the dead letter: %w", err)
	}
	return nil
}

func (r *Repository) CreateAccount(ctx context.Context, a *repository.Account) error {
	var version int64
	err := r.conn(ctx).QueryRowContext(ctx, r.q(insertAccountSql), a.Id, a.OwnerId, string(a.Type), a.Currency, a.Balance,
		a.InterestRate, a.IsFrozen, a.OpenedAt, a.ClosedAt).Scan(&version)
	if err != nil {
		return fmt.Errorf("could not persist the account: %w", err)
	}
	a.Version = uint32(version)
	return nil
}

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*repository.Account, error) {
	accounts, err := r.queryAccounts(ctx, getAccountSql, id)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, repository.ErrAccountNotFound
	}
	return accounts[0], nil
}

func (r *Repository) ListAccountsByOwner(ctx context.Context, ownerId uuid.UUID) ([]*repository.Account, error) {
	return r.queryAccounts(ctx, listByOwnerSql, ownerId)
}

func (r *Repository) ListDepositAccounts(ctx context.Context) ([]*repository.Account, error) {
	return r.queryAccounts(ctx, listDepositSql)
}

func (r *Repository) queryAccounts(ctx context.Context, query string, args ...any) ([]*repository.Account, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
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

// UpdateAccount performs the optimistic update using the native xmin row
// version.
func (r *Repository) UpdateAccount(ctx context.Context, a *repository.Account) error {
	c := r.conn(ctx)
	var version int64
	err := c.QueryRowContext(ctx, r.q(updateAccountSql), a.Balance, a.IsFrozen, a.ClosedAt, a.InterestRate, a.Id,
		strconv.FormatUint(uint64(a.Version), 10)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := c.QueryRowContext(ctx, r.q(accountExistsSql), a.Id).Scan(&exists); err != nil {
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
	a.Version = uint32(version)
	return nil
}

func (r *Repository) SetFrozenByOwner(ctx context.Context, ownerId uuid.UUID, frozen bool) (int64, error) {
	res, err := r.conn(ctx).ExecContext(ctx, r.q(setFrozenByOwnerSql), frozen, ownerId)
	if err != nil {
		return 0, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, errors.New(raNotSupported)
	}
	return ra, nil
}

// AccrueInterest computes and stores the new balance in a single statement.
// Accounts without interest rate are returned unchanged.
func (r *Repository) AccrueInterest(ctx context.Context, id uuid.UUID) (*repository.InterestAccrual, error) {
	ia := &repository.InterestAccrual{AccountId: id}
	var version int64
	err := r.conn(ctx).QueryRowContext(ctx, r.q(accrueInterestSql), id).Scan(&ia.Before, &ia.After, &version)
	if errors.Is(err, sql.ErrNoRows) {
		a, err := r.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		return &repository.InterestAccrual{AccountId: id, Before: a.Balance, After: a.Balance, Version: a.Version}, nil
	}
	if err != nil {
		return nil, err
	}
	ia.Version = uint32(version)
	return ia, nil
}

func (r *Repository) AddTransaction(ctx context.Context, t *repository.Transaction) error {
	_, err := r.conn(ctx).ExecContext(ctx, r.q(insertTransactionSql), t.Id, t.AccountId, t.CounterpartyAccountId, t.Amount,
		t.Currency, string(t.Type), t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the transaction: %w", err)
	}
	return nil
}

func (r *Repository) ListTransactions(ctx context.Context, accountId uuid.UUID) ([]*repository.Transaction, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, r.q(listTransactionsSql), accountId)
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

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
