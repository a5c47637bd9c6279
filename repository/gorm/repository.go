package gorm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	insertOutboxSql      = "INSERT INTO outbox (id, event_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, correlation_id, causation_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	findPendingSql       = "SELECT * FROM outbox WHERE processed_at IS NULL AND retry_count < ? ORDER BY occurred_at ASC LIMIT ?"
	markProcessedSql     = "UPDATE outbox SET processed_at=?, published_latency_ms=?, retry_count=0 WHERE id=?"
	markFailedSql        = "UPDATE outbox SET retry_count=?, last_error=? WHERE id=?"
	countPendingSql      = "SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL"
	isConsumedSql        = "SELECT EXISTS (SELECT 1 FROM inbox_consumed WHERE message_id=? AND handler=?)"
	markConsumedSql      = "INSERT INTO inbox_consumed (message_id, handler, consumed_at) VALUES (?, ?, NOW())"
	saveDeadLetterSql    = "INSERT INTO inbox_dead_letters (message_id, handler, payload, error, received_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (message_id, handler) DO NOTHING"
	insertAccountSql     = "INSERT INTO accounts (id, owner_id, type, currency, balance, interest_rate, is_frozen, opened_at, closed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING xmin::text::bigint AS version"
	getAccountSql        = "SELECT " + accountColumns + " FROM accounts WHERE id=?"
	listByOwnerSql       = "SELECT " + accountColumns + " FROM accounts WHERE owner_id=? ORDER BY opened_at ASC"
	listDepositSql       = "SELECT " + accountColumns + " FROM accounts WHERE type='deposit' AND interest_rate IS NOT NULL AND closed_at IS NULL ORDER BY opened_at ASC"
	updateAccountSql     = "UPDATE accounts SET balance=?, is_frozen=?, closed_at=?, interest_rate=? WHERE id=? AND xmin::text=? RETURNING xmin::text::bigint AS version"
	accountExistsSql     = "SELECT EXISTS (SELECT 1 FROM accounts WHERE id=?)"
	setFrozenByOwnerSql  = "UPDATE accounts SET is_frozen=? WHERE owner_id=?"
	accrueInterestSql    = "UPDATE accounts a SET balance = a.balance + a.balance * a.interest_rate / 100 FROM (SELECT id, balance FROM accounts WHERE id=? FOR UPDATE) old WHERE a.id = old.id AND a.interest_rate IS NOT NULL RETURNING old.balance AS before_balance, a.balance AS after_balance, a.xmin::text::bigint AS version"
	insertTransactionSql = "INSERT INTO transactions (id, account_id, counterparty_account_id, amount, currency, type, description, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	listTransactionsSql  = "SELECT * FROM transactions WHERE account_id=? ORDER BY created_at ASC"
	accountColumns       = "id, owner_id, type, currency, balance, interest_rate, is_frozen, opened_at, closed_at, xmin::text::bigint AS version"
)

type Repository struct {
	txKey  repository.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Store = (*Repository)(nil)

func New(txKey repository.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

func (r *Repository) tx(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	return tx, ok
}

// conn returns the transaction in the context or the base connection, bound
// to ctx.
func (r *Repository) conn(ctx context.Context) *gorm.DB {
	if tx, ok := r.tx(ctx); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// WithinTransaction runs fn inside a gorm transaction stored in the context
// under the configured txKey. If the context already carries a transaction
// fn joins it.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := r.tx(ctx); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// Ping checks the database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, o *repository.OutboxRecord) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", repository.ErrTransactionExpected)
	}
	err := tx.WithContext(ctx).Exec(insertOutboxSql, o.Id, o.EventId, o.AggregateType, o.AggregateId, o.EventType,
		string(o.Payload), o.OccurredAt, o.CorrelationId, o.CausationId).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindPending retrieves the oldest unprocessed outbox records that did not
// reach the retry limit.
func (r *Repository) FindPending(ctx context.Context, limit int, maxRetries int) ([]*repository.OutboxRecord, error) {
	var rows []outboxRow
	if err := r.conn(ctx).Raw(findPendingSql, maxRetries, limit).Scan(&rows).Error; err != nil {
		return nil, err
	}
	ors := make([]*repository.OutboxRecord, 0, len(rows))
	for i := range rows {
		ors = append(ors, rows[i].toRecord())
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
	err := r.conn(ctx).Raw(countPendingSql).Scan(&n).Error
	return n, err
}

// execOne runs a statement expected to modify exactly one row.
func (r *Repository) execOne(ctx context.Context, entity string, id uuid.UUID, sql string, args ...interface{}) error {
	res := r.conn(ctx).Exec(sql, args...)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s '%s' not found", entity, id)
	}
	return nil
}

func (r *Repository) IsConsumed(ctx context.Context, messageId uuid.UUID, handler string) (bool, error) {
	var exists bool
	err := r.conn(ctx).Raw(isConsumedSql, messageId, handler).Scan(&exists).Error
	return exists, err
}

// MarkConsumed inserts the inbox marker in the transaction present in the
// context.
func (r *Repository) MarkConsumed(ctx context.Context, messageId uuid.UUID, handler string) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", repository.ErrTransactionExpected)
	}
	if err := tx.WithContext(ctx).Exec(markConsumedSql, messageId, handler).Error; err != nil {
		return fmt.Errorf("could not persist the inbox marker: %w", err)
	}
	return nil
}

func (r *Repository) SaveDeadLetter(ctx context.Context, dl *repository.DeadLetter) error {
	err := r.conn(ctx).Exec(saveDeadLetterSql, dl.MessageId, dl.Handler, string(dl.Payload), dl.Error, dl.ReceivedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the dead letter: %w", err)
	}
	return nil
}

func (r *Repository) CreateAccount(ctx context.Context, a *repository.Account) error {
	var v versionRow
	err := r.conn(ctx).Raw(insertAccountSql, a.Id, a.OwnerId, string(a.Type), a.Currency, a.Balance, a.InterestRate,
		a.IsFrozen, a.OpenedAt, a.ClosedAt).Scan(&v).Error
	if err != nil {
		return fmt.Errorf("could not persist the account: %w", err)
	}
	a.Version = uint32(v.Version)
	return nil
}

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*repository.Account, error) {
	var rows []accountRow
	if err := r.conn(ctx).Raw(getAccountSql, id).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, repository.ErrAccountNotFound
	}
	return rows[0].toAccount(), nil
}

func (r *Repository) ListAccountsByOwner(ctx context.Context, ownerId uuid.UUID) ([]*repository.Account, error) {
	var rows []accountRow
	if err := r.conn(ctx).Raw(listByOwnerSql, ownerId).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toAccounts(rows), nil
}

func (r *Repository) ListDepositAccounts(ctx context.Context) ([]*repository.Account, error) {
	var rows []accountRow
	if err := r.conn(ctx).Raw(listDepositSql).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toAccounts(rows), nil
}

// UpdateAccount performs the optimistic update using the native xmin row
// version.
func (r *Repository) UpdateAccount(ctx context.Context, a *repository.Account) error {
	db := r.conn(ctx)
	var v versionRow
	res := db.Raw(updateAccountSql, a.Balance, a.IsFrozen, a.ClosedAt, a.InterestRate, a.Id,
		strconv.FormatUint(uint64(a.Version), 10)).Scan(&v)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var exists bool
		if err := db.Raw(accountExistsSql, a.Id).Scan(&exists).Error; err != nil {
			return err
		}
		if !exists {
			return repository.ErrAccountNotFound
		}
		r.logger.Debug(fmt.Sprintf("optimistic lock failed for account '%s' at version %d", a.Id, a.Version))
		return repository.ErrConcurrencyConflict
	}
	a.Version = uint32(v.Version)
	return nil
}

func (r *Repository) SetFrozenByOwner(ctx context.Context, ownerId uuid.UUID, frozen bool) (int64, error) {
	res := r.conn(ctx).Exec(setFrozenByOwnerSql, frozen, ownerId)
	return res.RowsAffected, res.Error
}

// AccrueInterest computes and stores the new balance in a single statement.
// Accounts without interest rate are returned unchanged.
func (r *Repository) AccrueInterest(ctx context.Context, id uuid.UUID) (*repository.InterestAccrual, error) {
	var row accrualRow
	res := r.conn(ctx).Raw(accrueInterestSql, id).Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		a, err := r.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		return &repository.InterestAccrual{AccountId: id, Before: a.Balance, After: a.Balance, Version: a.Version}, nil
	}
	return &repository.InterestAccrual{
		AccountId: id,
		Before:    row.BeforeBalance,
		After:     row.AfterBalance,
		Version:   uint32(row.Version),
	}, nil
}

func (r *Repository) AddTransaction(ctx context.Context, t *repository.Transaction) error {
	err := r.conn(ctx).Exec(insertTransactionSql, t.Id, t.AccountId, t.CounterpartyAccountId, t.Amount, t.Currency,
		string(t.Type), t.Description, t.CreatedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the transaction: %w", err)
	}
	return nil
}

func (r *Repository) ListTransactions(ctx context.Context, accountId uuid.UUID) ([]*repository.Transaction, error) {
	var rows []transactionRow
	if err := r.conn(ctx).Raw(listTransactionsSql, accountId).Scan(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]*repository.Transaction, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toTransaction())
	}
	return result, nil
}
