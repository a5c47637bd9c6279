package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TxKey any

var (
	ErrConcurrencyConflict = errors.New("the account was modified by a concurrent transaction")
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionExpected = errors.New("an open transaction was expected in the context")
)

// OutboxRecord contains all the information stored in the underlying outbox
// table.
type OutboxRecord struct {
	Id                 uuid.UUID
	EventId            uuid.UUID
	AggregateType      string
	AggregateId        string
	EventType          string
	Payload            []byte
	OccurredAt         time.Time
	ProcessedAt        *time.Time
	CorrelationId      uuid.UUID
	CausationId        uuid.UUID
	RetryCount         int
	LastError          *string
	PublishedLatencyMs *int64
}

// DeadLetter is a message (inbound or outbound) that could not be processed
// and was removed from the normal flow.
type DeadLetter struct {
	MessageId  uuid.UUID
	Handler    string
	Payload    []byte
	Error      string
	ReceivedAt time.Time
}

type AccountType string

const (
	Checking AccountType = "checking"
	Deposit  AccountType = "deposit"
	Credit   AccountType = "credit"
)

// Account is the ledger account row. Version is the database native row
// version used as optimistic concurrency token.
type Account struct {
	Id           uuid.UUID
	OwnerId      uuid.UUID
	Type         AccountType
	Currency     string
	Balance      decimal.Decimal
	InterestRate *decimal.Decimal
	IsFrozen     bool
	OpenedAt     time.Time
	ClosedAt     *time.Time
	Version      uint32
}

type TransactionType string

const (
	CreditTx TransactionType = "credit"
	DebitTx  TransactionType = "debit"
)

// Transaction is a single ledger movement over an account.
type Transaction struct {
	Id                    uuid.UUID
	AccountId             uuid.UUID
	CounterpartyAccountId *uuid.UUID
	Amount                decimal.Decimal
	Currency              string
	Type                  TransactionType
	Description           string
	CreatedAt             time.Time
}

// InterestAccrual is the result of the atomic accrual statement.
type InterestAccrual struct {
	AccountId uuid.UUID
	Before    decimal.Decimal
	After     decimal.Decimal
	Version   uint32
}

// Amount returns the accrued amount.
func (ia InterestAccrual) Amount() decimal.Decimal {
	return ia.After.Sub(ia.Before)
}

// TxManager provides the transaction scope. The function receives a context
// carrying the open transaction; returning an error rolls it back. Nested
// calls join the outer transaction.
type TxManager interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// OutboxRepository manages outbox records persistent operations.
type OutboxRepository interface {

	// Save persists an outbox record. This operation must be called inside an
	// existing business transaction provided in the context.
	Save(ctx context.Context, o *OutboxRecord) error

	// FindPending returns up to limit unprocessed records whose retry count is
	// below maxRetries, oldest first.
	FindPending(ctx context.Context, limit int, maxRetries int) ([]*OutboxRecord, error)

	// MarkProcessed stores a successful delivery.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time, latencyMs int64) error

	// MarkFailed stores the new retry count and the last delivery error.
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error

	// CountPending returns the number of unprocessed records.
	CountPending(ctx context.Context) (int64, error)
}

// InboxRepository manages the idempotency markers and the dead letters.
type InboxRepository interface {

	// IsConsumed reports whether the message was already handled by handler.
	IsConsumed(ctx context.Context, messageId uuid.UUID, handler string) (bool, error)

	// MarkConsumed inserts the idempotency marker. It must run inside the
	// transaction that applies the message effect.
	MarkConsumed(ctx context.Context, messageId uuid.UUID, handler string) error

	// SaveDeadLetter stores a terminal dead letter. Saving the same
	// (message, handler) twice is a no-op.
	SaveDeadLetter(ctx context.Context, dl *DeadLetter) error
}

// AccountRepository manages accounts and their movements.
type AccountRepository interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	ListAccountsByOwner(ctx context.Context, ownerId uuid.UUID) ([]*Account, error)
	ListDepositAccounts(ctx context.Context) ([]*Account, error)

	// UpdateAccount writes balance, frozen flag and closing date if the stored
	// version still equals a.Version, returning ErrConcurrencyConflict
	// otherwise. On success a.Version holds the new version.
	UpdateAccount(ctx context.Context, a *Account) error

	// SetFrozenByOwner sets the frozen flag on every account of the owner and
	// returns the number of affected accounts.
	SetFrozenByOwner(ctx context.Context, ownerId uuid.UUID, frozen bool) (int64, error)

	// AccrueInterest applies balance += balance*rate/100 in one statement.
	AccrueInterest(ctx context.Context, id uuid.UUID) (*InterestAccrual, error)

	AddTransaction(ctx context.Context, t *Transaction) error
	ListTransactions(ctx context.Context, accountId uuid.UUID) ([]*Transaction, error)
}

// Store aggregates every persistent operation offered by a storage backend.
type Store interface {
	TxManager
	OutboxRepository
	InboxRepository
	AccountRepository

	// Ping checks the database connectivity.
	Ping(ctx context.Context) error
}
