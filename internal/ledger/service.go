package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/lbx"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountFrozen     = errors.New("account is frozen")
	ErrAccountClosed     = errors.New("account is closed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrSameAccount       = errors.New("source and destination accounts must differ")
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrNoInterestRate    = errors.New("account has no interest rate")
	ErrAlreadyBlocked    = errors.New("client is already blocked")
	ErrAlreadyUnblocked  = errors.New("client is already unblocked")
	ErrNoAccounts        = errors.New("client has no accounts")
)

// Store is the persistence needed by the ledger service.
type Store interface {
	repository.TxManager
	repository.AccountRepository
}

// Service is the ledger collaborator: every mutation runs in one transaction
// together with the outbox rows describing it.
type Service struct {
	store    Store
	outbox   *lbx.Writer
	validate *validator.Validate
	logger   logger.Logger
	clock    func() time.Time
}

type opt func(s *Service)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) opt {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewService(store Store, outbox *lbx.Writer, options ...opt) *Service {
	if store == nil || outbox == nil {
		panic("you must provide a store and an outbox writer")
	}
	s := &Service{
		store:    store,
		outbox:   outbox,
		validate: validator.New(),
		logger:   &logger.NopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range options {
		o(s)
	}
	return s
}

type OpenAccountCommand struct {
	OwnerId        uuid.UUID              `validate:"required"`
	Type           repository.AccountType `validate:"required,oneof=checking deposit credit"`
	Currency       string                 `validate:"required,len=3,uppercase"`
	InitialBalance decimal.Decimal
	InterestRate   *decimal.Decimal
	CorrelationId  uuid.UUID
}

// OpenAccount creates the account and emits AccountOpened.
func (s *Service) OpenAccount(ctx context.Context, cmd OpenAccountCommand) (*repository.Account, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, err
	}
	if cmd.InitialBalance.IsNegative() {
		return nil, ErrNonPositiveAmount
	}
	a := &repository.Account{
		Id:           uuid.New(),
		OwnerId:      cmd.OwnerId,
		Type:         cmd.Type,
		Currency:     cmd.Currency,
		Balance:      cmd.InitialBalance,
		InterestRate: cmd.InterestRate,
		OpenedAt:     s.clock(),
	}
	err := s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.CreateAccount(ctx, a); err != nil {
			return err
		}
		_, err := s.outbox.Append(ctx, lbx.AccountOpenedEvent{
			AccountId: a.Id,
			OwnerId:   a.OwnerId,
			Currency:  a.Currency,
			Type:      string(a.Type),
		}, correlated(cmd.CorrelationId)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(fmt.Sprintf("account '%s' opened for owner '%s'", a.Id, a.OwnerId))
	return a, nil
}

type PostTransactionCommand struct {
	AccountId     uuid.UUID                  `validate:"required"`
	Type          repository.TransactionType `validate:"required,oneof=credit debit"`
	Amount        decimal.Decimal
	Currency      string `validate:"required,len=3,uppercase"`
	Description   string `validate:"max=255"`
	CorrelationId uuid.UUID
}

// PostTransaction credits or debits an account and emits MoneyCredited or
// MoneyDebited. A concurrent modification of the account surfaces as
// repository.ErrConcurrencyConflict.
func (s *Service) PostTransaction(ctx context.Context, cmd PostTransactionCommand) (*repository.Transaction, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, err
	}
	if !cmd.Amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	t := &repository.Transaction{
		Id:          uuid.New(),
		AccountId:   cmd.AccountId,
		Amount:      cmd.Amount,
		Currency:    cmd.Currency,
		Type:        cmd.Type,
		Description: cmd.Description,
		CreatedAt:   s.clock(),
	}
	err := s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		a, err := s.store.GetAccount(ctx, cmd.AccountId)
		if err != nil {
			return err
		}
		if err := checkUsable(a, cmd.Currency); err != nil {
			return err
		}
		var event lbx.Event
		if cmd.Type == repository.DebitTx {
			if a.IsFrozen {
				return ErrAccountFrozen
			}
			if a.Balance.LessThan(cmd.Amount) {
				return ErrInsufficientFunds
			}
			a.Balance = a.Balance.Sub(cmd.Amount)
			event = lbx.MoneyDebitedEvent{AccountId: a.Id, Amount: cmd.Amount, Currency: cmd.Currency, OperationId: t.Id, Reason: cmd.Description}
		} else {
			a.Balance = a.Balance.Add(cmd.Amount)
			event = lbx.MoneyCreditedEvent{AccountId: a.Id, Amount: cmd.Amount, Currency: cmd.Currency, OperationId: t.Id}
		}
		if err := s.store.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := s.store.AddTransaction(ctx, t); err != nil {
			return err
		}
		_, err = s.outbox.Append(ctx, event, correlated(cmd.CorrelationId)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Credit adds amount to the account balance.
func (s *Service) Credit(ctx context.Context, accountId uuid.UUID, amount decimal.Decimal, currency string) (*repository.Transaction, error) {
	return s.PostTransaction(ctx, PostTransactionCommand{AccountId: accountId, Type: repository.CreditTx, Amount: amount, Currency: currency})
}

// Debit withdraws amount from the account balance.
func (s *Service) Debit(ctx context.Context, accountId uuid.UUID, amount decimal.Decimal, currency, reason string) (*repository.Transaction, error) {
	return s.PostTransaction(ctx, PostTransactionCommand{AccountId: accountId, Type: repository.DebitTx, Amount: amount, Currency: currency, Description: reason})
}

type TransferCommand struct {
	FromAccountId uuid.UUID `validate:"required"`
	ToAccountId   uuid.UUID `validate:"required"`
	Amount        decimal.Decimal
	Currency      string `validate:"required,len=3,uppercase"`
	Description   string `validate:"max=255"`
	CorrelationId uuid.UUID
}

// Transfer moves money between two accounts and emits a single
// TransferCompleted event. It returns the transfer id.
func (s *Service) Transfer(ctx context.Context, cmd TransferCommand) (uuid.UUID, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return uuid.Nil, err
	}
	if cmd.FromAccountId == cmd.ToAccountId {
		return uuid.Nil, ErrSameAccount
	}
	if !cmd.Amount.IsPositive() {
		return uuid.Nil, ErrNonPositiveAmount
	}
	transferId := uuid.New()
	err := s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		from, err := s.store.GetAccount(ctx, cmd.FromAccountId)
		if err != nil {
			return err
		}
		to, err := s.store.GetAccount(ctx, cmd.ToAccountId)
		if err != nil {
			return err
		}
		if err := checkUsable(from, cmd.Currency); err != nil {
			return err
		}
		if err := checkUsable(to, cmd.Currency); err != nil {
			return err
		}
		if from.IsFrozen {
			return ErrAccountFrozen
		}
		if from.Balance.LessThan(cmd.Amount) {
			return ErrInsufficientFunds
		}
		from.Balance = from.Balance.Sub(cmd.Amount)
		to.Balance = to.Balance.Add(cmd.Amount)
		if err := s.store.UpdateAccount(ctx, from); err != nil {
			return err
		}
		if err := s.store.UpdateAccount(ctx, to); err != nil {
			return err
		}
		now := s.clock()
		debit := &repository.Transaction{Id: transferId, AccountId: from.Id, CounterpartyAccountId: &to.Id,
			Amount: cmd.Amount, Currency: cmd.Currency, Type: repository.DebitTx, Description: cmd.Description, CreatedAt: now}
		credit := &repository.Transaction{Id: uuid.New(), AccountId: to.Id, CounterpartyAccountId: &from.Id,
			Amount: cmd.Amount, Currency: cmd.Currency, Type: repository.CreditTx, Description: cmd.Description, CreatedAt: now}
		for _, t := range []*repository.Transaction{debit, credit} {
			if err := s.store.AddTransaction(ctx, t); err != nil {
				return err
			}
		}
		_, err = s.outbox.Append(ctx, lbx.TransferCompletedEvent{
			SourceAccountId:      from.Id,
			DestinationAccountId: to.Id,
			Amount:               cmd.Amount,
			Currency:             cmd.Currency,
			TransferId:           transferId,
		}, correlated(cmd.CorrelationId)...)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	return transferId, nil
}

// AccrueInterest applies the daily interest of a deposit account with the
// atomic accrual primitive and emits InterestAccrued.
func (s *Service) AccrueInterest(ctx context.Context, accountId uuid.UUID) (*repository.InterestAccrual, error) {
	var accrual *repository.InterestAccrual
	err := s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		a, err := s.store.GetAccount(ctx, accountId)
		if err != nil {
			return err
		}
		if a.InterestRate == nil {
			return ErrNoInterestRate
		}
		if a.ClosedAt != nil {
			return ErrAccountClosed
		}
		accrual, err = s.store.AccrueInterest(ctx, accountId)
		if err != nil {
			return err
		}
		today := s.clock().Truncate(24 * time.Hour)
		_, err = s.outbox.Append(ctx, lbx.InterestAccruedEvent{
			AccountId:  accountId,
			PeriodFrom: today.AddDate(0, 0, -1),
			PeriodTo:   today,
			Amount:     accrual.Amount(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return accrual, nil
}

// AccrueAllDeposits runs AccrueInterest over every open deposit account.
// Failures are logged and counted; the remaining accounts are still
// processed.
func (s *Service) AccrueAllDeposits(ctx context.Context) (int, int, error) {
	accounts, err := s.store.ListDepositAccounts(ctx)
	if err != nil {
		return 0, 0, err
	}
	var ok, failed int
	for _, a := range accounts {
		if ctx.Err() != nil {
			return ok, failed, ctx.Err()
		}
		if _, err := s.AccrueInterest(ctx, a.Id); err != nil {
			failed++
			s.logger.Error(fmt.Sprintf("accruing interest for account '%s'", a.Id), err)
			continue
		}
		ok++
	}
	s.logger.Info(fmt.Sprintf("interest accrued on %d deposit accounts (%d failed)", ok, failed))
	return ok, failed, nil
}

// BlockClient emits ClientBlocked. The accounts are frozen by the antifraud
// consumer once the event comes back from the broker.
func (s *Service) BlockClient(ctx context.Context, clientId uuid.UUID) error {
	return s.setClientBlocked(ctx, clientId, true)
}

// UnblockClient emits ClientUnblocked.
func (s *Service) UnblockClient(ctx context.Context, clientId uuid.UUID) error {
	return s.setClientBlocked(ctx, clientId, false)
}

func (s *Service) setClientBlocked(ctx context.Context, clientId uuid.UUID, blocked bool) error {
	return s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		accounts, err := s.store.ListAccountsByOwner(ctx, clientId)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			return ErrNoAccounts
		}
		anyFrozen := false
		for _, a := range accounts {
			anyFrozen = anyFrozen || a.IsFrozen
		}
		switch {
		case blocked && anyFrozen:
			return ErrAlreadyBlocked
		case !blocked && !anyFrozen:
			return ErrAlreadyUnblocked
		}
		var event lbx.Event = lbx.ClientUnblockedEvent{ClientId: clientId}
		if blocked {
			event = lbx.ClientBlockedEvent{ClientId: clientId}
		}
		_, err = s.outbox.Append(ctx, event)
		return err
	})
}

func checkUsable(a *repository.Account, currency string) error {
	if a.ClosedAt != nil {
		return ErrAccountClosed
	}
	if a.Currency != currency {
		return ErrCurrencyMismatch
	}
	return nil
}

func correlated(correlationId uuid.UUID) []lbx.AppendOption {
	if correlationId == uuid.Nil {
		return nil
	}
	return []lbx.AppendOption{lbx.WithCorrelationId(correlationId)}
}
