package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/google/uuid"
)

type txKey struct{}

type inboxKey struct {
	messageId uuid.UUID
	handler   string
}

type state struct {
	outbox       []*repository.OutboxRecord
	consumed     map[inboxKey]time.Time
	deadLetters  map[inboxKey]*repository.DeadLetter
	accounts     map[uuid.UUID]*repository.Account
	transactions []*repository.Transaction
}

func newState() state {
	return state{
		consumed:    map[inboxKey]time.Time{},
		deadLetters: map[inboxKey]*repository.DeadLetter{},
		accounts:    map[uuid.UUID]*repository.Account{},
	}
}

func (s state) clone() state {
	c := newState()
	for _, o := range s.outbox {
		c.outbox = append(c.outbox, copyOutbox(o))
	}
	for k, v := range s.consumed {
		c.consumed[k] = v
	}
	for k, v := range s.deadLetters {
		dl := *v
		c.deadLetters[k] = &dl
	}
	for k, v := range s.accounts {
		c.accounts[k] = copyAccount(v)
	}
	for _, t := range s.transactions {
		tx := *t
		c.transactions = append(c.transactions, &tx)
	}
	return c
}

// Store is an in-memory implementation of repository.Store. Transactions are
// serialized and rolled back by restoring a snapshot, which is enough for
// local runs and for exercising the outbox and inbox flows in tests. Row
// versions emulate a database wide transaction counter.
type Store struct {
	mu       sync.Mutex
	data     state
	version  uint32
	failures map[string]error
	logger   logger.Logger
}

var _ repository.Store = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New() *Store {
	return &Store{
		data:     newState(),
		version:  1,
		failures: map[string]error{},
		logger:   &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	s.logger = l
}

// FailNext makes the next call to the named operation (e.g. "Save") return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *Store) fail(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// run executes fn holding the store lock unless ctx already carries a
// transaction of this store, in which case the lock is already held.
func (s *Store) run(ctx context.Context, op string, fn func() error) error {
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if err := s.fail(op); err != nil {
		return err
	}
	return fn()
}

func (s *Store) nextVersion() uint32 {
	s.version++
	return s.version
}

// WithinTransaction runs fn in a serialized transaction. Nested calls join
// the outer transaction.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Begin"); err != nil {
		return err
	}
	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.data = snapshot
		s.logger.Debug(fmt.Sprintf("in-memory transaction rolled back: %s", err))
		return err
	}
	if err := s.fail("Commit"); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Ping always succeeds unless a failure was injected.
func (s *Store) Ping(ctx context.Context) error {
	return s.run(ctx, "Ping", func() error { return nil })
}

// Save persists an outbox record in the transaction carried by ctx.
func (s *Store) Save(ctx context.Context, o *repository.OutboxRecord) error {
	if !s.inTx(ctx) {
		return repository.ErrTransactionExpected
	}
	return s.run(ctx, "Save", func() error {
		for _, existing := range s.data.outbox {
			if existing.EventId == o.EventId {
				return fmt.Errorf("could not persist the outbox record: duplicated event id %s", o.EventId)
			}
		}
		s.data.outbox = append(s.data.outbox, copyOutbox(o))
		return nil
	})
}

func (s *Store) FindPending(ctx context.Context, limit int, maxRetries int) ([]*repository.OutboxRecord, error) {
	var result []*repository.OutboxRecord
	err := s.run(ctx, "FindPending", func() error {
		for _, o := range s.data.outbox {
			if o.ProcessedAt == nil && o.RetryCount < maxRetries {
				result = append(result, copyOutbox(o))
			}
		}
		sort.SliceStable(result, func(i, j int) bool {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		})
		if limit > 0 && len(result) > limit {
			result = result[:limit]
		}
		return nil
	})
	return result, err
}

func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time, latencyMs int64) error {
	return s.run(ctx, "MarkProcessed", func() error {
		o := s.findOutbox(id)
		if o == nil {
			return fmt.Errorf("outbox record '%s' not found", id)
		}
		o.ProcessedAt = &processedAt
		o.PublishedLatencyMs = &latencyMs
		o.RetryCount = 0
		return nil
	})
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	return s.run(ctx, "MarkFailed", func() error {
		o := s.findOutbox(id)
		if o == nil {
			return fmt.Errorf("outbox record '%s' not found", id)
		}
		o.RetryCount = retryCount
		o.LastError = &lastError
		return nil
	})
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.run(ctx, "CountPending", func() error {
		for _, o := range s.data.outbox {
			if o.ProcessedAt == nil {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) findOutbox(id uuid.UUID) *repository.OutboxRecord {
	for _, o := range s.data.outbox {
		if o.Id == id {
			return o
		}
	}
	return nil
}

func (s *Store) IsConsumed(ctx context.Context, messageId uuid.UUID, handler string) (bool, error) {
	var found bool
	err := s.run(ctx, "IsConsumed", func() error {
		_, found = s.data.consumed[inboxKey{messageId, handler}]
		return nil
	})
	return found, err
}

func (s *Store) MarkConsumed(ctx context.Context, messageId uuid.UUID, handler string) error {
	if !s.inTx(ctx) {
		return repository.ErrTransactionExpected
	}
	return s.run(ctx, "MarkConsumed", func() error {
		k := inboxKey{messageId, handler}
		if _, ok := s.data.consumed[k]; ok {
			return fmt.Errorf("message '%s' already consumed by '%s'", messageId, handler)
		}
		s.data.consumed[k] = time.Now().UTC()
		return nil
	})
}

func (s *Store) SaveDeadLetter(ctx context.Context, dl *repository.DeadLetter) error {
	return s.run(ctx, "SaveDeadLetter", func() error {
		k := inboxKey{dl.MessageId, dl.Handler}
		if _, ok := s.data.deadLetters[k]; ok {
			return nil
		}
		c := *dl
		s.data.deadLetters[k] = &c
		return nil
	})
}

func (s *Store) CreateAccount(ctx context.Context, a *repository.Account) error {
	return s.run(ctx, "CreateAccount", func() error {
		if _, ok := s.data.accounts[a.Id]; ok {
			return fmt.Errorf("account '%s' already exists", a.Id)
		}
		a.Version = s.nextVersion()
		s.data.accounts[a.Id] = copyAccount(a)
		return nil
	})
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*repository.Account, error) {
	var result *repository.Account
	err := s.run(ctx, "GetAccount", func() error {
		a, ok := s.data.accounts[id]
		if !ok {
			return repository.ErrAccountNotFound
		}
		result = copyAccount(a)
		return nil
	})
	return result, err
}

func (s *Store) ListAccountsByOwner(ctx context.Context, ownerId uuid.UUID) ([]*repository.Account, error) {
	return s.listAccounts(ctx, "ListAccountsByOwner", func(a *repository.Account) bool {
		return a.OwnerId == ownerId
	})
}

func (s *Store) ListDepositAccounts(ctx context.Context) ([]*repository.Account, error) {
	return s.listAccounts(ctx, "ListDepositAccounts", func(a *repository.Account) bool {
		return a.Type == repository.Deposit && a.InterestRate != nil && a.ClosedAt == nil
	})
}

func (s *Store) listAccounts(ctx context.Context, op string, filter func(*repository.Account) bool) ([]*repository.Account, error) {
	var result []*repository.Account
	err := s.run(ctx, op, func() error {
		for _, a := range s.data.accounts {
			if filter(a) {
				result = append(result, copyAccount(a))
			}
		}
		sort.Slice(result, func(i, j int) bool {
			return result[i].OpenedAt.Before(result[j].OpenedAt)
		})
		return nil
	})
	return result, err
}

func (s *Store) UpdateAccount(ctx context.Context, a *repository.Account) error {
	return s.run(ctx, "UpdateAccount", func() error {
		stored, ok := s.data.accounts[a.Id]
		if !ok {
			return repository.ErrAccountNotFound
		}
		if stored.Version != a.Version {
			return repository.ErrConcurrencyConflict
		}
		stored.Balance = a.Balance
		stored.IsFrozen = a.IsFrozen
		stored.ClosedAt = a.ClosedAt
		stored.InterestRate = a.InterestRate
		stored.Version = s.nextVersion()
		a.Version = stored.Version
		return nil
	})
}

func (s *Store) SetFrozenByOwner(ctx context.Context, ownerId uuid.UUID, frozen bool) (int64, error) {
	var n int64
	err := s.run(ctx, "SetFrozenByOwner", func() error {
		for _, a := range s.data.accounts {
			if a.OwnerId == ownerId {
				a.IsFrozen = frozen
				a.Version = s.nextVersion()
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) AccrueInterest(ctx context.Context, id uuid.UUID) (*repository.InterestAccrual, error) {
	var result *repository.InterestAccrual
	err := s.run(ctx, "AccrueInterest", func() error {
		a, ok := s.data.accounts[id]
		if !ok {
			return repository.ErrAccountNotFound
		}
		before := a.Balance
		if a.InterestRate != nil {
			a.Balance = a.Balance.Add(a.Balance.Mul(*a.InterestRate).Div(hundred))
			a.Version = s.nextVersion()
		}
		result = &repository.InterestAccrual{AccountId: id, Before: before, After: a.Balance, Version: a.Version}
		return nil
	})
	return result, err
}

func (s *Store) AddTransaction(ctx context.Context, t *repository.Transaction) error {
	return s.run(ctx, "AddTransaction", func() error {
		c := *t
		s.data.transactions = append(s.data.transactions, &c)
		return nil
	})
}

func (s *Store) ListTransactions(ctx context.Context, accountId uuid.UUID) ([]*repository.Transaction, error) {
	var result []*repository.Transaction
	err := s.run(ctx, "ListTransactions", func() error {
		for _, t := range s.data.transactions {
			if t.AccountId == accountId {
				c := *t
				result = append(result, &c)
			}
		}
		return nil
	})
	return result, err
}

// OutboxRecords returns a copy of every outbox record in insertion order.
func (s *Store) OutboxRecords() []*repository.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*repository.OutboxRecord
	for _, o := range s.data.outbox {
		result = append(result, copyOutbox(o))
	}
	return result
}

// DeadLetters returns a copy of every stored dead letter.
func (s *Store) DeadLetters() []*repository.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*repository.DeadLetter
	for _, dl := range s.data.deadLetters {
		c := *dl
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})
	return result
}

// ConsumedCount returns the number of inbox markers stored for handler.
func (s *Store) ConsumedCount(handler string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.data.consumed {
		if k.handler == handler {
			n++
		}
	}
	return n
}
