package gorm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/3rs4lg4d0/ledgerbox/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestNew(t *testing.T) {
	type args struct {
		txKey repository.TxKey
		db    *gorm.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    &gorm.DB{},
			},
			wantPanic: false,
		},
		{
			name: "nil txKey",
			args: args{
				db: &gorm.DB{},
			},
			wantPanic: true,
		},
		{
			name: "nil db",
			args: args{
				txKey: test.DefaultCtxKey,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() { New(tc.args.txKey, tc.args.db) })
			} else {
				assert.NotNil(t, New(tc.args.txKey, tc.args.db))
			}
		})
	}
}

func TestSave(t *testing.T) {
	record := &repository.OutboxRecord{
		Id:            uuid.New(),
		EventId:       uuid.New(),
		AggregateType: "Account",
		AggregateId:   uuid.NewString(),
		EventType:     "MoneyCredited",
		Payload:       []byte(`{"amount":"10"}`),
		OccurredAt:    time.Now(),
		CorrelationId: uuid.New(),
		CausationId:   uuid.New(),
	}
	testcases := []struct {
		name             string
		withTx           bool
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name:   "valid context and valid record",
			withTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(9)...).WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantErr: false,
		},
		{
			name:       "context without an existing transaction",
			withTx:     false,
			wantErr:    true,
			wantErrMsg: "an open transaction was expected in the context: a *gorm.DB transaction was expected",
		},
		{
			name:   "simulate error when saving",
			withTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(9)...).WillReturnError(errors.New("error#1"))
			},
			wantErr:    true,
			wantErrMsg: "could not persist the outbox record: error#1",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			if tc.mockExpectations != nil {
				tc.mockExpectations(mock)
			}
			ctx := context.Background()
			if tc.withTx {
				ctx = context.WithValue(ctx, test.DefaultCtxKey, repo.db.Begin())
			}
			err := repo.Save(ctx, record)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			} else {
				assert.NoError(t, err)
			}
			if !tc.withTx {
				assert.ErrorIs(t, err, repository.ErrTransactionExpected)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkConsumedRequiresTransaction(t *testing.T) {
	repo, _ := createSqlMockRepository()
	err := repo.MarkConsumed(context.Background(), uuid.New(), "antifraud")
	assert.ErrorIs(t, err, repository.ErrTransactionExpected)
}

func TestWithinTransaction(t *testing.T) {
	testcases := []struct {
		name             string
		fn               func(ctx context.Context) error
		outerTx          bool
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          bool
	}{
		{
			name: "commit when the function succeeds",
			fn:   func(ctx context.Context) error { return nil },
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectCommit()
			},
		},
		{
			name: "rollback when the function fails",
			fn:   func(ctx context.Context) error { return errors.New("error#2") },
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectRollback()
			},
			wantErr: true,
		},
		{
			name:    "join the transaction already present in the context",
			fn:      func(ctx context.Context) error { return nil },
			outerTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			ctx := context.Background()
			if tc.outerTx {
				ctx = context.WithValue(ctx, test.DefaultCtxKey, repo.db.Begin())
			}
			var sawTx bool
			err := repo.WithinTransaction(ctx, func(ctx context.Context) error {
				_, sawTx = repo.tx(ctx)
				return tc.fn(ctx)
			})
			test.AssertError(t, err, tc.wantErr)
			assert.True(t, sawTx)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFindPending(t *testing.T) {
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantRecords      int
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name: "pending records found",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockOutboxRows(mock)
			},
			wantRecords: 3,
		},
		{
			name: "simulate error when querying",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM outbox WHERE processed_at IS NULL").WithArgs(50, 20).WillReturnError(errors.New("error#3"))
			},
			wantErr:    true,
			wantErrMsg: "error#3",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			records, err := repo.FindPending(context.Background(), 20, 50)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
				return
			}
			assert.NoError(t, err)
			assert.Len(t, records, tc.wantRecords)
			assert.Equal(t, 3, records[1].RetryCount)
			assert.Equal(t, "broker unavailable", *records[1].LastError)
			assert.Nil(t, records[0].LastError)
		})
	}
}

func TestMarkProcessed(t *testing.T) {
	id := uuid.New()
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name: "record updated",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE outbox SET processed_at.+").WithArgs(test.GenerateAnyArgsSlice(3)...).WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "record not found",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE outbox SET processed_at.+").WithArgs(test.GenerateAnyArgsSlice(3)...).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr:    true,
			wantErrMsg: fmt.Sprintf("outbox record '%s' not found", id),
		},
		{
			name: "simulate error when updating",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE outbox SET processed_at.+").WithArgs(test.GenerateAnyArgsSlice(3)...).WillReturnError(errors.New("error#4"))
			},
			wantErr:    true,
			wantErrMsg: "error#4",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			err := repo.MarkProcessed(context.Background(), id, time.Now(), 12)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetAccount(t *testing.T) {
	id := uuid.New()
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantRate         *decimal.Decimal
		wantErr          error
	}{
		{
			name: "account with interest rate",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id=.+").WithArgs(id).WillReturnRows(test.MockAccountRows(id, "100.00", "1.5", 901))
			},
			wantRate: func() *decimal.Decimal { d := decimal.RequireFromString("1.5"); return &d }(),
		},
		{
			name: "account without interest rate",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id=.+").WithArgs(id).WillReturnRows(test.MockAccountRows(id, "100.00", nil, 901))
			},
		},
		{
			name: "account not found",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id=.+").WithArgs(id).WillReturnRows(sqlmock.NewRows(test.AccountColumns))
			},
			wantErr: repository.ErrAccountNotFound,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			a, err := repo.GetAccount(context.Background(), id)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, id, a.Id)
			assert.Equal(t, uint32(901), a.Version)
			assert.True(t, decimal.RequireFromString("100").Equal(a.Balance))
			if tc.wantRate == nil {
				assert.Nil(t, a.InterestRate)
			} else {
				assert.True(t, tc.wantRate.Equal(*a.InterestRate))
			}
		})
	}
}

func TestUpdateAccount(t *testing.T) {
	const updateSqlRegEx string = "UPDATE accounts SET balance.+"
	// xmin is compared as text against the version read before the update
	updateArgs := append(test.GenerateAnyArgsSlice(5), "1000")
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantVersion      uint32
		wantErr          error
	}{
		{
			name: "version matches",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(updateSqlRegEx).WithArgs(updateArgs...).WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1001))
			},
			wantVersion: 1001,
		},
		{
			name: "version changed by a concurrent transaction",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(updateSqlRegEx).WithArgs(updateArgs...).WillReturnRows(sqlmock.NewRows([]string{"version"}))
				mock.ExpectQuery("SELECT EXISTS.+").WithArgs(sqlmock.AnyArg()).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			},
			wantVersion: 1000,
			wantErr:     repository.ErrConcurrencyConflict,
		},
		{
			name: "account not found",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(updateSqlRegEx).WithArgs(updateArgs...).WillReturnRows(sqlmock.NewRows([]string{"version"}))
				mock.ExpectQuery("SELECT EXISTS.+").WithArgs(sqlmock.AnyArg()).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantVersion: 1000,
			wantErr:     repository.ErrAccountNotFound,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			a := &repository.Account{Id: uuid.New(), Balance: decimal.NewFromInt(10), Version: 1000}
			err := repo.UpdateAccount(context.Background(), a)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantVersion, a.Version)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAccrueInterest(t *testing.T) {
	id := uuid.New()
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantAmount       string
	}{
		{
			name: "interest accrued",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("UPDATE accounts a SET balance.+").WithArgs(id).
					WillReturnRows(sqlmock.NewRows([]string{"before_balance", "after_balance", "version"}).AddRow("200", "202", 77))
			},
			wantAmount: "2",
		},
		{
			name: "account without interest rate is returned unchanged",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("UPDATE accounts a SET balance.+").WithArgs(id).
					WillReturnRows(sqlmock.NewRows([]string{"before_balance", "after_balance", "version"}))
				mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id=.+").WithArgs(id).WillReturnRows(test.MockAccountRows(id, "200", nil, 76))
			},
			wantAmount: "0",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			accrual, err := repo.AccrueInterest(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, id, accrual.AccountId)
			assert.True(t, decimal.RequireFromString(tc.wantAmount).Equal(accrual.Amount()))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSetFrozenByOwner(t *testing.T) {
	repo, mock := createSqlMockRepository()
	mock.ExpectExec("UPDATE accounts SET is_frozen.+").WithArgs(true, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := repo.SetFrozenByOwner(context.Background(), uuid.New(), true)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDeadLetter(t *testing.T) {
	repo, mock := createSqlMockRepository()
	mock.ExpectExec("INSERT INTO inbox_dead_letters.+ON CONFLICT.+").WithArgs(test.GenerateAnyArgsSlice(5)...).
		WillReturnError(errors.New("error#5"))
	err := repo.SaveDeadLetter(context.Background(), &repository.DeadLetter{MessageId: uuid.New(), Handler: "audit"})
	assert.EqualError(t, err, "could not persist the dead letter: error#5")
}

func createSqlMockRepository() (*Repository, sqlmock.Sqlmock) {
	db, mock, _ := sqlmock.New()
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	repository := New(test.DefaultCtxKey, gormDB)
	repository.SetLogger(&logger.NopLogger{})
	return repository, mock
}
