//go:build integration

package gorm

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/3rs4lg4d0/ledgerbox/test"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var integrationRepo *Repository

// TestMain starts a containerized Postgres instance with the ledger schema.
func TestMain(m *testing.M) {
	ctx := context.Background()

	database, err := test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err := database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		panic("failed to connect to database")
	}
	integrationRepo = New(test.DefaultCtxKey, db)

	code := m.Run()

	if err := database.Terminate(ctx); err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func TestIntegrationOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	record := &repository.OutboxRecord{
		Id:            uuid.New(),
		EventId:       uuid.New(),
		AggregateType: "Account",
		AggregateId:   uuid.NewString(),
		EventType:     "MoneyCredited",
		Payload:       []byte(`{"amount":"10.00"}`),
		OccurredAt:    time.Now().UTC(),
		CorrelationId: uuid.New(),
		CausationId:   uuid.New(),
	}
	err := integrationRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		return integrationRepo.Save(ctx, record)
	})
	require.NoError(t, err)

	pending, err := integrationRepo.FindPending(ctx, 20, 50)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, record.Id, pending[0].Id)
	assert.Equal(t, string(record.Payload), string(pending[0].Payload))

	require.NoError(t, integrationRepo.MarkFailed(ctx, record.Id, 50, "broker unavailable"))
	pending, err = integrationRepo.FindPending(ctx, 20, 50)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, integrationRepo.MarkProcessed(ctx, record.Id, time.Now(), 15))
	n, err := integrationRepo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIntegrationOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	rate := decimal.RequireFromString("1")
	a := &repository.Account{
		Id:           uuid.New(),
		OwnerId:      uuid.New(),
		Type:         repository.Deposit,
		Currency:     "EUR",
		Balance:      decimal.NewFromInt(200),
		InterestRate: &rate,
		OpenedAt:     time.Now().UTC(),
	}
	require.NoError(t, integrationRepo.CreateAccount(ctx, a))

	stale := *a
	a.Balance = decimal.NewFromInt(150)
	require.NoError(t, integrationRepo.UpdateAccount(ctx, a))
	assert.NotEqual(t, stale.Version, a.Version)

	stale.Balance = decimal.NewFromInt(100)
	assert.ErrorIs(t, integrationRepo.UpdateAccount(ctx, &stale), repository.ErrConcurrencyConflict)

	accrual, err := integrationRepo.AccrueInterest(ctx, a.Id)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.5").Equal(accrual.Amount()))
}

func TestIntegrationInbox(t *testing.T) {
	ctx := context.Background()
	messageId := uuid.New()

	err := integrationRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		return integrationRepo.MarkConsumed(ctx, messageId, "audit")
	})
	require.NoError(t, err)

	consumed, err := integrationRepo.IsConsumed(ctx, messageId, "audit")
	require.NoError(t, err)
	assert.True(t, consumed)
	consumed, err = integrationRepo.IsConsumed(ctx, messageId, "antifraud")
	require.NoError(t, err)
	assert.False(t, consumed)

	dl := &repository.DeadLetter{MessageId: messageId, Handler: "antifraud", Payload: []byte("{}"), Error: "boom", ReceivedAt: time.Now()}
	require.NoError(t, integrationRepo.SaveDeadLetter(ctx, dl))
	require.NoError(t, integrationRepo.SaveDeadLetter(ctx, dl))
}
