package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

var OutboxColumns = []string{"id", "event_id", "aggregate_type", "aggregate_id", "event_type", "payload", "occurred_at",
	"processed_at", "correlation_id", "causation_id", "retry_count", "last_error", "published_latency_ms"}

var AccountColumns = []string{"id", "owner_id", "type", "currency", "balance", "interest_rate", "is_frozen", "opened_at", "closed_at", "version"}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_ledger.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// GenerateAnyPgxArgs is the pgxmock counterpart of GenerateAnyArgsSlice.
func GenerateAnyPgxArgs(n int) []any {
	result := make([]any, n)
	for i := 0; i < n; i++ {
		result[i] = pgxmock.AnyArg()
	}
	return result
}

func MockOutboxRows(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows(OutboxColumns).
		AddRow(uuid.New(), uuid.New(), "Account", uuid.NewString(), "MoneyDebited", `{"amount":"10"}`, time.Now(), nil, uuid.New(), uuid.New(), 0, nil, nil).
		AddRow(uuid.New(), uuid.New(), "Account", uuid.NewString(), "MoneyCredited", `{"amount":"10"}`, time.Now(), nil, uuid.New(), uuid.New(), 3, "broker unavailable", nil).
		AddRow(uuid.New(), uuid.New(), "Client", uuid.NewString(), "ClientBlocked", `{"clientId":"x"}`, time.Now(), nil, uuid.New(), uuid.New(), 0, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM outbox WHERE processed_at IS NULL").WithArgs(GenerateAnyArgsSlice(2)...).WillReturnRows(rows)
	return rows
}

// MockAccountRows returns a single account row. A nil rate produces a NULL
// interest_rate column.
func MockAccountRows(id uuid.UUID, balance string, rate any, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(AccountColumns).
		AddRow(id, uuid.New(), "deposit", "EUR", balance, rate, false, time.Now(), nil, version)
}
