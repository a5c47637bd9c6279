package lbx

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/emitter"
	"github.com/3rs4lg4d0/ledgerbox/logger"
)

// HealthStore is the storage needed by the health checker.
type HealthStore interface {
	Ping(ctx context.Context) error
	CountPending(ctx context.Context) (int64, error)
}

// HealthReport is the state exposed to readiness probes.
type HealthReport struct {
	BrokerConnected   bool      `json:"brokerConnected"`
	DatabaseConnected bool      `json:"databaseConnected"`
	OutboxPending     int64     `json:"outboxPending"`
	Warning           string    `json:"warning,omitempty"`
	CheckedAt         time.Time `json:"checkedAt"`
}

// Ready reports whether both the broker and the database are reachable.
func (h HealthReport) Ready() bool {
	return h.BrokerConnected && h.DatabaseConnected
}

// HealthChecker reports broker liveness and the outbox backlog.
type HealthChecker struct {
	store     HealthStore
	publisher emitter.Publisher
	logger    logger.Logger
	opts      options
}

func NewHealthChecker(store HealthStore, p emitter.Publisher, opts ...Option) *HealthChecker {
	if isNil(store) || isNil(p) {
		panic("you must provide a publisher and a store")
	}
	o := newOptions(opts)
	return &HealthChecker{
		store:     store,
		publisher: p,
		logger:    o.logger,
		opts:      o,
	}
}

// Check probes the dependencies. It never fails; problems are reported in
// the returned HealthReport.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		BrokerConnected: h.publisher.CheckConnection(ctx),
		CheckedAt:       h.opts.clock(),
	}
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("database health check failed", err)
		return report
	}
	report.DatabaseConnected = true

	pending, err := h.store.CountPending(ctx)
	if err != nil {
		h.logger.Error("could not count the pending outbox records", err)
		report.Warning = "pending outbox records could not be counted"
		return report
	}
	report.OutboxPending = pending
	h.opts.pending.Update(float64(pending))
	if pending > h.opts.pendingWarning {
		report.Warning = fmt.Sprintf("outbox backlog is high: %d pending records", pending)
		h.logger.Warn(report.Warning)
	}
	return report
}
