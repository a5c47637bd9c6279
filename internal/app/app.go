package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/3rs4lg4d0/ledgerbox/config"
	"github.com/3rs4lg4d0/ledgerbox/emitter"
	kafkaemitter "github.com/3rs4lg4d0/ledgerbox/emitter/kafka"
	"github.com/3rs4lg4d0/ledgerbox/emitter/rabbitmq"
	"github.com/3rs4lg4d0/ledgerbox/internal/ledger"
	"github.com/3rs4lg4d0/ledgerbox/internal/probe"
	"github.com/3rs4lg4d0/ledgerbox/lbx"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	logruslog "github.com/3rs4lg4d0/ledgerbox/logger/logrus"
	zerologlog "github.com/3rs4lg4d0/ledgerbox/logger/zerolog"
	tallym "github.com/3rs4lg4d0/ledgerbox/metrics/tally"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	gormrepo "github.com/3rs4lg4d0/ledgerbox/repository/gorm"
	"github.com/3rs4lg4d0/ledgerbox/repository/memory"
	"github.com/3rs4lg4d0/ledgerbox/repository/pgxv5"
	sqlrepo "github.com/3rs4lg4d0/ledgerbox/repository/sql"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type txKey struct{}

// App holds the wired runtime of the account service: the store, the broker
// clients, the outbox dispatcher, the inbox consumers and the probe server.
type App struct {
	cfg        *config.Config
	logger     logger.Logger
	store      repository.Store
	publisher  emitter.Publisher
	subscriber emitter.Subscriber
	registry   *tallym.Registry
	metrics    http.Handler
	closers    []func() error

	Ledger *ledger.Service
}

// New builds every component from the configuration. Nothing is started
// until Run is called.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, logger: newLogger(cfg.Log)}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	logger.Inject(a.named("store"), store)

	if err := a.openBroker(); err != nil {
		a.Close()
		return nil, err
	}

	registry, handler, closer := tallym.NewPrometheusRegistry(cfg.Probe.MetricsPrefix, cfg.Probe.ReportEvery)
	a.registry, a.metrics = registry, handler
	a.closers = append(a.closers, closer.Close)

	writer := lbx.NewWriter(store, lbx.WithLogger(a.named("outbox")))
	a.Ledger = ledger.NewService(store, writer, ledger.WithLogger(a.named("ledger")))
	return a, nil
}

func newLogger(cfg config.Log) logger.Logger {
	if cfg.Backend == config.LogBackendLogrus {
		l := logrus.New()
		if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
			l.SetLevel(lvl)
		}
		if !strings.EqualFold(cfg.Format, "console") {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return logruslog.New(l)
	}
	return zerologlog.New(cfg.Level, cfg.Format)
}

// named returns the logger of a component.
func (a *App) named(component string) logger.Logger {
	switch l := a.logger.(type) {
	case *zerologlog.Logger:
		return l.With(component)
	case *logruslog.Logger:
		return l.With(component)
	default:
		return l
	}
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	switch a.cfg.DB.Driver {
	case config.StoreDriverMemory:
		a.logger.Warn("using the in-memory store, data will not survive a restart")
		return memory.New(), nil
	case config.StoreDriverSql:
		db, err := sql.Open("pgx", a.cfg.DB.URL)
		if err != nil {
			return nil, fmt.Errorf("app - openStore - sql.Open: %w", err)
		}
		db.SetMaxOpenConns(int(a.cfg.DB.PoolMax))
		a.closers = append(a.closers, db.Close)
		return sqlrepo.New(txKey{}, db, true), nil
	case config.StoreDriverGorm:
		db, err := gorm.Open(gormpg.Open(a.cfg.DB.URL), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("app - openStore - gorm.Open: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("app - openStore - gorm.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(int(a.cfg.DB.PoolMax))
		a.closers = append(a.closers, sqlDB.Close)
		return gormrepo.New(txKey{}, db), nil
	default:
		poolCfg, err := pgxpool.ParseConfig(a.cfg.DB.URL)
		if err != nil {
			return nil, fmt.Errorf("app - openStore - pgxpool.ParseConfig: %w", err)
		}
		poolCfg.MaxConns = a.cfg.DB.PoolMax
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("app - openStore - pgxpool.NewWithConfig: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		return pgxv5.New(txKey{}, pool), nil
	}
}

func (a *App) openBroker() error {
	if a.cfg.Broker.Kind == config.BrokerKafka {
		producer, err := kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  strings.Join(a.cfg.Kafka.Brokers, ","),
			"acks":               "all",
			"enable.idempotence": true,
		})
		if err != nil {
			return fmt.Errorf("app - openBroker - kafka.NewProducer: %w", err)
		}
		a.publisher = kafkaemitter.New(producer, a.cfg.Kafka.TopicPrefix)
		logger.Inject(a.named("kafka"), a.publisher)
		a.closers = append(a.closers, a.publisher.Close)
		return nil
	}

	publisher := rabbitmq.NewPublisher(rabbitmq.NewConnection(a.cfg.RabbitMQ.URL), a.cfg.RabbitMQ.Exchange)
	subscriber := rabbitmq.NewSubscriber(rabbitmq.NewConnection(a.cfg.RabbitMQ.URL))
	logger.Inject(a.named("rabbitmq"), publisher, subscriber)
	a.publisher, a.subscriber = publisher, subscriber
	a.closers = append(a.closers, publisher.Close)
	return nil
}

// Run starts the dispatcher, the inbox consumers and the probe server and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.publisher.Initialize(ctx); err != nil {
		// the dispatcher keeps retrying while the broker is unreachable
		a.logger.Error("publisher initialization failed", err)
	}

	health := lbx.NewHealthChecker(a.store, a.publisher,
		lbx.WithLogger(a.named("health")),
		lbx.WithPendingGauge(a.registry.Gauge("outbox", "pending")),
		lbx.WithPendingWarningThreshold(a.cfg.Outbox.PendingWarning),
	)
	server := probe.NewServer(a.cfg.Probe.Addr, probe.NewRouter(health, a.metrics, a.named("probe")))
	logger.Inject(a.named("probe"), server)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher().Run(ctx)
	})
	for _, c := range a.consumers() {
		c := c
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	g.Go(func() error {
		return server.Run(ctx)
	})
	return g.Wait()
}

func (a *App) dispatcher() *lbx.Dispatcher {
	return lbx.NewDispatcher(a.cfg.DispatcherSettings(), a.store, a.publisher,
		lbx.WithLogger(a.named(lbx.DispatcherHandler)),
		lbx.WithCounters(
			a.registry.Counter(lbx.DispatcherHandler, "published"),
			a.registry.Counter(lbx.DispatcherHandler, "failed"),
		),
		lbx.WithDeadLetterCounter(a.registry.Counter(lbx.DispatcherHandler, "dead_lettered")),
		lbx.WithLatencyTimer(a.registry.Timer(lbx.DispatcherHandler, "publish_latency")),
	)
}

func (a *App) consumers() []*lbx.Consumer {
	if !a.cfg.Inbox.Enabled || a.subscriber == nil {
		return nil
	}
	handlers := []lbx.InboxHandler{
		lbx.NewAntifraudHandler(a.cfg.RabbitMQ.Exchange, a.store),
		lbx.NewAuditHandler(a.cfg.RabbitMQ.Exchange),
	}
	var result []*lbx.Consumer
	for _, h := range handlers {
		result = append(result, lbx.NewConsumer(h, a.subscriber, a.store, a.cfg.ConsumerSettings(),
			lbx.WithLogger(a.named(h.Name)),
			lbx.WithCounters(
				a.registry.Counter(h.Name, "applied"),
				a.registry.Counter(h.Name, "failed"),
			),
			lbx.WithDeadLetterCounter(a.registry.Counter(h.Name, "dead_lettered")),
		))
	}
	return result
}

// Close releases every opened resource in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("app - Close", err)
		}
	}
	a.closers = nil
}
