package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/config"
	eventskafka "github.com/sheikh-saqib/iolta-trust-ledger/internal/events/kafka"
	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/iolta"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/ledger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models/events"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/reconciliation"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/storage/postgres"
	"go.uber.org/zap"
)

// App holds the ledger components built from one configuration.
type App struct {
	Store    interfaces.LedgerStore
	Poster   *ledger.Poster
	Reporter *reconciliation.Reporter
	Service  *iolta.Service

	// DB is nil for the memory driver.
	DB      *sql.DB
	closers []func() error
}

// New wires the store, event publisher and ledger components selected by cfg.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{}

	switch cfg.Database.Driver {
	case "postgres":
		db, err := OpenDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		if cfg.Database.MigrateOnStart {
			if err := Migrate(ctx, cfg.Database, log); err != nil {
				_ = a.Close()
				return nil, err
			}
		}
		a.Store = postgres.NewPostgresLedgerStore(db)
	default:
		log.Warn("using in-memory ledger store, data is lost on exit")
		a.Store = memory.NewMemoryLedgerStore()
	}

	var publisher interfaces.EventPublisher
	if cfg.Kafka.Enabled {
		p, err := eventskafka.NewPublisher(cfg.Kafka.Brokers, map[string]string{
			events.TopicTransactionPosted:         cfg.Kafka.TransactionPostedTopic,
			events.TopicReconciliationDiscrepancy: cfg.Kafka.DiscrepancyTopic,
		}, log)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		publisher = p
	} else {
		log.Info("kafka disabled, ledger events are not published")
	}

	a.Poster = ledger.NewPoster(a.Store,
		ledger.WithPublisher(publisher),
		ledger.WithLogger(log.Named("poster")),
		ledger.WithMaxAttempts(cfg.Ledger.MaxPostAttempts),
	)
	a.Reporter = reconciliation.NewReporter(a.Store,
		reconciliation.WithPublisher(publisher),
		reconciliation.WithLogger(log.Named("reconciliation")),
		reconciliation.WithRecentLimit(cfg.Ledger.RecentTransactionsLimit),
	)
	a.Service = iolta.NewService(a.Store, a.Poster, a.Reporter,
		iolta.WithLogger(log.Named("iolta")),
		iolta.WithMaxAttempts(cfg.Ledger.MaxPostAttempts),
	)
	return a, nil
}

// Ping checks the database when there is one.
func (a *App) Ping(ctx context.Context) error {
	if pg, ok := a.Store.(*postgres.PostgresLedgerStore); ok {
		return pg.Ping(ctx)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenDB opens and pings a lib/pq pool sized from cfg.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate applies pending migrations over a dedicated connection, since the
// migrator closes the pool it is given.
func Migrate(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) error {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	m, err := postgres.NewMigrator(db, log.Named("migrate"))
	if err != nil {
		_ = db.Close()
		return err
	}
	defer m.Close()
	return m.Up()
}
