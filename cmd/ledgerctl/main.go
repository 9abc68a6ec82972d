package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheikh-saqib/iolta-trust-ledger/internal/app"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/config"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/iolta"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/logger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/reconciliation"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/storage/postgres"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	log, err := logger.New(&logger.Config{Level: logLevel, Format: "console", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "migrate":
		err = runMigrate(ctx, cfg, log, args[1:])
	case "recompute":
		err = runRecompute(ctx, cfg, log, args[1:])
	case "reconcile":
		err = runReconcile(ctx, cfg, log, args[1:])
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("command failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

func runMigrate(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ledgerctl migrate up|down|version")
	}
	db, err := app.OpenDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	m, err := postgres.NewMigrator(db, log)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer m.Close()

	switch args[0] {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		if version == 0 {
			log.Info("no migrations applied")
			return nil
		}
		log.Info("current migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		if dirty {
			log.Warn("database is in a dirty state, manual intervention may be required")
		}
		return nil
	default:
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
}

func runRecompute(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("recompute", flag.ContinueOnError)
	apply := fs.Bool("apply", false, "Rewrite drifted cached balances")
	bank := fs.String("bank-balance", "", "Balance asserted by the bank statement")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	bankBalance, err := parseDecimal(*bank)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Service.RecomputeAndReconcile(ctx, id, iolta.RecomputeOptions{Apply: *apply, BankBalance: bankBalance})
	if err != nil {
		return err
	}
	if !result.Healthy() && !result.Applied {
		log.Warn("drift found, rerun with -apply to rewrite cached balances")
	}
	return printJSON(result)
}

func runReconcile(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	bank := fs.String("bank-balance", "", "Balance asserted by the bank statement")
	asOf := fs.String("as-of", "", "Upper bound (RFC3339) for the recent transaction list")
	limit := fs.Int("limit", 0, "Number of recent transactions to include")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}

	req := reconciliation.ReconcileRequest{TrustAccountID: id, RecentLimit: *limit}
	if req.BankBalance, err = parseDecimal(*bank); err != nil {
		return err
	}
	if *asOf != "" {
		if req.AsOf, err = time.Parse(time.RFC3339, *asOf); err != nil {
			return fmt.Errorf("invalid -as-of: %w", err)
		}
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Reporter.Reconcile(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(report)
}

// parseWithID accepts the trust account id before or after the flags.
func parseWithID(fs *flag.FlagSet, args []string) (string, error) {
	var id string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		id, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		return "", fmt.Errorf("usage: ledgerctl %s <trust-account-id> [flags]", fs.Name())
	}
	return id, nil
}

func parseDecimal(v string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", v, err)
	}
	return &d, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `IOLTA ledger maintenance

Usage:
  ledgerctl [flags] <command> [arguments]

Commands:
  migrate up              Apply all pending migrations
  migrate down            Roll back all migrations
  migrate version         Show the current migration version
  recompute <id> [-apply] [-bank-balance X]
                          Replay every client ledger of a trust account and reconcile it
  reconcile <id> [-bank-balance X] [-as-of T] [-limit N]
                          Print the reconciliation report of a trust account

Flags:
  -log-level string       Log level (debug, info, warn, error) (default "info")

Configuration is read from IOLTA_* environment variables and .env.`)
}
