package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheikh-saqib/iolta-trust-ledger/internal/app"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/config"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/logger"
	httptransport "github.com/sheikh-saqib/iolta-trust-ledger/internal/transport/http"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal("failed to start ledger", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to release resources", zap.Error(err))
		}
	}()

	handler := httptransport.NewHandler(a.Service, a.Reporter,
		httptransport.WithHealthChecker(a),
		httptransport.WithLogger(log.Named("http")),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           httptransport.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("database_driver", cfg.Database.Driver),
			zap.Bool("kafka_enabled", cfg.Kafka.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	log.Info("server exited")
}
