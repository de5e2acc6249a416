package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/accounts"
	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	httpapi "github.com/example/taxi-dispatch/internal/http"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/notify"
	"github.com/example/taxi-dispatch/internal/payments"
	"github.com/example/taxi-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatch-server", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var (
		requestStore storage.RequestStore
		driverStore  storage.DriverStore
		userStore    storage.UserStore
		cardStore    storage.CardStore
	)
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := runMigrations(db); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		requestStore = storage.NewPostgresRequestStore(db)
		driverStore = storage.NewPostgresDriverStore(db)
		userStore = storage.NewPostgresUserStore(db)
		cardStore = storage.NewPostgresCardStore(db)
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		requestStore = storage.NewMemoryRequestStore()
		driverStore = storage.NewMemoryDriverStore()
		userStore = storage.NewMemoryUserStore()
		cardStore = storage.NewMemoryCardStore()
	}

	var journal dispatch.Journal
	if len(cfg.KafkaBrokers) > 0 {
		kj := ingest.NewJournal(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kj.Close()
		journal = kj
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	}

	broadcaster := notify.NewBroadcaster(logger)
	registry := dispatch.NewRegistry(driverStore, logger)
	engine := dispatch.NewEngine(registry, requestStore, driverStore, broadcaster, journal, logger)
	accts := accounts.NewService(driverStore, userStore, &accounts.LogMailer{Logger: logger}, cfg.JWTSecret, logger)
	wallet := payments.NewWallet(cardStore, gateway, logger)

	srv := httpapi.NewServer(engine, broadcaster, accts, wallet, userStore, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	logger.Info("dispatch server stopped")
}

func runMigrations(db *sql.DB) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_schema.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
