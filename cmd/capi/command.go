package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aixcc-sc/capi/capi/config"
	"github.com/aixcc-sc/capi/capi/db"
	"github.com/aixcc-sc/capi/capi/flatfile"
	"github.com/aixcc-sc/capi/capi/tracing"
)

type CapiCommand struct {
	Version func() `short:"v" long:"version" description:"Print the version of cAPI and exit"`

	Web        WebCommand        `command:"web"        description:"Run the competitor-facing API server."`
	Worker     WorkerCommand     `command:"worker"     description:"Run a scoring worker."`
	Background BackgroundCommand `command:"background" description:"Run the audit and results receivers."`
	Migrate    MigrateCommand    `command:"migrate"    description:"Run database migrations and exit."`
}

func newLogger(component string) lager.Logger {
	logger := lager.NewLogger(component)
	logger.RegisterSink(lager.NewWriterSink(os.Stdout, lager.INFO))
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func redisClient(cfg *config.Config) redis.UniversalClient {
	opts := &redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	}
	if cfg.Redis.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

func openDatabase(ctx context.Context, logger lager.Logger, cfg *config.Config, migrate bool) (*db.DB, error) {
	database, err := db.Open(logger, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	if migrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, err
		}
	}
	return database, nil
}

// preloadTokens upserts the configured credentials so the service comes up
// with its teams already able to authenticate.
func preloadTokens(ctx context.Context, logger lager.Logger, cfg *config.Config, database *db.DB) error {
	admins := map[string]bool{}
	for _, id := range cfg.Auth.Admins {
		admins[id] = true
	}

	for id, secret := range cfg.Auth.Preload {
		tokenID, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("parsing token id %q: %w", id, err)
		}
		if err := database.UpsertToken(ctx, tokenID, secret, admins[id]); err != nil {
			return err
		}
		logger.Info("preloaded-token", lager.Data{"id": id, "admin": admins[id]})
	}
	return nil
}

func azureEndpoint(cfg config.Azure) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
}

func buildStore(logger lager.Logger, cfg *config.Config) (*flatfile.Store, *flatfile.AzureClient, error) {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	store, err := flatfile.New(logger, cfg.FlatfileDir, tempDir, nil)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Azure.AccountName == "" {
		return store, nil, nil
	}

	azure, err := flatfile.NewAzureClient(logger, cfg.Azure.AccountName, cfg.Azure.AccountKey, azureEndpoint(cfg.Azure))
	if err != nil {
		return nil, nil, err
	}
	return store, azure, nil
}

func configureMetrics(logger lager.Logger, cfg tracing.MetricsConfig) (func(context.Context) error, error) {
	mp, shutdown, err := cfg.MeterProvider()
	if err != nil {
		return nil, fmt.Errorf("configuring metrics: %w", err)
	}
	if mp == nil {
		return func(context.Context) error { return nil }, nil
	}

	tracing.ConfigureMeterProvider(mp)
	logger.Info("metrics-configured", lager.Data{"otlp-address": cfg.OTLPAddress})
	return shutdown, nil
}
