package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/aixcc-sc/capi/capi/api"
	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/config"
	"github.com/aixcc-sc/capi/capi/queue"
	"github.com/aixcc-sc/capi/capi/registry"
	"github.com/aixcc-sc/capi/capi/tracing"
)

type WebCommand struct {
	ConfigPath string `long:"config"    env:"AIXCC_CONFIG"    default:"/etc/capi/config.yaml" description:"path to the config file"`
	BindAddr   string `long:"bind-addr" env:"AIXCC_BIND_ADDR" default:":8080"                 description:"address to listen on"`

	Metrics tracing.MetricsConfig `group:"Metrics & Diagnostics"`
}

func (cmd *WebCommand) Execute(args []string) error {
	logger := newLogger("capi-web")

	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(cmd.ConfigPath)
	if err != nil {
		return err
	}

	shutdownMetrics, err := configureMetrics(logger, cmd.Metrics)
	if err != nil {
		return err
	}
	defer shutdownMetrics(context.Background())

	database, err := openDatabase(ctx, logger, cfg, true)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := preloadTokens(ctx, logger, cfg, database); err != nil {
		return err
	}

	reg, err := registry.Load(logger, cfg.CPRoot)
	if err != nil {
		return err
	}

	client := redisClient(cfg)
	defer client.Close()

	store, azure, err := buildStore(logger, cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(
		logger,
		cfg,
		database,
		reg,
		store,
		queue.New(logger, client),
		azure,
		&audit.RedisEmitter{Client: client, Channel: cfg.Redis.Channels.Audit},
	)

	httpServer := &http.Server{
		Addr:    cmd.BindAddr,
		Handler: server.Handler(),
	}

	errs := make(chan error, 1)
	go func() {
		errs <- httpServer.ListenAndServe()
	}()
	logger.Info("listening", lager.Data{"addr": cmd.BindAddr})

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}
