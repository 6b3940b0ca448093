package main

import (
	"context"
	"errors"

	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/config"
	"github.com/aixcc-sc/capi/capi/queue"
	"github.com/aixcc-sc/capi/capi/registry"
	"github.com/aixcc-sc/capi/capi/results"
	"github.com/aixcc-sc/capi/capi/tasks"
	"github.com/aixcc-sc/capi/capi/tracing"
	"github.com/aixcc-sc/capi/capi/workspace"
)

type WorkerCommand struct {
	ConfigPath string `long:"config" env:"AIXCC_CONFIG" default:"/etc/capi/config.yaml" description:"path to the config file"`
	DockerHost string `long:"docker-host" env:"DOCKER_HOST" description:"docker daemon the run.sh commands target"`
	PullImages bool   `long:"pull-images" env:"AIXCC_PULL_IMAGES" description:"docker pull each CP image on workspace acquire"`

	Metrics tracing.MetricsConfig `group:"Metrics & Diagnostics"`
}

func (cmd *WorkerCommand) Execute(args []string) error {
	logger := newLogger("capi-worker")

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
	defer shutdownMetrics(ctx)

	database, err := openDatabase(ctx, logger, cfg, false)
	if err != nil {
		return err
	}
	defer database.Close()

	reg, err := registry.Load(logger, cfg.CPRoot)
	if err != nil {
		return err
	}

	client := redisClient(cfg)
	defer client.Close()

	// workers reach the remote container through the signed URL carried in
	// each job payload, so no account credentials are wired here
	store, _, err := buildStore(logger, cfg)
	if err != nil {
		return err
	}

	manager := workspace.NewManager(logger, workspace.ManagerConfig{
		TempDir:    cfg.TempDir,
		DockerHost: cmd.DockerHost,
		PullImages: cmd.PullImages,
	})

	reporter := results.NewReporter(logger, client, cfg.Redis.Channels.Results)

	handler := tasks.NewHandler(
		logger,
		tasks.HandlerConfig{
			RunID:              cfg.RunID,
			RejectDuplicateVDS: cfg.Scoring.RejectDuplicates(),
		},
		database,
		tasks.NewDBLocker(database),
		reg,
		store,
		tasks.NewManagerFactory(manager, reporter),
		reporter,
		&audit.RedisEmitter{Client: client, Channel: cfg.Redis.Channels.Audit},
	)

	runner := tasks.NewRunner(logger, tasks.RunnerConfig{
		WorkerID:            cfg.Worker.ID,
		MaxConcurrentJobs:   int64(cfg.Worker.MaxConcurrentJobs),
		HealthCheckInterval: cfg.Worker.HealthCheckInterval,
	}, queue.New(logger, client), handler)

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
