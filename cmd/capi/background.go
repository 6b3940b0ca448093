package main

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/config"
	"github.com/aixcc-sc/capi/capi/flatfile"
	"github.com/aixcc-sc/capi/capi/results"
)

type BackgroundCommand struct {
	ConfigPath string `long:"config" env:"AIXCC_CONFIG" default:"/etc/capi/config.yaml" description:"path to the config file"`
}

// Execute runs the two singleton subscribers: the audit receiver merges
// worker events into the audit file, the results receiver applies verdicts
// to the database and pulls output archives.
func (cmd *BackgroundCommand) Execute(args []string) error {
	logger := newLogger("capi-background")

	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(cmd.ConfigPath)
	if err != nil {
		return err
	}

	database, err := openDatabase(ctx, logger, cfg, false)
	if err != nil {
		return err
	}
	defer database.Close()

	client := redisClient(cfg)
	defer client.Close()

	store, azure, err := buildStore(logger, cfg)
	if err != nil {
		return err
	}

	containers := func(ctx context.Context, name string) (flatfile.Remote, error) {
		if azure == nil {
			return nil, flatfile.ErrNoRemote
		}
		return azure.Container(ctx, name)
	}

	auditReceiver := audit.NewReceiver(logger, client, cfg.Redis.Channels.Audit, cfg.AuditFile)
	resultsReceiver := results.NewReceiver(logger, client, cfg.Redis.Channels.Results, database, store, containers)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return auditReceiver.Run(groupCtx) })
	group.Go(func() error { return resultsReceiver.Run(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
