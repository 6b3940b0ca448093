package main

import (
	"github.com/aixcc-sc/capi/capi/config"
)

type MigrateCommand struct {
	ConfigPath string `long:"config" env:"AIXCC_CONFIG" default:"/etc/capi/config.yaml" description:"path to the config file"`
}

func (cmd *MigrateCommand) Execute(args []string) error {
	logger := newLogger("capi-migrate")

	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(cmd.ConfigPath)
	if err != nil {
		return err
	}

	database, err := openDatabase(ctx, logger, cfg, true)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := preloadTokens(ctx, logger, cfg, database); err != nil {
		return err
	}

	logger.Info("migrated")
	return nil
}
