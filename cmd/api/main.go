// Package main provides the entry point for the API server.
package main

import (
	"log/slog"
	"os"

	"github.com/narvanalabs/condastore/internal/api"
	"github.com/narvanalabs/condastore/internal/store/sqldb"
	"github.com/narvanalabs/condastore/pkg/config"
	"github.com/narvanalabs/condastore/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log, err = logger.FromConfig(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Default().Error("invalid logging configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(log.Logger)

	store, err := sqldb.Open(sqldb.DefaultConfig(cfg.DatabaseDriver, cfg.DatabaseDSN), log.WithComponent("store").Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	log.Info("starting API server",
		"host", cfg.APIHost,
		"port", cfg.APIPort,
		"database_driver", cfg.DatabaseDriver,
	)

	code, err := api.Run(cfg, store, log.Logger)
	if err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
	os.Exit(code)
}
