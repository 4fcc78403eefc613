package main

import (
	"flag"

	"github.com/antonminaichev/payflow/internal/app"
)

func NewConfig() (*app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}

	address := flag.String("a", cfg.Address, "{Host:port} for server")
	loglevel := flag.String("l", cfg.LogLevel, "Log level for server")
	databaseURI := flag.String("d", cfg.DatabaseURI, "Database connection string or SQLite file")
	redisAddr := flag.String("r", cfg.RedisAddr, "Redis address for the provisioning lock")
	workers := flag.Int("w", cfg.ReconcileWorkers, "Size of reconcile worker pool")
	interval := flag.Duration("i", cfg.ReconcileInterval, "Reconcile poll interval")
	catalogPath := flag.String("c", cfg.CatalogPath, "Package catalog YAML file")

	flag.Parse()

	cfg.Address = *address
	cfg.LogLevel = *loglevel
	cfg.DatabaseURI = *databaseURI
	cfg.RedisAddr = *redisAddr
	cfg.ReconcileWorkers = *workers
	cfg.ReconcileInterval = *interval
	cfg.CatalogPath = *catalogPath

	return cfg, cfg.Validate()
}
