package main

import (
	"os"
	"strings"

	"github.com/relaymesh/delivery-engine/internal/config"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/pg"
)

// Runs goose against the write side. Usage:
//
//	migrate --env=.env --dir=./migrations
func main() {
	if err := config.Load(argPath("--env=", ".env")); err != nil {
		logger.Error("failed to load config", "error", err)
	}

	pgConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	if err := pg.Migrate(pgConf, argPath("--dir=", "./migrations")); err != nil {
		logger.Error("migration: error running migrations", "error", err)
		os.Exit(1)
	}
}

func argPath(flag, fallback string) string {
	path := fallback
	for _, v := range os.Args {
		if p, found := strings.CutPrefix(v, flag); found {
			path = p
			break
		}
	}
	if _, err := os.Stat(path); err != nil {
		logger.Error("path not accessible", "path", path, "error", err)
		return ""
	}
	return path
}
