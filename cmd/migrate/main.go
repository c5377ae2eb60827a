package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sitesync/engine/pkg/config"
	"github.com/sitesync/engine/pkg/database"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := database.Open(context.Background(), cfg.DatabaseURL, cfg.AppEnv)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := runMigrations(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}
