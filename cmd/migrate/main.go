package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/splax/localvercel/internal/app/storage"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|version|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	runner, err := store.Migrator(log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "version":
		var version int64
		if version, err = runner.Version(ctx); err == nil {
			log.Info("current migration version", "version", version)
		}
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		store.Close()
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		store.Close()
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
