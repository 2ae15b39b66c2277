// Command migrate applies or rolls back the embedded schema migrations.
//
//	migrate up | down | version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/trackroute/trackroute/internal/repository"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|version")
		os.Exit(2)
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	if err := run(os.Args[1], databaseURL, logger); err != nil {
		logger.Error("migrate_failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(command, databaseURL string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := repository.OpenEventDB(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := repository.NewMigrator(db)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down()
	case "version":
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		return err
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	logger.Info("schema_version", "version", version, "dirty", dirty)
	return nil
}
