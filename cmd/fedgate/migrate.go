package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-federation/pkg/storage"
)

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	dbCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the retry timings schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	})
	return dbCmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, _, logger, err := loadFromFlags(cmd)
	if err != nil {
		return err
	}
	if storage.IsMemoryDSN(cfg.Storage.DSN) {
		return errors.New("storage.dsn selects the in-memory store, nothing to migrate")
	}

	ctx := cmd.Context()
	db, err := storage.NewDB(ctx, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	store := storage.NewBunRetryStore(db)
	defer func() { _ = store.Close() }()

	if err := store.CreateSchema(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Schema up to date", "database", storage.DetectDatabaseType(cfg.Storage.DSN))
	return nil
}
