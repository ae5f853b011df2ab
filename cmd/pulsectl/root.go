package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulse/internal/config"
	"pulse/internal/database"
	"pulse/internal/domain/asset"
	"pulse/internal/pkg/logger"
	"pulse/internal/storage"
)

var (
	cfg *config.Config
	log *zap.Logger
)

// rootCmd is the operator entry point. Every subcommand reads the same configuration
// as the API server.
var rootCmd = &cobra.Command{
	Use:   "pulsectl",
	Short: "Operator tool for the pulse media server",
	Long: `pulsectl works against the same database and blob store as the API server.

It can mint bearer tokens for local development, import a directory of media
files as assets and reconcile records with stored bytes.`,
	SilenceUsage:      true,
	PersistentPreRunE: initialize,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func initialize(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = c
	log = logger.Must(cfg.AppEnv)
	return nil
}

// openStores connects to the asset table and the configured blob store.
func openStores(ctx context.Context) (asset.Repository, storage.Store, error) {
	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, err
	}
	if err := asset.Migrate(db); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	var blobs storage.Store
	switch cfg.Storage.Backend {
	case "s3":
		blobs, err = storage.NewS3Store(ctx, cfg.Storage.S3)
	default:
		blobs, err = storage.NewDiskStore(cfg.Storage.UploadDir)
	}
	if err != nil {
		return nil, nil, err
	}
	return asset.NewRepository(db), blobs, nil
}
