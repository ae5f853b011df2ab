package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulse/internal/domain/asset"
	"pulse/internal/pkg/keylock"
)

var seedOwnerID int64

var seedCmd = &cobra.Command{
	Use:   "seed <dir>",
	Short: "Import a directory of media files as assets",
	Long: `Walk a directory and upload every audio or video file as a new asset.

Imported assets stay pending; the API server picks them up on its next start.
Files that are not audio or video are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().Int64Var(&seedOwnerID, "owner-id", 1, "Owner recorded on imported assets")
}

// deferredProcessor leaves new assets pending for the server's Resume.
type deferredProcessor struct{}

func (deferredProcessor) Start(context.Context, string) error { return nil }
func (deferredProcessor) Cancel(string) {}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	repo, blobs, err := openStores(ctx)
	if err != nil {
		return err
	}
	svc := asset.NewService(repo, blobs, keylock.New(), deferredProcessor{}, cfg.Storage.MaxUploadBytes, log)

	imported, skipped, err := seedDir(ctx, svc, args[0], asset.Caller{UserID: seedOwnerID, Role: asset.RoleAdmin}, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported=%d skipped=%d\n", imported, skipped)
	return nil
}

func seedDir(ctx context.Context, svc *asset.Service, dir string, owner asset.Caller, out io.Writer) (imported, skipped int, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		a, err := seedFile(ctx, svc, path, owner)
		switch {
		case err == nil:
			imported++
			fmt.Fprintf(out, "%s\t%s\n", a.ID, path)
		case errors.Is(err, asset.ErrInvalidMimeType), errors.Is(err, asset.ErrEmptyFile), errors.Is(err, asset.ErrFileTooLarge):
			skipped++
			log.Info("skipping file", zap.String("path", path), zap.Error(err))
		default:
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	})
	return imported, skipped, err
}

func seedFile(ctx context.Context, svc *asset.Service, path string, owner asset.Caller) (*asset.Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return svc.Upload(ctx, owner, asset.UploadInput{
		Filename: filepath.Base(path),
		Size:     info.Size(),
		Body:     f,
	})
}
