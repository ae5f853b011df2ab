package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulse/internal/domain/asset"
	"pulse/internal/storage"
)

var cleanupApply bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reconcile asset records with stored bytes",
	Long: `Find records whose bytes are missing and stored files that no record points to.

Without --apply only a report is printed. With --apply both kinds of orphan are
removed. Records whose stored size differs from the recorded size are reported
but never removed.

Run it while the API server is stopped.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupApply, "apply", false, "Remove orphans instead of only reporting them")
}

type cleanupReport struct {
	MissingBytes []string // asset ids
	SizeMismatch []string // asset ids
	Unreferenced []string // storage keys
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	repo, blobs, err := openStores(ctx)
	if err != nil {
		return err
	}

	rep, err := reconcile(ctx, repo, blobs)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), rep)

	if !cleanupApply {
		return nil
	}
	removed, err := applyCleanup(ctx, repo, blobs, rep)
	fmt.Fprintf(cmd.OutOrStdout(), "removed=%d\n", removed)
	return err
}

func reconcile(ctx context.Context, repo asset.Repository, blobs storage.Store) (*cleanupReport, error) {
	assets, err := repo.List(ctx, asset.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	rep := &cleanupReport{}
	referenced := make(map[string]bool, len(assets))
	for _, a := range assets {
		referenced[a.StorageKey] = true

		obj, err := blobs.Open(ctx, a.StorageKey)
		if errors.Is(err, storage.ErrNotFound) {
			rep.MissingBytes = append(rep.MissingBytes, a.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", a.StorageKey, err)
		}
		if obj.Size() != a.SizeBytes {
			rep.SizeMismatch = append(rep.SizeMismatch, a.ID)
		}
		_ = obj.Close()
	}

	keys, err := blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored objects: %w", err)
	}
	for _, k := range keys {
		if !referenced[k] {
			rep.Unreferenced = append(rep.Unreferenced, k)
		}
	}
	return rep, nil
}

func applyCleanup(ctx context.Context, repo asset.Repository, blobs storage.Store, rep *cleanupReport) (int, error) {
	removed := 0
	var errs []error
	for _, id := range rep.MissingBytes {
		err := repo.DeleteTx(ctx, id, nil)
		if err != nil && !errors.Is(err, asset.ErrAssetNotFound) {
			errs = append(errs, fmt.Errorf("delete record %s: %w", id, err))
			continue
		}
		removed++
		log.Info("removed record without bytes", zap.String("asset_id", id))
	}
	for _, key := range rep.Unreferenced {
		err := blobs.Delete(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete object %s: %w", key, err))
			continue
		}
		removed++
		log.Info("removed unreferenced object", zap.String("key", key))
	}
	return removed, errors.Join(errs...)
}

func printReport(w io.Writer, rep *cleanupReport) {
	for _, id := range rep.MissingBytes {
		fmt.Fprintf(w, "missing-bytes\t%s\n", id)
	}
	for _, id := range rep.SizeMismatch {
		fmt.Fprintf(w, "size-mismatch\t%s\n", id)
	}
	for _, k := range rep.Unreferenced {
		fmt.Fprintf(w, "unreferenced\t%s\n", k)
	}
	fmt.Fprintf(w, "missing-bytes=%d size-mismatch=%d unreferenced=%d\n",
		len(rep.MissingBytes), len(rep.SizeMismatch), len(rep.Unreferenced))
}
