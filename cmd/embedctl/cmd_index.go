package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fashion-similarity/internal/bootstrap"
	"fashion-similarity/internal/config"
	"fashion-similarity/internal/embedding"
)

type inspectReport struct {
	Manifest    *embedding.Manifest `json:"manifest,omitempty"`
	StoreDriver string              `json:"store_driver"`
	StoreCount  int64               `json:"store_count"`
}

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect, repair or rebuild the vector index offline",
		Long: `Inspect, repair or rebuild the vector index offline.

rebuild, repair and stats lock the checkpoint directory and refuse to run
while a server holds it; inspect only reads.`,
	}
	cmd.PersistentFlags().Int("dim", 0, "Vector dimension (default: from the extractor)")

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show the current checkpoint manifest and the store size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()

			ckpt := embedding.OpenCheckpointReader(cfg.Index.CheckpointDir)
			report := inspectReport{StoreDriver: cfg.Store.Driver}
			manifest, err := ckpt.ReadManifest()
			switch {
			case errors.Is(err, os.ErrNotExist):
			case err != nil:
				return err
			default:
				report.Manifest = manifest
			}

			dim, _ := cmd.Flags().GetInt("dim")
			if dim <= 0 && manifest != nil {
				dim = manifest.Dim
			}
			if dim <= 0 {
				dim = 1 // counting does not read vectors
			}
			storage, err := bootstrap.OpenStore(ctx, cfg, dim)
			if err != nil {
				return err
			}
			defer storage.Store.Close()
			if report.StoreCount, err = storage.Store.Count(ctx); err != nil {
				return err
			}

			return printResult(cmd, report, func() {
				out := cmd.OutOrStdout()
				if m := report.Manifest; m != nil {
					fmt.Fprintf(out, "checkpoint %s (schema %s)\n", ckpt.Dir(), m.Schema)
					fmt.Fprintf(out, "  generation: %d  dim: %d  rows: %d  live: %d\n", m.Generation, m.Dim, m.Rows, m.Live)
					fmt.Fprintf(out, "  files: %s %s\n", m.IndexFile, m.MappingFile)
					fmt.Fprintf(out, "  written: %s\n", m.WrittenAt.Format("2006-01-02 15:04:05"))
				} else {
					fmt.Fprintf(out, "no checkpoint in %s\n", ckpt.Dir())
				}
				fmt.Fprintf(out, "store %s: %d embeddings\n", report.StoreDriver, report.StoreCount)
			})
		},
	}

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from the store and write a fresh checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *embedding.Manager) (any, error) {
				if err := m.Rebuild(ctx); err != nil {
					return nil, err
				}
				if err := m.Flush(ctx); err != nil {
					return nil, err
				}
				return m.Stats(ctx)
			})
		},
	}

	repair := &cobra.Command{
		Use:   "repair",
		Short: "Reconcile the index with the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *embedding.Manager) (any, error) {
				report, err := m.Repair(ctx)
				if err != nil {
					return nil, err
				}
				if err := m.Flush(ctx); err != nil {
					return nil, err
				}
				return report, nil
			})
		},
	}

	cmd.AddCommand(inspect, rebuild, repair)
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Load the index and print its statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *embedding.Manager) (any, error) {
				return m.Stats(ctx)
			})
		},
	}
	cmd.Flags().Int("dim", 0, "Vector dimension (default: from the extractor)")
	return cmd
}

// withManager opens the store and index, runs fn and prints its result.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *embedding.Manager) (any, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	dim, err := resolveDim(cmd, cfg)
	if err != nil {
		return err
	}
	storage, err := bootstrap.OpenStore(ctx, cfg, dim)
	if err != nil {
		return err
	}
	defer storage.Store.Close()

	manager, err := bootstrap.OpenManager(ctx, cfg, storage.Store, dim, false)
	if err != nil {
		return err
	}
	defer manager.Close()

	result, err := fn(ctx, manager)
	if err != nil {
		return err
	}
	return printResult(cmd, result, func() {
		switch v := result.(type) {
		case embedding.Stats:
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dim: %d\n", v.Dim)
			fmt.Fprintf(out, "rows: %d  live: %d  tombstones: %d\n", v.Rows, v.Live, v.Tombstones)
			fmt.Fprintf(out, "mapped: %d  dirty: %d\n", v.Mapped, v.Dirty)
			fmt.Fprintf(out, "generation: %d  checkpoint generation: %d\n", v.Generation, v.CheckpointGeneration)
		case embedding.RepairReport:
			fmt.Fprintf(cmd.OutOrStdout(), "reinserted: %v\norphaned: %v\nskipped: %v\n", v.Reinserted, v.Orphaned, v.Skipped)
		}
	})
}

func resolveDim(cmd *cobra.Command, cfg *config.Config) (int, error) {
	if dim, _ := cmd.Flags().GetInt("dim"); dim > 0 {
		return dim, nil
	}
	extractor, err := bootstrap.NewExtractor(cfg)
	if err != nil {
		return 0, err
	}
	defer extractor.Close()
	return extractor.Dim(), nil
}
