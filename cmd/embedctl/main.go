package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fashion-similarity/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "embedctl",
		Short: "Operate the fashion-similarity embedding index",
		Long: `embedctl queues embedding tasks and inspects or rebuilds the vector index.

Index commands open the store and checkpoint directly; stop the server
first when the store is badger or sqlite.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default $CONFIG_FILE or configs/config.toml)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newEnqueueCmd(),
		newTaskCmd(),
		newIndexCmd(),
		newStatsCmd(),
		newTokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

// printResult writes v as JSON with --json, otherwise calls text.
func printResult(cmd *cobra.Command, v any, text func()) error {
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}
