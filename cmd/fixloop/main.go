package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fixloop/fixloop/internal/storage"
	"github.com/fixloop/fixloop/internal/storage/sqlite"
)

// Shared command state, populated by rootCmd before any subcommand runs.
var (
	dbPath     string
	configPath string
	store      storage.Storage
)

var rootCmd = &cobra.Command{
	Use:   "fixloop",
	Short: "Automated fix loop for web application findings",
	Long: `fixloop drives a headless code-fix agent through repeated
scan, fix, deploy, rescan cycles against a target web application,
until the findings report reaches the target verdict or the cycle
limit is exhausted.

Fixes are isolated on a safety branch, every deployment is verified
reachable before the rescan, and the whole run is recorded in a local
SQLite audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		s, err := sqlite.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", dbPath, err)
		}
		store = s
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", filepath.Join(".fixloop", "fixloop.db"), "Path to the fixloop database")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to fixloop.yaml (default: fixloop.yaml in the target repo)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
