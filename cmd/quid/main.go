// Command quid syncs the local finance record store with the remote
// backend: one-shot passes, a long-running daemon with realtime push, and
// conflict inspection.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quidsync/quid/internal/config"
	"github.com/quidsync/quid/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "quid",
	Short: "Offline-first sync for your records",
	Long: `quid keeps the local record database and the remote backend in
agreement: pending local edits are sanitized and uploaded, remote changes
are downloaded and merged, and divergent edits become explicit conflicts
you can inspect and resolve.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// mustLoadConfig loads configuration or exits.
func mustLoadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// mustOpenStore opens the record database and initializes its schema, or
// exits.
func mustOpenStore(ctx context.Context, cfg config.Config) *store.Store {
	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return s
}
