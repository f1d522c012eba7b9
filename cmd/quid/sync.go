package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quidsync/quid/internal/backend"
	"github.com/quidsync/quid/internal/conflict"
	"github.com/quidsync/quid/internal/engine"
	"github.com/quidsync/quid/internal/logging"
	"github.com/quidsync/quid/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Long: `Run a single upload-then-download pass against the backend.

Pending local records are sanitized and uploaded in one batch; remote
changes past the last sync point are downloaded and merged. Divergent
edits are routed to the conflict store (see 'quid conflicts').`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		ctx := context.Background()

		sink := logging.NewSink(logging.Options{
			File: cfg.Log.File, MaxSizeMB: cfg.Log.MaxSizeMB, MaxBackups: cfg.Log.MaxBackups,
		})
		defer sink.Close()

		s := mustOpenStore(ctx, cfg)
		defer s.Close()

		resolver, err := conflict.NewResolver(s, conflict.Strategy(cfg.Sync.Strategy), sink.Component("conflict"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		client := backend.NewHTTPClient(cfg.Backend.URL, cfg.Backend.Token)
		e := engine.New(engine.Config{
			Interval:   cfg.Sync.Interval,
			BatchSize:  cfg.Sync.BatchSize,
			MaxRetries: cfg.Sync.MaxRetries,
		}, s, client, resolver, sink.Component("engine"))
		defer e.Dispose()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("⇅"), cfg.Backend.URL)
		res := e.SyncNow(ctx)

		if res.Success {
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), res.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("%s Sync finished with problems in %v\n", ui.RenderFail("✗"), res.Duration.Round(time.Millisecond))
		}
		fmt.Printf("   Uploaded:      %d\n", res.Uploaded)
		fmt.Printf("   Downloaded:    %d\n", res.Downloaded)
		if res.Conflicts > 0 {
			fmt.Printf("   Conflicts:     %d (%d auto-resolved)\n", res.Conflicts, res.AutoResolved)
		}
		for _, ie := range res.Errors {
			target := ""
			if ie.RecordID != "" {
				target = " [" + ie.RecordID + "]"
			}
			fmt.Printf("   %s %s%s: %s\n", ui.RenderWarn("!"), ie.Kind, target, ie.Message)
		}

		if !res.Success {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
