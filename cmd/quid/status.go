package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quidsync/quid/internal/record"
	"github.com/quidsync/quid/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Display the local store's sync posture: how many records are
pending, synced, or stuck in error, when the last successful download
happened, and whether any conflicts need attention.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		ctx := context.Background()

		s := mustOpenStore(ctx, cfg)
		defer s.Close()

		fmt.Printf("%s\n", ui.RenderAccent("quid sync status"))
		fmt.Printf("   Database: %s\n", cfg.Database.Path)

		for _, st := range []record.SyncStatus{record.StatusPending, record.StatusSynced, record.StatusError} {
			n, err := s.CountByStatus(ctx, st)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting records: %v\n", err)
				os.Exit(1)
			}
			label := fmt.Sprintf("   %-8s %d", st, n)
			switch {
			case st == record.StatusError && n > 0:
				fmt.Println(ui.RenderFail(label))
			case st == record.StatusPending && n > 0:
				fmt.Println(ui.RenderWarn(label))
			default:
				fmt.Println(label)
			}
		}

		// Show what the error bucket actually contains
		failed, err := s.ListByStatus(ctx, record.StatusError, 10)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed records: %v\n", err)
			os.Exit(1)
		}
		for _, rec := range failed {
			fmt.Printf("     %s %s: %s\n", ui.RenderFail("!"), rec.ID, rec.SyncError)
		}

		mark, err := s.LastSyncMark(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync mark: %v\n", err)
			os.Exit(1)
		}
		if mark.IsZero() {
			fmt.Printf("   Last sync: %s\n", ui.RenderMuted("never"))
		} else {
			fmt.Printf("   Last sync: %s (%s ago)\n",
				mark.Local().Format(time.RFC822),
				time.Since(mark).Round(time.Minute))
		}

		unresolved, err := s.ListConflicts(ctx, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conflicts: %v\n", err)
			os.Exit(1)
		}
		if len(unresolved) > 0 {
			fmt.Printf("   %s\n", ui.RenderWarn(fmt.Sprintf("Conflicts: %d need attention (quid conflicts list)", len(unresolved))))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
