package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quidsync/quid/internal/conflict"
	"github.com/quidsync/quid/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsAll bool

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts needing attention",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		ctx := context.Background()

		s := mustOpenStore(ctx, cfg)
		defer s.Close()

		conflicts, err := s.ListConflicts(ctx, !conflictsAll)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conflicts: %v\n", err)
			os.Exit(1)
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		for _, c := range conflicts {
			when := c.DetectedAt.Local().Format(time.RFC822)
			if c.Resolved() {
				fmt.Printf("%s %s  record %s  %s\n",
					ui.RenderMuted("·"), ui.RenderMuted(c.ID), c.RecordID,
					ui.RenderMuted(fmt.Sprintf("resolved %s by %s", c.Resolution, c.ResolvedBy)))
				continue
			}
			fmt.Printf("%s %s  record %s  (%s)\n", ui.RenderWarn("!"), c.ID, c.RecordID, when)
			for _, field := range c.DiffFields {
				fmt.Printf("    %s differs: local vs remote\n", ui.RenderAccent(field))
			}
			fmt.Printf("    local:  %s %d %s (edited %s)\n",
				c.Local.Vendor, c.Local.AmountCents, c.Local.Currency,
				c.Local.UpdatedAt.Local().Format(time.RFC822))
			fmt.Printf("    remote: %s %d %s (edited %s)\n",
				c.Remote.Vendor, c.Remote.AmountCents, c.Remote.Currency,
				c.Remote.UpdatedAt.Local().Format(time.RFC822))
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id> <local|remote>",
	Short: "Resolve one conflict",
	Long: `Resolve a conflict by choosing a side.

Choosing local re-marks the record pending so the next pass re-uploads
it, overwriting the remote copy. Choosing remote overwrites the local
record's shared fields with the remote snapshot; text extracted on this
device and the cached file are kept either way.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		ctx := context.Background()

		side, err := conflict.ParseSide(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		s := mustOpenStore(ctx, cfg)
		defer s.Close()

		resolver, err := conflict.NewResolver(s, conflict.StrategyAsk, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := resolver.Resolve(ctx, args[0], side); err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving conflict: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Conflict %s resolved as %s\n", ui.RenderPass("✓"), args[0], side)
	},
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove resolved conflicts from the audit list",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		ctx := context.Background()

		s := mustOpenStore(ctx, cfg)
		defer s.Close()

		n, err := s.ClearResolvedConflicts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing conflicts: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cleared %d resolved conflict(s)\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	conflictsListCmd.Flags().BoolVarP(&conflictsAll, "all", "a", false, "include resolved conflicts")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd, conflictsClearCmd)
	rootCmd.AddCommand(conflictsCmd)
}
