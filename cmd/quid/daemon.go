package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quidsync/quid/internal/backend"
	"github.com/quidsync/quid/internal/backoff"
	"github.com/quidsync/quid/internal/bus"
	"github.com/quidsync/quid/internal/conflict"
	"github.com/quidsync/quid/internal/engine"
	"github.com/quidsync/quid/internal/leader"
	"github.com/quidsync/quid/internal/logging"
	"github.com/quidsync/quid/internal/realtime"
	"github.com/quidsync/quid/internal/syncerr"
	"github.com/quidsync/quid/internal/ui"
	"github.com/quidsync/quid/internal/watch"
)

// recheckEvery is how often the daemon pings the backend while offline.
const recheckEvery = 30 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon until interrupted",
	Long: `Run the full sync daemon:

  - periodic sync passes while idle, with bounded retry after errors
  - a realtime push subscription held by the elected leader
  - a watcher on the attachments directory that requests a pass when
    new receipt files settle

Stops cleanly on SIGINT/SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sink := logging.NewSink(logging.Options{
			File: cfg.Log.File, MaxSizeMB: cfg.Log.MaxSizeMB, MaxBackups: cfg.Log.MaxBackups,
		})
		defer sink.Close()
		logger := sink.Component("daemon")

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

		// Leader election: only one local context holds the push feed
		b := bus.NewLocal()
		elector := leader.New(b, cfg.Realtime.Heartbeat, cfg.Realtime.Timeout, sink.Component("leader"))
		manager := realtime.New(client, s, elector, backoff.Default(),
			cfg.Realtime.MaxAttempts, sink.Component("realtime"))

		watcher, err := watch.New(cfg.Attachments.Dir, cfg.Attachments.Debounce, sink.Component("watch"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
			os.Exit(1)
		}
		if err := watcher.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting watcher: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Stop()

		e.Start(ctx)
		manager.Start(ctx)
		defer manager.Stop()
		elector.Start()
		defer elector.Stop()

		unsubConn := superviseConnectivity(ctx, e, manager, client, logger)
		defer unsubConn()

		fmt.Printf("%s quid daemon running (db %s)\n", ui.RenderPass("✓"), cfg.Database.Path)
		logger.Printf("daemon started, interval %v", cfg.Sync.Interval)

		requests := watcher.Requests()
		for {
			select {
			case <-ctx.Done():
				fmt.Printf("\n%s Shutting down\n", ui.RenderMuted("…"))
				logger.Printf("daemon stopping")
				return
			case _, ok := <-requests:
				if !ok {
					requests = nil
					continue
				}
				logger.Printf("attachment change, running pass")
				e.SyncNow(ctx)
			}
		}
	},
}

// superviseConnectivity takes the engine offline when a pass dies on
// transport, then pings the backend until it answers again, brings the
// engine back online, and nudges the push feed to re-dial.
func superviseConnectivity(ctx context.Context, e *engine.Engine, m *realtime.Manager, client backend.Client, logger *log.Logger) func() {
	lost := make(chan struct{}, 1)
	unsub := e.Subscribe(func(ev engine.Event) {
		if ev.Kind != engine.EventSyncError || ev.Result == nil {
			return
		}
		for _, itemErr := range ev.Result.Errors {
			if itemErr.Kind != syncerr.KindNetwork {
				continue
			}
			e.SetOnline(false)
			select {
			case lost <- struct{}{}:
			default:
			}
			return
		}
	})

	go func() {
		ticker := time.NewTicker(recheckEvery)
		defer ticker.Stop()
		offline := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
				offline = true
			case <-ticker.C:
				if !offline {
					continue
				}
				if _, err := client.CurrentUser(ctx); err != nil {
					continue
				}
				offline = false
				logger.Printf("backend reachable, resuming sync")
				e.SetOnline(true)
				m.NotifyOnline()
			}
		}
	}()

	return unsub
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
