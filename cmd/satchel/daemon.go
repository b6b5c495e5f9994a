package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/classkit/satchel/internal/contextcache"
	"github.com/classkit/satchel/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the background sync daemon.

The daemon probes connectivity, drains the mutation queue whenever the
device comes back online, sweeps expired context cache segments, and
(optionally) serves a WebSocket dashboard broadcasting sync activity.

Example usage:
  satchel daemon                     # Use configured dashboard port
  satchel daemon --dashboard 9000    # Serve the dashboard on port 9000
  satchel daemon --dashboard 0       # Disable the dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		port := a.cfg.DashboardPort
		if cmd.Flags().Changed("dashboard") {
			port, _ = cmd.Flags().GetInt("dashboard")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var server *dashboard.Server
		if port > 0 {
			server = dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Status: a.statusSnapshot,
				Logger: a.logger,
			})
			handler := dashboard.NewHandler(server, a.queue)
			a.processor.SetOnEvent(handler.SyncEvent)
			a.queue.SetOnEnqueue(handler.Enqueued)
			a.monitor.OnOnline(func() {
				handler.NetworkChanged(a.monitor.State())
			})

			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				if err := server.Stop(); err != nil {
					a.logger.Printf("Dashboard shutdown error: %v", err)
				}
			}()
			fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n", port, port)
		}

		// Queue drain rides the offline->online transition.
		a.monitor.OnOnline(func() {
			if _, err := a.processor.Sync(ctx); err != nil {
				a.logger.Printf("Sync after reconnect failed: %v", err)
			}
		})
		a.monitor.Start(ctx)
		defer a.monitor.Stop()

		cache, err := a.contextCache()
		if err != nil {
			return err
		}
		cache.StartSweeper(ctx)
		defer cache.StopSweeper()

		fmt.Println("Sync daemon running. Press Ctrl+C to stop...")
		<-ctx.Done()

		fmt.Println("\nShutting down sync daemon...")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard", 0, "Dashboard port (0 disables)")
	rootCmd.AddCommand(daemonCmd)
}

// contextCache wires the context cache, including the bootstrap
// document when one is configured.
func (a *app) contextCache() (*contextcache.Cache, error) {
	var bootstrap *contextcache.Bootstrap
	if a.cfg.BootstrapPath != "" {
		var err error
		bootstrap, err = contextcache.LoadBootstrap(a.cfg.BootstrapPath, a.logger)
		if err != nil {
			return nil, err
		}
	}
	return contextcache.New(contextcache.Config{
		Store:         a.store,
		Bootstrap:     bootstrap,
		Monitor:       a.monitor,
		SweepInterval: a.cfg.SweepInterval,
		Logger:        a.logger,
	})
}

// statusSnapshot produces the JSON served on the dashboard's /status
// endpoint.
func (a *app) statusSnapshot(ctx context.Context) (json.RawMessage, error) {
	counts, err := a.queue.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := a.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}

	state := a.monitor.State()
	return json.Marshal(map[string]interface{}{
		"online":      state.Online,
		"quality":     state.Quality.String(),
		"queue_depth": depth,
		"queue":       counts,
		"syncing":     a.processor.Running(),
		"last_sync":   a.processor.LastSyncTime(),
	})
}
