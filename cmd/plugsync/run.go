package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/plugsync/internal/daemon"
	"github.com/steveyegge/plugsync/internal/dashboard"
	"github.com/steveyegge/plugsync/internal/metrics"
	"github.com/steveyegge/plugsync/internal/ui"
)

func newRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		GroupID: "sync",
		Short:   "Run the sync service in the foreground",
		Long: `Run reconciliation cycles until interrupted.

The service takes an exclusive lock on the plugin directory, uploads content
for database rows that are missing it, then runs one cycle immediately and
another every scan interval. With --watch, archive changes in the plugin and
staging directories trigger a cycle early.

With --listen the service also serves:
  GET  /health    liveness
  GET  /status    current snapshot as JSON
  POST /scan      request a cycle now
  GET  /metrics   Prometheus metrics
  GET  /ws        WebSocket stream of cycle results

SIGHUP reopens the log file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.Bool("watch", false, "trigger a cycle when archives change")
	flags.Duration("interval", 0, "delay between cycles (default 5m)")
	flags.String("listen", "", "serve status, metrics and events on this address, e.g. :8080")
	bindFlags(a.v, flags, map[string]string{
		"watch":         "watch",
		"scan_interval": "interval",
		"listen_addr":   "listen",
	})

	return cmd
}

func (a *app) run(ctx context.Context) error {
	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	// The dashboard needs the service and the service needs its observer;
	// handler is set before Start, so no cycle sees it nil.
	var handler *dashboard.Handler
	observer := daemon.ObserverFunc(func(result *daemon.CycleResult) {
		if handler != nil {
			handler.CycleFinished(result)
		}
	})

	svc, err := a.newService(db, metrics.Init(), observer)
	if err != nil {
		return err
	}

	if a.cfg.ListenAddr != "" {
		logger := a.logs.Logger("dashboard")
		server := dashboard.NewServer(svc, &dashboard.Config{
			Addr:   a.cfg.ListenAddr,
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
		handler = dashboard.NewHandler(server, logger)
		fmt.Fprintf(a.out, "%s Status on http://%s/status\n", ui.RenderAccent("→"), server.GetAddr())
	}

	go a.reopenLogsOnHangup(ctx)

	fmt.Fprintf(a.out, "%s Syncing %s with %s database\n", ui.RenderAccent("🔄"), a.cfg.PluginDir, a.cfg.DB.Driver)
	fmt.Fprintf(a.out, "\nPress Ctrl+C to stop\n\n")

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("service stopped with error: %w", err)
	}
	fmt.Fprintf(a.out, "%s Stopped\n", ui.RenderPass("✓"))
	return nil
}

func (a *app) reopenLogsOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger := a.logs.Logger("plugsync")
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.logs.Rotate(); err != nil {
				logger.Printf("Warning: failed to rotate log file: %v", err)
			}
		}
	}
}
