package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/plugsync/internal/backfill"
	"github.com/steveyegge/plugsync/internal/daemon"
	"github.com/steveyegge/plugsync/internal/lock"
	"github.com/steveyegge/plugsync/internal/ui"
)

func newScanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "scan",
		GroupID: "sync",
		Short:   "Run one reconciliation cycle and exit",
		Long: `Run a single cycle against the plugin directory:
  1. Import staged drops
  2. Scan the plugin directory and remove older duplicates
  3. Reconcile with the enabled database rows
  4. Hand new or changed archives to the deployer

Fails if a running service holds the directory lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.scan(cmd.Context())
		},
	}
}

func newBackfillCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "backfill",
		GroupID: "sync",
		Short:   "Upload local archives for database rows without content",
		Long: `Upload content for every enabled row that has none, using the archive of the
same plugin name in the plugin directory.

Rows whose archive no longer matches the recorded digest are uploaded with a
placeholder digest so every host downloads them again. Rows with no local
archive are disabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.backfill(cmd.Context())
		},
	}
}

// lockDir creates and locks the plugin directory for a one-shot command.
func (a *app) lockDir() (*lock.Lock, error) {
	if err := os.MkdirAll(a.cfg.PluginDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugin directory: %w", err)
	}
	l, err := lock.Acquire(a.cfg.PluginDir)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", a.cfg.PluginDir, err)
	}
	return l, nil
}

func (a *app) scan(ctx context.Context) error {
	l, err := a.lockDir()
	if err != nil {
		return err
	}
	defer l.Release()

	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := a.newService(db, nil, nil)
	if err != nil {
		return err
	}
	defer svc.Stop()

	result, err := svc.RunCycle(ctx)
	if err != nil {
		return err
	}
	printCycle(a, result)
	return nil
}

func printCycle(a *app, result *daemon.CycleResult) {
	fmt.Fprintf(a.out, "%s Cycle complete in %v\n", ui.RenderPass("✓"), result.Duration.Round(time.Millisecond))
	printPaths(a, "Imported", result.Imported)
	printPaths(a, "Downloaded", result.Downloaded)
	printPaths(a, "Removed", result.Obsolete)
	printPaths(a, "Changed", result.Changed)
	if result.Pending > 0 {
		fmt.Fprintf(a.out, "%s %d deployment(s) pending, will retry\n", ui.RenderWarn("⚠"), result.Pending)
	}
}

func printPaths(a *app, label string, paths []string) {
	fmt.Fprintf(a.out, "   %s: %d\n", label, len(paths))
	for _, p := range paths {
		fmt.Fprintf(a.out, "     %s\n", ui.RenderMuted(filepath.Base(p)))
	}
}

func (a *app) backfill(ctx context.Context) error {
	l, err := a.lockDir()
	if err != nil {
		return err
	}
	defer l.Release()

	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := backfill.New(a.cfg.PluginDir, db, &backfill.Config{
		Logger: a.logs.Logger("backfill"),
	}).Run(ctx)
	if res != nil {
		fmt.Fprintf(a.out, "%s Backfill: %d uploaded, %d forced, %d disabled\n",
			ui.RenderAccent("📦"), len(res.Uploaded), len(res.Forced), len(res.Disabled))
	}
	return err
}
