package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/plugsync/internal/daemon"
	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/hasher"
	"github.com/steveyegge/plugsync/internal/scanner"
	"github.com/steveyegge/plugsync/internal/ui"
)

func newStatusCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "admin",
		Short:   "Show the plugin directory status",
		Long: `Show cached plugins, pending deployments and the last cycle.

If a service is running with --listen (or listen_addr is configured), its
live snapshot is shown. Otherwise the plugin directory is read directly and
the state is reported as "offline".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = a.cfg.ListenAddr
			}
			return a.status(cmd.Context(), addr, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print the snapshot as JSON")
	cmd.Flags().String("addr", "", "address of a running service (default: listen_addr)")
	return cmd
}

func (a *app) status(ctx context.Context, addr string, asJSON bool) error {
	var (
		snap *daemon.Snapshot
		err  error
	)
	if addr != "" {
		snap, err = fetchSnapshot(ctx, addr)
		if err != nil {
			a.logs.Logger("status").Printf("Warning: service at %s not reachable, reading directory: %v", addr, err)
		}
	}
	if snap == nil {
		snap, err = offlineSnapshot(a.cfg.PluginDir)
		if err != nil {
			return err
		}
	}

	if asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	fmt.Fprintln(a.out, ui.RenderStatus(snap))
	return nil
}

// fetchSnapshot asks a running service for its snapshot.
func fetchSnapshot(ctx context.Context, addr string) (*daemon.Snapshot, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var snap daemon.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// offlineSnapshot describes the archives in dir without a running service.
func offlineSnapshot(dir string) (*daemon.Snapshot, error) {
	files, err := scanner.ListArchives(dir)
	if err != nil {
		return nil, err
	}

	snap := &daemon.Snapshot{State: "offline"}
	for path, info := range files {
		st := daemon.PluginStatus{Path: path, ModTime: info.ModTime().UTC()}
		if d, err := (descriptor.AgentParser{}).Parse(path); err == nil {
			st.Name, st.Version = d.Name, d.Version
		}
		if sum, err := hasher.DigestFile(path); err == nil {
			st.MD5 = sum
		}
		snap.Plugins = append(snap.Plugins, st)
	}
	sort.Slice(snap.Plugins, func(i, j int) bool { return snap.Plugins[i].Path < snap.Plugins[j].Path })
	return snap, nil
}
