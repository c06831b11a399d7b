package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/hasher"
	"github.com/steveyegge/plugsync/internal/plugin"
	"github.com/steveyegge/plugsync/internal/ui"
)

func newPublishCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "publish <archive.jar>...",
		GroupID: "admin",
		Short:   "Publish plugin archives to the database",
		Long: `Store each archive as the current database row for its plugin name.

The previous row for the same name is disabled in the same transaction.
Every host picks the new version up on its next cycle.

Use --metadata-only to record name, version and digest without content; the
next backfill on a host that has the archive uploads it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadataOnly, _ := cmd.Flags().GetBool("metadata-only")
			return a.publish(cmd.Context(), args, metadataOnly)
		},
	}
	cmd.Flags().Bool("metadata-only", false, "publish without archive content")
	return cmd
}

func (a *app) publish(ctx context.Context, paths []string, metadataOnly bool) error {
	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, path := range paths {
		rec, err := recordFromArchive(path, !metadataOnly)
		if err != nil {
			return err
		}
		if err := db.Publish(ctx, rec); err != nil {
			return fmt.Errorf("failed to publish %s: %w", path, err)
		}
		fmt.Fprintf(a.out, "%s Published %s %s (%s)\n", ui.RenderPass("✓"), rec.Name, rec.Version, rec.Path)
	}
	return nil
}

// recordFromArchive reads the descriptor, digest and mtime of the archive at
// path.
func recordFromArchive(path string, withContent bool) (*plugin.Record, error) {
	desc, err := descriptor.Detect(path, descriptor.AgentParser{}, descriptor.ServerParser{})
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	rec := &plugin.Record{
		Name:    desc.Name,
		Path:    filepath.Base(path),
		MD5:     hasher.DigestBytes(content),
		Version: desc.Version,
		MTime:   plugin.MTimeOf(info.ModTime()),
		Enabled: true,
	}
	if withContent {
		rec.Content = content
	}
	return rec, nil
}
