// Package backfill uploads archive bytes into plugin rows that have
// metadata but no content.
//
// Such rows are left behind when a database is upgraded from a schema that
// did not store content. The backfill runs once at startup, before the first
// reconciliation, so the reconciler never mistakes an empty row for a plugin
// that needs downloading.
package backfill

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"go.uber.org/multierr"

	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/hasher"
	"github.com/steveyegge/plugsync/internal/plugin"
	"github.com/steveyegge/plugsync/internal/scanner"
	"github.com/steveyegge/plugsync/internal/store"
)

// Store is the subset of the plugin store the backfill writes to.
type Store interface {
	ListMissingContent(ctx context.Context) ([]*plugin.Record, error)
	UploadContent(ctx context.Context, name string, u store.Upload) error
	Disable(ctx context.Context, name string) (bool, error)
}

// Config holds optional collaborators for a Backfiller.
type Config struct {
	// Parser reads archive descriptors. Defaults to AgentParser.
	Parser descriptor.Parser

	// Logger for backfill activity.
	Logger *log.Logger
}

// Result describes the outcome of one run.
type Result struct {
	// Uploaded holds names whose content was stored with the file's own
	// digest and mtime.
	Uploaded []string

	// Forced holds names whose file differed from the recorded digest. Their
	// rows carry PlaceholderMD5 and mtime 0 so the next cycle redeploys them.
	Forced []string

	// Disabled holds names with no archive on disk.
	Disabled []string
}

// Backfiller fills missing content from the managed directory.
type Backfiller struct {
	dir    string
	store  Store
	parser descriptor.Parser
	logger *log.Logger
}

// New creates a Backfiller reading archives from dir.
func New(dir string, st Store, cfg *Config) *Backfiller {
	if cfg == nil {
		cfg = &Config{}
	}
	b := &Backfiller{dir: dir, store: st, parser: cfg.Parser, logger: cfg.Logger}
	if b.parser == nil {
		b.parser = descriptor.AgentParser{}
	}
	if b.logger == nil {
		b.logger = log.New(os.Stderr, "[backfill] ", log.LstdFlags)
	}
	return b
}

// Run fills every enabled row missing content. Failing to list rows aborts
// immediately; failures on individual rows are collected and returned after
// every row was attempted.
func (b *Backfiller) Run(ctx context.Context) (*Result, error) {
	rows, err := b.store.ListMissingContent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins missing content: %w", err)
	}

	result := &Result{}
	if len(rows) == 0 {
		return result, nil
	}
	b.logger.Printf("%d plugins are missing content in the database", len(rows))

	files, err := b.filesByName()
	if err != nil {
		return nil, err
	}

	var errs error
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, multierr.Append(errs, err)
		}

		path, ok := files[row.Name]
		if !ok {
			b.logger.Printf("Warning: plugin %s (path %s) has no content and no archive in %s; "+
				"disabling it. Inventory depending on it may be orphaned until it is provided again.",
				row.Name, row.Path, b.dir)
			if _, err := b.store.Disable(ctx, row.Name); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to disable %s: %w", row.Name, err))
				continue
			}
			result.Disabled = append(result.Disabled, row.Name)
			continue
		}

		forced, err := b.upload(ctx, row, path)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to upload content for %s: %w", row.Name, err))
			continue
		}
		b.logger.Printf("Uploaded missing content for %s from %s (forced=%v)", row.Name, path, forced)
		if forced {
			result.Forced = append(result.Forced, row.Name)
		} else {
			result.Uploaded = append(result.Uploaded, row.Name)
		}
	}

	return result, errs
}

// upload stores the file's bytes for row. It reports whether the row was
// marked for forced redeployment.
func (b *Backfiller) upload(ctx context.Context, row *plugin.Record, path string) (bool, error) {
	digest, err := hasher.DigestFile(path)
	if err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}

	u := store.Upload{
		Path:    info.Name(),
		MD5:     digest,
		MTime:   plugin.MTimeOf(info.ModTime()),
		Content: f,
		Size:    info.Size(),
	}
	forced := digest != row.MD5
	if forced {
		u.MD5 = store.PlaceholderMD5
		u.MTime = 0
	}

	if err := b.store.UploadContent(ctx, row.Name, u); err != nil {
		return false, err
	}
	return forced, nil
}

// filesByName parses every archive in the managed directory once. When two
// archives claim a name the lexicographically first path wins.
func (b *Backfiller) filesByName() (map[string]string, error) {
	archives, err := scanner.ListArchives(b.dir)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(archives))
	for path := range archives {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	byName := make(map[string]string, len(paths))
	for _, path := range paths {
		d, err := b.parser.Parse(path)
		if err != nil {
			b.logger.Printf("Warning: %s is not a valid plugin and will be ignored: %v", path, err)
			continue
		}
		if _, seen := byName[d.Name]; !seen {
			byName[d.Name] = path
		}
	}
	return byName, nil
}
