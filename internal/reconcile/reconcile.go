// Package reconcile makes the managed directory hold the current content of
// every enabled plugin row.
//
// For each enabled row the reconciler looks for the archive the last scan
// cached for it, first by the row's path and then by name. The comparator
// then decides:
//
//	local obsolete     -> delete the local file, download the row
//	indistinguishable  -> re-stamp the local file with the row's metadata
//	row obsolete       -> keep the local file
//	no local archive   -> download the row
//
// Database errors abort the pass. Failures writing a single file are logged
// and skipped; the next scan sees the gap and the next pass retries it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/plugsync/internal/fscache"
	"github.com/steveyegge/plugsync/internal/hasher"
	"github.com/steveyegge/plugsync/internal/plugin"
	"github.com/steveyegge/plugsync/internal/store"
)

// Source is the subset of the plugin store the reconciler reads from.
// ListEnabled returns rows of the same name oldest first; ReadContent reads
// the newest enabled row for a name.
type Source interface {
	ListEnabled(ctx context.Context) ([]*plugin.Record, error)
	ReadContent(ctx context.Context, name string, fn func(r io.Reader, size int64) error) error
}

// Config holds optional collaborators for a Reconciler.
type Config struct {
	// Comparator ranks a row against the local archive. Defaults to
	// VersionComparator.
	Comparator plugin.Comparator

	// Logger for reconciler activity.
	Logger *log.Logger
}

// Result describes the outcome of one pass.
type Result struct {
	// Downloaded holds the absolute paths written from the database, in row
	// order.
	Downloaded []string

	// Restamped holds paths whose metadata was taken over from the database.
	Restamped []string

	// Obsolete holds local paths deleted in favour of a newer row.
	Obsolete []string

	// Skipped holds the names of rows whose download failed.
	Skipped []string

	// Bytes is the total number of bytes downloaded.
	Bytes int64
}

// Reconciler aligns the managed directory with the enabled database rows.
type Reconciler struct {
	dir        string
	cache      *fscache.Cache
	source     Source
	comparator plugin.Comparator
	logger     *log.Logger
}

// New creates a Reconciler for dir. cache must be the cache the scanner of
// the same directory maintains.
func New(dir string, cache *fscache.Cache, source Source, cfg *Config) *Reconciler {
	if cfg == nil {
		cfg = &Config{}
	}
	r := &Reconciler{
		dir:        absDir(dir),
		cache:      cache,
		source:     source,
		comparator: cfg.Comparator,
		logger:     cfg.Logger,
	}
	if r.comparator == nil {
		r.comparator = plugin.VersionComparator{}
	}
	if r.logger == nil {
		r.logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return r
}

// Reconcile runs one pass. It must run after a scan of the same directory
// so the cache reflects the files on disk.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	rows, err := r.source.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled plugins: %w", err)
	}

	rows = r.current(rows)

	result := &Result{}
	var queue []*plugin.Record

	for _, row := range rows {
		target, ok := r.targetPath(row)
		if !ok {
			r.logger.Printf("Warning: ignoring plugin %s with invalid path %q", row.Name, row.Path)
			continue
		}

		localPath, local := r.match(row, target)
		if local == nil {
			r.cache.Remove(target)
			queue = append(queue, row)
			continue
		}

		switch r.comparator.Compare(row, local) {
		case plugin.RightObsolete:
			if err := removeFile(localPath); err != nil {
				r.logger.Printf("Warning: failed to delete obsolete plugin %s: %v", localPath, err)
			} else {
				result.Obsolete = append(result.Obsolete, localPath)
			}
			r.cache.Remove(localPath)
			queue = append(queue, row)
		case plugin.Indistinguishable:
			if err := r.restamp(localPath, local, row); err != nil {
				r.logger.Printf("Warning: failed to update %s from database: %v", localPath, err)
				continue
			}
			result.Restamped = append(result.Restamped, localPath)
		default:
			r.logger.Printf("Database plugin %s %s is older than %s; keeping local file",
				row.Name, row.Version, filepath.Base(localPath))
		}
	}

	for _, row := range queue {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path, n, err := r.download(ctx, row)
		if err != nil {
			var werr *writeError
			if errors.As(err, &werr) || errors.Is(err, store.ErrContentSize) || errors.Is(err, store.ErrNotFound) {
				r.logger.Printf("Warning: failed to download %s: %v", row.Name, err)
				result.Skipped = append(result.Skipped, row.Name)
				continue
			}
			return nil, fmt.Errorf("failed to download %s: %w", row.Name, err)
		}
		result.Downloaded = append(result.Downloaded, path)
		result.Bytes += n
	}

	if len(result.Downloaded) > 0 || len(result.Obsolete) > 0 {
		r.logger.Printf("Reconciled %d plugins: %d downloaded, %d obsolete deleted",
			len(rows), len(result.Downloaded), len(result.Obsolete))
	}
	return result, nil
}

// current keeps the newest enabled row of each name. More than one enabled
// row per name only appears through concurrent publishes or old data; the
// older rows are skipped since their content is never read.
func (r *Reconciler) current(rows []*plugin.Record) []*plugin.Record {
	index := make(map[string]int, len(rows))
	out := make([]*plugin.Record, 0, len(rows))
	for _, row := range rows {
		i, seen := index[row.Name]
		if !seen {
			index[row.Name] = len(out)
			out = append(out, row)
			continue
		}
		r.logger.Printf("Warning: plugin %s has more than one enabled row; skipping version %s for %s",
			row.Name, out[i].Version, row.Version)
		out[i] = row
	}
	return out
}

// targetPath returns the absolute path a row's content belongs at. Paths
// that would leave the managed directory are rejected.
func (r *Reconciler) targetPath(row *plugin.Record) (string, bool) {
	base := filepath.Base(row.Path)
	if row.Path == "" || base != row.Path || base == "." || base == ".." {
		return "", false
	}
	return filepath.Join(r.dir, base), true
}

// match finds the cached archive standing for row: by path first, by name
// otherwise. Entries whose file is gone are dropped.
func (r *Reconciler) match(row *plugin.Record, target string) (string, *fscache.Entry) {
	path := target
	entry, ok := r.cache.Get(target)
	if ok {
		if entry.Name != row.Name {
			r.logger.Printf("Warning: %s is cached as plugin %s but the database expects %s",
				target, entry.Name, row.Name)
		}
	} else {
		path, entry, ok = r.cache.FindByName(row.Name)
	}
	if !ok {
		return "", nil
	}

	if _, err := os.Stat(path); err != nil {
		r.cache.Remove(path)
		return "", nil
	}
	return path, entry
}

// restamp takes over the row's metadata for an archive judged equivalent.
// The content is not re-read.
func (r *Reconciler) restamp(path string, local *fscache.Entry, row *plugin.Record) error {
	if row.MTime > 0 {
		mtime := time.UnixMilli(row.MTime)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			return err
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	entry := *local
	entry.Version = row.Version
	if row.MD5 != store.PlaceholderMD5 {
		entry.MD5 = row.MD5
	}
	entry.MTime = plugin.MTimeOf(info.ModTime())
	r.cache.Put(path, &entry)
	return nil
}

// writeError marks a failure on the filesystem side of a download.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// download copies the row's content into the managed directory through a
// temporary file and records the result in the cache.
func (r *Reconciler) download(ctx context.Context, row *plugin.Record) (string, int64, error) {
	target, _ := r.targetPath(row)

	var (
		written int64
		digest  string
	)
	err := r.source.ReadContent(ctx, row.Name, func(rd io.Reader, size int64) error {
		if size <= 0 {
			return &writeError{fmt.Errorf("row has no content")}
		}

		tmp, err := os.CreateTemp(r.dir, ".plugsync-*.tmp")
		if err != nil {
			return &writeError{err}
		}
		tmpPath := tmp.Name()
		defer os.Remove(tmpPath)

		digest, written, err = hasher.Digest(io.TeeReader(rd, tmp))
		if err == nil {
			err = tmp.Chmod(0644)
		}
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return &writeError{err}
		}
		if written != size {
			return fmt.Errorf("%w: %s: declared %d bytes, wrote %d", store.ErrContentSize, row.Name, size, written)
		}

		if err := os.Rename(tmpPath, target); err != nil {
			return &writeError{err}
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	if row.MD5 != store.PlaceholderMD5 && digest != row.MD5 {
		r.logger.Printf("Warning: content of %s has digest %s, database records %s", row.Name, digest, row.MD5)
	}

	if row.MTime > 0 {
		mtime := time.UnixMilli(row.MTime)
		if err := os.Chtimes(target, mtime, mtime); err != nil {
			r.logger.Printf("Warning: failed to set mtime of %s: %v", target, err)
		}
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", 0, &writeError{err}
	}

	r.cache.Put(target, &plugin.Record{
		Name:    row.Name,
		Path:    filepath.Base(target),
		MD5:     digest,
		Version: row.Version,
		MTime:   plugin.MTimeOf(info.ModTime()),
	})
	r.logger.Printf("Downloaded %s %s (%d bytes) to %s", row.Name, row.Version, written, filepath.Base(target))
	return target, written, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func absDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	return abs
}
