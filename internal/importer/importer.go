// Package importer moves plugin archives an operator dropped into a staging
// directory to the directory their descriptor kind belongs in.
//
// Agent plugins go to the managed directory, server plugins to the server
// plugin directory. A drop replaces an existing archive of the same file
// name only when its digest differs and it is strictly newer. Processed
// drops are deleted from staging; a drop that cannot be deleted is simply
// processed again on the next run, which is harmless.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/hasher"
	"github.com/steveyegge/plugsync/internal/scanner"
)

// Config holds configuration for an Importer.
type Config struct {
	// StagingDir is where operators drop archives. Empty disables import.
	StagingDir string

	// AgentDir receives agent plugins. This is the managed directory.
	AgentDir string

	// ServerDir receives server plugins. Empty means server plugins are
	// left in staging.
	ServerDir string

	// AgentParser and ServerParser default to the descriptor package
	// implementations.
	AgentParser  descriptor.Parser
	ServerParser descriptor.Parser

	// Logger for importer activity.
	Logger *log.Logger
}

// Result describes the outcome of one run. All paths are absolute.
type Result struct {
	// Imported holds destination paths written from a drop.
	Imported []string

	// Skipped holds drops discarded because the destination was identical
	// or newer.
	Skipped []string

	// Ignored holds staging files that are not plugin archives, or that
	// failed to process, and were left in place.
	Ignored []string
}

// Importer processes the staging directory.
type Importer struct {
	config *Config
	logger *log.Logger
}

// New creates an Importer.
func New(cfg *Config) *Importer {
	c := *cfg
	c.StagingDir = absDir(c.StagingDir)
	c.AgentDir = absDir(c.AgentDir)
	c.ServerDir = absDir(c.ServerDir)
	if c.AgentParser == nil {
		c.AgentParser = descriptor.AgentParser{}
	}
	if c.ServerParser == nil {
		c.ServerParser = descriptor.ServerParser{}
	}
	logger := c.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[import] ", log.LstdFlags)
	}
	return &Importer{config: &c, logger: logger}
}

// Import processes every archive currently in the staging directory. A
// missing or unconfigured staging directory is not an error.
func (im *Importer) Import(ctx context.Context) (*Result, error) {
	result := &Result{}
	if im.config.StagingDir == "" {
		return result, nil
	}

	files, err := scanner.ListArchives(im.config.StagingDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, src := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		d, err := descriptor.Detect(src, im.config.AgentParser, im.config.ServerParser)
		if err != nil {
			im.logger.Printf("Warning: %s does not look like a plugin archive, ignoring it", src)
			result.Ignored = append(result.Ignored, src)
			continue
		}

		destDir := im.config.AgentDir
		if d.Kind == descriptor.KindServer {
			destDir = im.config.ServerDir
		}
		if destDir == "" {
			im.logger.Printf("Warning: no directory configured for %s plugin %s, leaving it in place", d.Kind, src)
			result.Ignored = append(result.Ignored, src)
			continue
		}

		dest := filepath.Join(destDir, filepath.Base(src))
		copied, err := im.place(src, files[src], dest)
		if err != nil {
			im.logger.Printf("Warning: failed to process plugin %s, ignoring it: %v", src, err)
			result.Ignored = append(result.Ignored, src)
			continue
		}
		if copied {
			im.logger.Printf("Found plugin %s and placed it at %s", src, dest)
			result.Imported = append(result.Imported, dest)
		} else {
			result.Skipped = append(result.Skipped, src)
		}

		if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
			im.logger.Printf("Warning: plugin %s has been processed but could not be deleted; it will be processed again: %v", src, err)
		}
	}

	return result, nil
}

// place copies src over dest when their digests differ and src is strictly
// newer. It reports whether a copy happened.
func (im *Importer) place(src string, srcInfo fs.FileInfo, dest string) (bool, error) {
	srcDigest, err := hasher.DigestFile(src)
	if err != nil {
		return false, err
	}

	var destMTime int64
	destInfo, err := os.Stat(dest)
	switch {
	case err == nil:
		destDigest, err := hasher.DigestFile(dest)
		if err != nil {
			return false, err
		}
		if destDigest == srcDigest {
			return false, nil
		}
		destMTime = destInfo.ModTime().UnixMilli()
	case errors.Is(err, fs.ErrNotExist):
	default:
		return false, err
	}

	if srcInfo.ModTime().UnixMilli() <= destMTime {
		return false, nil
	}

	if err := copyFile(src, dest, srcInfo); err != nil {
		return false, fmt.Errorf("failed to copy to %s: %w", dest, err)
	}
	return true, nil
}

// copyFile writes src to dest through a temporary file in dest's directory
// and carries over the source mtime.
func copyFile(src, dest string, srcInfo fs.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".plugsync-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = io.Copy(tmp, in)
	if err == nil {
		err = tmp.Chmod(0644)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if err := os.Chtimes(tmpPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmpPath, dest)
}

func absDir(dir string) string {
	if dir == "" {
		return ""
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	return abs
}
