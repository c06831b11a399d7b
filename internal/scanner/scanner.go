// Package scanner detects new and changed plugin archives in the managed
// directory and keeps the filesystem cache in sync with it.
//
// A scan:
//  1. lists the archives currently in the directory,
//  2. forgets cache entries whose file disappeared,
//  3. re-inspects files that are new or whose mtime changed (digest when
//     the filesystem reports no mtime),
//  4. deletes archives that lost against a newer archive of the same name.
//
// Unreadable or unparseable archives are logged and left out of the cache;
// they are retried on every scan. Only a failure to list the directory is
// returned as an error.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/fscache"
	"github.com/steveyegge/plugsync/internal/hasher"
	"github.com/steveyegge/plugsync/internal/plugin"
)

// Config holds optional collaborators for a Scanner.
type Config struct {
	// Parser reads the descriptor of an archive. Defaults to AgentParser.
	Parser descriptor.Parser

	// Comparator ranks archives sharing a name. Defaults to VersionComparator.
	Comparator plugin.Comparator

	// Logger for scanner activity.
	Logger *log.Logger
}

// Result describes the outcome of one scan.
type Result struct {
	// Changed holds the absolute paths of new or changed archives, sorted.
	Changed []string

	// Obsolete holds the absolute paths deleted because a newer archive of
	// the same name was present.
	Obsolete []string

	// Vanished holds the cached paths whose file no longer exists.
	Vanished []string
}

// Scanner diffs the managed directory against a cache.
type Scanner struct {
	dir        string
	cache      *fscache.Cache
	parser     descriptor.Parser
	comparator plugin.Comparator
	logger     *log.Logger
	remove     func(path string) error
}

// New creates a Scanner for dir. The cache is mutated by every Scan call and
// must not be shared with another Scanner.
func New(dir string, cache *fscache.Cache, cfg *Config) *Scanner {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Scanner{
		dir:        absDir(dir),
		cache:      cache,
		parser:     cfg.Parser,
		comparator: cfg.Comparator,
		logger:     cfg.Logger,
		remove:     removeFile,
	}
	if s.parser == nil {
		s.parser = descriptor.AgentParser{}
	}
	if s.comparator == nil {
		s.comparator = plugin.VersionComparator{}
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[scanner] ", log.LstdFlags)
	}
	return s
}

// Dir returns the absolute directory being scanned.
func (s *Scanner) Dir() string {
	return s.dir
}

// Scan performs one scan. It is safe to call repeatedly; a scan that finds
// nothing new returns an empty Changed set.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	files, err := ListArchives(s.dir)
	if err != nil {
		return nil, err
	}

	result := &Result{}

	for _, path := range s.cache.Paths() {
		if _, ok := files[path]; !ok {
			s.cache.Remove(path)
			result.Vanished = append(result.Vanished, path)
		}
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	updated := make(map[string]bool)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info := files[path]
		if cached, ok := s.cache.Get(path); ok && !s.changed(path, info, cached) {
			continue
		}

		rec, err := s.inspect(path, info)
		if err != nil {
			s.logger.Printf("Warning: skipping %s: %v", path, err)
			s.cache.Remove(path)
			continue
		}
		s.cache.Put(path, rec)
		updated[path] = true
	}

	result.Obsolete = s.resolveDuplicates(updated)

	for path := range updated {
		result.Changed = append(result.Changed, path)
	}
	sort.Strings(result.Changed)

	if len(result.Changed) > 0 || len(result.Obsolete) > 0 || len(result.Vanished) > 0 {
		s.logger.Printf("Scanned %s: %d changed, %d obsolete, %d vanished",
			s.dir, len(result.Changed), len(result.Obsolete), len(result.Vanished))
	}
	return result, nil
}

// changed reports whether the file at path differs from what the cache saw.
// Files without a usable mtime are compared by digest.
func (s *Scanner) changed(path string, info fs.FileInfo, cached *fscache.Entry) bool {
	mtime := plugin.MTimeOf(info.ModTime())
	if mtime != 0 {
		return mtime != cached.MTime
	}

	digest, err := hasher.DigestFile(path)
	if err != nil {
		return true
	}
	return digest != cached.MD5
}

// inspect computes digest and descriptor for the file at path.
func (s *Scanner) inspect(path string, info fs.FileInfo) (*plugin.Record, error) {
	digest, err := hasher.DigestFile(path)
	if err != nil {
		return nil, err
	}
	d, err := s.parser.Parse(path)
	if err != nil {
		return nil, err
	}
	return &plugin.Record{
		Name:    d.Name,
		Path:    filepath.Base(path),
		MD5:     digest,
		Version: d.Version,
		MTime:   plugin.MTimeOf(info.ModTime()),
	}, nil
}

// resolveDuplicates keeps one archive per name. Groups are walked in
// lexicographic path order so ties always keep the smallest path. Deleted
// paths are removed from the cache and from updated and returned.
func (s *Scanner) resolveDuplicates(updated map[string]bool) []string {
	groups := s.cache.GroupByName()
	names := make([]string, 0, len(groups))
	for name, paths := range groups {
		if len(paths) > 1 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var deleted []string
	for _, name := range names {
		paths := groups[name]
		survivor := paths[0]
		for _, candidate := range paths[1:] {
			a, okA := s.cache.Get(survivor)
			b, okB := s.cache.Get(candidate)
			if !okA || !okB {
				continue
			}

			loser, winner := candidate, survivor
			if s.comparator.Compare(a, b) == plugin.LeftObsolete {
				loser, winner = survivor, candidate
			}

			if err := s.remove(loser); err != nil {
				s.logger.Printf("Warning: failed to delete obsolete plugin %s: %v", loser, err)
			} else {
				s.logger.Printf("Deleted %s, superseded by %s", loser, filepath.Base(winner))
				s.cache.Remove(loser)
				delete(updated, loser)
				deleted = append(deleted, loser)
			}
			survivor = winner
		}
	}
	return deleted
}

// ListArchives returns the regular files in dir carrying the archive
// extension, keyed by absolute path.
func ListArchives(dir string) (map[string]fs.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
	}

	files := make(map[string]fs.FileInfo, len(entries))
	for _, entry := range entries {
		if !IsArchive(entry.Name()) || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files[filepath.Join(dir, entry.Name())] = info
	}
	return files, nil
}

// IsArchive reports whether name carries the archive extension.
func IsArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), descriptor.ArchiveExt)
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
