package scanner

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/fscache"
	"github.com/steveyegge/plugsync/internal/hasher"
)

// writeArchive creates an agent plugin archive in dir with the given mtime.
func writeArchive(t *testing.T, dir, file, name, version string, mtime time.Time) string {
	t.Helper()

	path := filepath.Join(dir, file)
	d := &descriptor.Descriptor{Name: name, Version: version, Kind: descriptor.KindAgent}
	if err := descriptor.WriteArchive(path, d, []byte(name+"-"+version)); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}
	return path
}

func newTestScanner(t *testing.T) (*Scanner, *fscache.Cache, string) {
	t.Helper()

	dir := t.TempDir()
	cache := fscache.New()
	s := New(dir, cache, &Config{Logger: log.New(io.Discard, "", 0)})
	return s, cache, s.Dir()
}

func TestScan_NewFilesThenIdle(t *testing.T) {
	s, cache, dir := newTestScanner(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := writeArchive(t, dir, "a.jar", "a", "1.0", base)
	b := writeArchive(t, dir, "b.jar", "b", "1.0", base)
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if diff := cmp.Diff([]string{a, b}, res.Changed); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
	if cache.Len() != 2 {
		t.Errorf("cache.Len() = %d, want 2", cache.Len())
	}

	entry, ok := cache.Get(a)
	if !ok || entry.Name != "a" || entry.Version != "1.0" || entry.Path != "a.jar" || entry.MD5 == "" {
		t.Errorf("cache entry for a = %v", entry)
	}

	res, err = s.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan() failed: %v", err)
	}
	if len(res.Changed) != 0 {
		t.Errorf("second Scan() Changed = %v, want none", res.Changed)
	}
}

func TestScan_ModifiedAndVanished(t *testing.T) {
	s, cache, dir := newTestScanner(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := writeArchive(t, dir, "a.jar", "a", "1.0", base)
	b := writeArchive(t, dir, "b.jar", "b", "1.0", base)
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	writeArchive(t, dir, "a.jar", "a", "1.1", base.Add(time.Hour))
	if err := os.Remove(b); err != nil {
		t.Fatal(err)
	}

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if diff := cmp.Diff([]string{a}, res.Changed); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{b}, res.Vanished); diff != "" {
		t.Errorf("Vanished mismatch (-want +got):\n%s", diff)
	}
	if _, ok := cache.Get(b); ok {
		t.Error("vanished file still cached")
	}
	if e, _ := cache.Get(a); e.Version != "1.1" {
		t.Errorf("cached version = %q, want 1.1", e.Version)
	}
}

func TestScan_DuplicateResolution(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		files    []struct{ file, version string }
		wantKeep string
	}{
		{
			name: "newer version wins",
			files: []struct{ file, version string }{
				{"jboss-1.0.jar", "1.0"},
				{"jboss-2.0.jar", "2.0"},
			},
			wantKeep: "jboss-2.0.jar",
		},
		{
			name: "newer version wins regardless of path order",
			files: []struct{ file, version string }{
				{"a-new.jar", "3.0"},
				{"b-old.jar", "2.5"},
			},
			wantKeep: "a-new.jar",
		},
		{
			name: "identical copies keep smallest path",
			files: []struct{ file, version string }{
				{"copy-b.jar", "1.0"},
				{"copy-a.jar", "1.0"},
			},
			wantKeep: "copy-a.jar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, cache, dir := newTestScanner(t)
			for _, f := range tt.files {
				writeArchive(t, dir, f.file, "jboss", f.version, base)
			}

			res, err := s.Scan(context.Background())
			if err != nil {
				t.Fatalf("Scan() failed: %v", err)
			}

			keep := filepath.Join(dir, tt.wantKeep)
			if diff := cmp.Diff([]string{keep}, res.Changed); diff != "" {
				t.Errorf("Changed mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{keep}, cache.Paths()); diff != "" {
				t.Errorf("cache paths mismatch (-want +got):\n%s", diff)
			}
			if len(res.Obsolete) != 1 {
				t.Errorf("Obsolete = %v, want one deletion", res.Obsolete)
			}

			files, err := ListArchives(dir)
			if err != nil {
				t.Fatalf("ListArchives() failed: %v", err)
			}
			if len(files) != 1 {
				t.Errorf("%d archives on disk, want 1", len(files))
			}
		})
	}
}

func TestScan_DuplicateAgainstCachedFile(t *testing.T) {
	s, cache, dir := newTestScanner(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	current := writeArchive(t, dir, "jboss-2.0.jar", "jboss", "2.0", base)
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	stale := writeArchive(t, dir, "jboss-1.0.jar", "jboss", "1.0", base.Add(time.Hour))
	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if len(res.Changed) != 0 {
		t.Errorf("Changed = %v, want none", res.Changed)
	}
	if diff := cmp.Diff([]string{stale}, res.Obsolete); diff != "" {
		t.Errorf("Obsolete mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{current}, cache.Paths()); diff != "" {
		t.Errorf("cache paths mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_FailedDeletionRetried(t *testing.T) {
	s, cache, dir := newTestScanner(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := writeArchive(t, dir, "jboss-1.0.jar", "jboss", "1.0", base)
	current := writeArchive(t, dir, "jboss-2.0.jar", "jboss", "2.0", base)

	s.remove = func(string) error { return errors.New("permission denied") }

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if len(res.Obsolete) != 0 {
		t.Errorf("Obsolete = %v, want none while deletion fails", res.Obsolete)
	}
	if diff := cmp.Diff([]string{old, current}, res.Changed); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{old, current}, cache.Paths()); diff != "" {
		t.Errorf("cache paths mismatch (-want +got):\n%s", diff)
	}

	s.remove = removeFile

	res, err = s.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan() failed: %v", err)
	}
	if diff := cmp.Diff([]string{old}, res.Obsolete); diff != "" {
		t.Errorf("Obsolete mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{current}, cache.Paths()); diff != "" {
		t.Errorf("cache paths mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("jboss-1.0.jar should be deleted, stat err = %v", err)
	}
}

// fileInfo is an fs.FileInfo with a chosen modification time.
type fileInfo struct {
	fs.FileInfo
	mtime time.Time
}

func (fi fileInfo) ModTime() time.Time { return fi.mtime }

func TestChanged(t *testing.T) {
	s, _, dir := newTestScanner(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	path := writeArchive(t, dir, "a.jar", "a", "1.0", base)

	digest, err := hasher.DigestFile(path)
	if err != nil {
		t.Fatal(err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		mtime  time.Time
		cached *fscache.Entry
		want   bool
	}{
		{"same mtime", path, base, &fscache.Entry{MTime: base.UnixMilli(), MD5: "stale"}, false},
		{"different mtime", path, base.Add(time.Second), &fscache.Entry{MTime: base.UnixMilli(), MD5: digest}, true},
		{"zero mtime same digest", path, time.Time{}, &fscache.Entry{MTime: base.UnixMilli(), MD5: digest}, false},
		{"zero mtime different digest", path, time.Time{}, &fscache.Entry{MTime: 0, MD5: "stale"}, true},
		{"epoch mtime same digest", path, time.UnixMilli(0), &fscache.Entry{MD5: digest}, false},
		{"zero mtime unreadable", filepath.Join(dir, "gone.jar"), time.Time{}, &fscache.Entry{MD5: digest}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.changed(tt.path, fileInfo{FileInfo: stat, mtime: tt.mtime}, tt.cached)
			if got != tt.want {
				t.Errorf("changed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScan_UnparseableArchiveSkipped(t *testing.T) {
	s, cache, dir := newTestScanner(t)

	bad := filepath.Join(dir, "broken.jar")
	if err := os.WriteFile(bad, []byte("not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	good := writeArchive(t, dir, "good.jar", "good", "1.0", time.Now())

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if diff := cmp.Diff([]string{good}, res.Changed); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
	if _, ok := cache.Get(bad); ok {
		t.Error("unparseable archive must not be cached")
	}
	if _, err := os.Stat(bad); err != nil {
		t.Errorf("unparseable archive should stay on disk: %v", err)
	}
}

func TestScan_MissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"), fscache.New(), &Config{Logger: log.New(io.Discard, "", 0)})
	if _, err := s.Scan(context.Background()); err == nil {
		t.Error("Scan() of missing directory should fail")
	}
}

func TestIsArchive(t *testing.T) {
	tests := map[string]bool{
		"a.jar":     true,
		"A.JAR":     true,
		"a.jar.tmp": false,
		"a.zip":     false,
		"jar":       false,
	}
	for name, want := range tests {
		if got := IsArchive(name); got != want {
			t.Errorf("IsArchive(%q) = %v, want %v", name, got, want)
		}
	}
}
