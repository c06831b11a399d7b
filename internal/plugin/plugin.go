// Package plugin defines the plugin record shared by the filesystem cache,
// the database store and the reconciler, plus the obsolescence comparator
// that ranks two records claiming the same logical name.
package plugin

import (
	"fmt"
	"time"
)

// Record is a snapshot of one logical plugin.
//
// Name is the logical identity. Path is the archive filename inside the
// managed directory and may change between versions of the same plugin.
// MTime is in Unix milliseconds; zero means "unknown, treat as new".
type Record struct {
	Name    string
	Path    string
	MD5     string
	Version string
	MTime   int64
	Content []byte
	Enabled bool
}

// ModTime returns MTime as a time.Time.
func (r *Record) ModTime() time.Time {
	return time.UnixMilli(r.MTime)
}

// WithoutContent returns a copy of r with Content cleared.
func (r *Record) WithoutContent() *Record {
	c := *r
	c.Content = nil
	return &c
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	return fmt.Sprintf("%s[path=%s, version=%s, md5=%s, mtime=%s]",
		r.Name, r.Path, r.Version, r.MD5, r.ModTime().UTC().Format(time.RFC3339))
}

// MTimeOf converts a file modification time to the millisecond form stored
// in records. The zero time maps to 0.
func MTimeOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
