// Package lock provides an advisory lock that keeps two local processes from
// reconciling the same plugin directory at once.
//
// The lock only excludes processes on the same host. Instances on other
// hosts reconcile their own directories against the shared table and need
// no coordination.
package lock

import (
	"errors"
	"path/filepath"
)

// FileName is the lock file created inside the locked directory.
const FileName = ".plugsync.lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("directory is locked by another process")

// Path returns the lock file path for dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}
