// Package deploy hands archives found by a reconciliation cycle to whatever
// installs them.
//
// A cycle adds every new or changed archive to a Queue. The queue is drained
// into a Deployer; items whose hand-off fails stay queued and are offered
// again after the next cycle together with whatever that cycle found.
package deploy

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
)

// DeploymentInfo locates an archive judged new or changed.
type DeploymentInfo struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// NewDeploymentInfo builds the info for the archive at path.
func NewDeploymentInfo(path string) DeploymentInfo {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return DeploymentInfo{Path: abs, URL: u.String()}
}

// Deployer consumes detected archives. Both methods must be safe to call
// again with the same input.
type Deployer interface {
	// PluginDetected is called once per queued archive.
	PluginDetected(ctx context.Context, info DeploymentInfo) error

	// RegisterPlugins is called after every cycle, even when nothing was
	// detected, so work left by an earlier failed cycle completes.
	RegisterPlugins(ctx context.Context) error
}

// Queue is a cumulative set of pending deployments, deduplicated by path and
// kept in insertion order. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []DeploymentInfo
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Add queues infos. Paths already queued are ignored.
func (q *Queue) Add(infos ...DeploymentInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, info := range infos {
		if q.indexLocked(info.Path) < 0 {
			q.items = append(q.items, info)
		}
	}
}

// Remove drops the queued items for paths. Unknown paths are ignored.
func (q *Queue) Remove(paths ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, path := range paths {
		if i := q.indexLocked(path); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
		}
	}
}

// Drain offers every queued item to fn in order. Items fn accepts are
// removed; failures stay queued and are returned combined.
func (q *Queue) Drain(fn func(DeploymentInfo) error) error {
	q.mu.Lock()
	pending := append([]DeploymentInfo(nil), q.items...)
	q.mu.Unlock()

	var errs error
	var done []string
	for _, info := range pending {
		if err := fn(info); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		done = append(done, info.Path)
	}

	q.Remove(done...)
	return errs
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued items.
func (q *Queue) Items() []DeploymentInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeploymentInfo(nil), q.items...)
}

func (q *Queue) indexLocked(path string) int {
	for i, item := range q.items {
		if item.Path == path {
			return i
		}
	}
	return -1
}
