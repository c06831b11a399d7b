package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/plugsync/internal/scanner"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new archive appeared.
	OpCreate EventOp = iota
	// OpModify indicates an existing archive was written.
	OpModify
	// OpDelete indicates an archive was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Role tells which watched directory an event came from.
type Role int

const (
	// RoleManaged is the managed plugin directory.
	RoleManaged Role = iota
	// RoleStaging is the operator drop directory.
	RoleStaging
)

// String returns a human-readable representation of the role.
func (r Role) String() string {
	switch r {
	case RoleManaged:
		return "managed"
	case RoleStaging:
		return "staging"
	default:
		return "unknown"
	}
}

// FileEvent represents a file system event for a plugin archive.
type FileEvent struct {
	// Path is the absolute path to the archive that changed.
	Path string
	// Role is the directory the archive lives in.
	Role Role
	// Op is the operation that occurred.
	Op EventOp
}

// FileWatcher watches the plugin directories for archive changes.
// It uses fsnotify for cross-platform file system event monitoring.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	roles   map[string]Role // absolute dir -> role
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dirs, keyed by their role. Empty paths are skipped.
// Returns an error if a directory cannot be watched.
func (fw *FileWatcher) Start(dirs map[Role]string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	roles := make(map[string]Role, len(dirs))
	var added []string
	for role, dir := range dirs {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			abs = filepath.Clean(dir)
		}
		if err := fw.watcher.Add(abs); err != nil {
			for _, a := range added {
				fw.watcher.Remove(a)
			}
			return fmt.Errorf("failed to watch %s directory %s: %w", role, dir, err)
		}
		added = append(added, abs)
		roles[abs] = role
	}

	fw.roles = roles
	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	// Closing the watcher unblocks the event loop.
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a FileEvent. Anything that is not
// an archive in a watched directory, including the manifest and temporary
// files this service writes itself, is ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !scanner.IsArchive(event.Name) {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return FileEvent{}, false
	}
	role, ok := fw.roles[filepath.Dir(abs)]
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: abs, Role: role, Op: op}, true
}
