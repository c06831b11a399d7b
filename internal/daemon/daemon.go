package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/steveyegge/plugsync/internal/backfill"
	"github.com/steveyegge/plugsync/internal/deploy"
	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/fscache"
	"github.com/steveyegge/plugsync/internal/importer"
	"github.com/steveyegge/plugsync/internal/lock"
	"github.com/steveyegge/plugsync/internal/metrics"
	"github.com/steveyegge/plugsync/internal/plugin"
	"github.com/steveyegge/plugsync/internal/reconcile"
	"github.com/steveyegge/plugsync/internal/scanner"
)

// ErrStopped is returned by operations on a stopped Service.
var ErrStopped = errors.New("service stopped")

// State is the phase a Service is in.
type State int

const (
	// StateIdle means no cycle is running.
	StateIdle State = iota
	// StateScanning covers import, filesystem scan and reconciliation.
	StateScanning
	// StateStaged means changed archives were queued for deployment.
	StateStaged
	// StateRegistering covers the hand-off to the deployer.
	StateRegistering
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateStaged:
		return "staged"
	case StateRegistering:
		return "registering"
	default:
		return "unknown"
	}
}

// Store is the database the service reconciles against.
type Store interface {
	reconcile.Source
	backfill.Store
}

// Config holds configuration for the service.
type Config struct {
	// PluginDir is the managed directory. Required.
	PluginDir string

	// ServerPluginDir receives server plugins dropped into StagingDir.
	ServerPluginDir string

	// StagingDir is the operator drop directory. Empty disables import.
	StagingDir string

	// ScanInterval is the delay between the end of one cycle and the start
	// of the next.
	ScanInterval time.Duration

	// Watch triggers a cycle when archives change in PluginDir or
	// StagingDir, after DebounceInterval without further changes.
	Watch            bool
	DebounceInterval time.Duration

	// DisableLock skips the directory lock. Tests that run two services
	// against one directory on purpose use this.
	DisableLock bool

	// Comparator ranks archives sharing a name. Defaults to
	// VersionComparator.
	Comparator plugin.Comparator

	// Deployer receives changed archives. Defaults to a LogDeployer
	// without manifest.
	Deployer deploy.Deployer

	// Metrics records cycle metrics. May be nil.
	Metrics *metrics.Metrics

	// Observer is told about every finished cycle. May be nil.
	Observer Observer

	// Logger for service activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ScanInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Imported   []string      `json:"imported,omitempty"`
	Changed    []string      `json:"changed,omitempty"`
	Obsolete   []string      `json:"obsolete,omitempty"`
	Downloaded []string      `json:"downloaded,omitempty"`
	Pending    int           `json:"pending"`
	Error      string        `json:"error,omitempty"`
}

// Failed reports whether the cycle was aborted.
func (r *CycleResult) Failed() bool {
	return r.Error != ""
}

// Observer is notified after every cycle, successful or not.
type Observer interface {
	CycleFinished(result *CycleResult)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(result *CycleResult)

// CycleFinished implements Observer.
func (f ObserverFunc) CycleFinished(result *CycleResult) {
	f(result)
}

// PluginStatus is one cached archive as reported by Snapshot.
type PluginStatus struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Version string    `json:"version"`
	MD5     string    `json:"md5"`
	ModTime time.Time `json:"mtime"`
}

// Snapshot is a point-in-time view of the service.
type Snapshot struct {
	State     string                  `json:"state"`
	Cycles    int64                   `json:"cycles"`
	Plugins   []PluginStatus          `json:"plugins"`
	Pending   []deploy.DeploymentInfo `json:"pending"`
	LastCycle *CycleResult            `json:"last_cycle,omitempty"`
}

// Service runs reconciliation cycles for one managed directory.
//
// A cycle imports staged drops, scans the managed directory, reconciles it
// against the database and hands every new or changed archive to the
// deployer. Cycles never overlap.
type Service struct {
	config     *Config
	cache      *fscache.Cache
	queue      *deploy.Queue
	importer   *importer.Importer
	scanner    *scanner.Scanner
	reconciler *reconcile.Reconciler
	backfill   *backfill.Backfiller
	deployer   deploy.Deployer
	logger     *log.Logger

	// cycleMu serializes cycles.
	cycleMu sync.Mutex

	mu      sync.Mutex
	state   State
	cycles  int64
	last    *CycleResult
	started bool
	stopped bool

	trigger chan struct{}
	lock    *lock.Lock
	watcher *FileWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service. Use Start() to begin periodic cycles, or call
// RunCycle directly.
func New(st Store, config *Config) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil || config.PluginDir == "" {
		return nil, fmt.Errorf("plugin directory cannot be empty")
	}

	cfg := *config
	defaults := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaults.ScanInterval
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaults.DebounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.Comparator == nil {
		cfg.Comparator = plugin.VersionComparator{}
	}
	if cfg.Deployer == nil {
		cfg.Deployer = deploy.NewLogDeployer("", cfg.Logger)
	}

	cache := fscache.New()
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config: &cfg,
		cache:  cache,
		queue:  deploy.NewQueue(),
		importer: importer.New(&importer.Config{
			StagingDir: cfg.StagingDir,
			AgentDir:   cfg.PluginDir,
			ServerDir:  cfg.ServerPluginDir,
			Logger:     cfg.Logger,
		}),
		scanner: scanner.New(cfg.PluginDir, cache, &scanner.Config{
			Parser:     descriptor.AgentParser{},
			Comparator: cfg.Comparator,
			Logger:     cfg.Logger,
		}),
		reconciler: reconcile.New(cfg.PluginDir, cache, st, &reconcile.Config{
			Comparator: cfg.Comparator,
			Logger:     cfg.Logger,
		}),
		backfill: backfill.New(cfg.PluginDir, st, &backfill.Config{
			Logger: cfg.Logger,
		}),
		deployer: cfg.Deployer,
		logger:   cfg.Logger,
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start takes the directory lock, runs the missing-content backfill once and
// begins cycling: one cycle immediately, then one ScanInterval after each
// cycle ends. It returns once the background loop is running.
//
// Cycles run with a context derived from ctx that is not cancelled with it;
// Stop() is what ends the loop, and it lets an in-flight cycle finish.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Printf("Starting plugin sync for %s", s.scanner.Dir())

	if err := os.MkdirAll(s.scanner.Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}

	if !s.config.DisableLock {
		l, err := lock.Acquire(s.scanner.Dir())
		if err != nil {
			return err
		}
		s.lock = l
	}

	res, err := s.backfill.Run(ctx)
	if err != nil {
		s.logger.Printf("Warning: missing-content backfill failed: %v", err)
	} else if n := len(res.Uploaded) + len(res.Forced) + len(res.Disabled); n > 0 {
		s.logger.Printf("Backfill: %d uploaded, %d forced, %d disabled",
			len(res.Uploaded), len(res.Forced), len(res.Disabled))
	}

	if s.config.Watch {
		if err := s.startWatcher(); err != nil {
			_ = s.lock.Release()
			return err
		}
	}

	cycleCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go s.loop(cycleCtx)

	return nil
}

// Run starts the service and blocks until ctx is cancelled, then stops it.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Println("Shutdown signal received")
	case <-s.ctx.Done():
	}
	return s.Stop()
}

// Stop cancels the timer, waits for an in-flight cycle to finish and
// releases the watcher and directory lock. Calling Stop more than once is
// safe.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Println("Stopping plugin sync")
	s.cancel()
	s.wg.Wait()

	// Wait out a cycle started through RunCycle.
	s.cycleMu.Lock()
	s.cycleMu.Unlock()

	var err error
	if s.watcher != nil {
		err = multierr.Append(err, s.watcher.Stop())
	}
	err = multierr.Append(err, s.lock.Release())

	s.logger.Println("Plugin sync stopped")
	return err
}

// Trigger requests a cycle as soon as the current one, if any, finishes.
// Requests made while one is already pending are coalesced.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// State returns the current phase.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the cached archives, pending deployments and last cycle.
func (s *Service) Snapshot() *Snapshot {
	s.mu.Lock()
	snap := &Snapshot{
		State:     s.state.String(),
		Cycles:    s.cycles,
		LastCycle: s.last,
	}
	s.mu.Unlock()

	for path, e := range s.cache.Snapshot() {
		snap.Plugins = append(snap.Plugins, PluginStatus{
			Path:    path,
			Name:    e.Name,
			Version: e.Version,
			MD5:     e.MD5,
			ModTime: e.ModTime().UTC(),
		})
	}
	sort.Slice(snap.Plugins, func(i, j int) bool { return snap.Plugins[i].Path < snap.Plugins[j].Path })
	snap.Pending = s.queue.Items()
	return snap
}

// Scan imports staged drops, scans the managed directory and reconciles it
// against the database. New or changed archives are queued for deployment
// but not handed off. It returns the changed paths.
func (s *Service) Scan(ctx context.Context) ([]string, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if s.isStopped() {
		return nil, ErrStopped
	}

	result := s.newResult()
	err := s.stage(ctx, result)
	s.setState(StateIdle)
	if err != nil {
		return nil, err
	}
	return result.Changed, nil
}

// RunCycle runs one full cycle: Scan followed by the hand-off of every
// pending archive to the deployer and a call to RegisterPlugins.
//
// A failure while scanning aborts the cycle and is returned. Deployer
// failures are logged; the affected archives stay pending for the next
// cycle.
func (s *Service) RunCycle(ctx context.Context) (*CycleResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if s.isStopped() {
		return nil, ErrStopped
	}

	result := s.newResult()
	err := s.stage(ctx, result)
	if err == nil {
		s.register(ctx)
	}
	s.finish(result, err)
	return result, err
}

// stage runs the scanning phase and queues changed archives.
func (s *Service) stage(ctx context.Context, result *CycleResult) error {
	s.setState(StateScanning)

	imported, err := s.importer.Import(ctx)
	if err != nil {
		return fmt.Errorf("failed to import staged plugins: %w", err)
	}
	result.Imported = imported.Imported

	scanned, err := s.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan plugin directory: %w", err)
	}
	s.config.Metrics.AddDeleted(metrics.ReasonDuplicate, len(scanned.Obsolete))

	reconciled, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile with database: %w", err)
	}
	s.config.Metrics.AddDeleted(metrics.ReasonObsolete, len(reconciled.Obsolete))
	s.config.Metrics.AddDownloadedBytes(reconciled.Bytes)

	result.Obsolete = append(append(result.Obsolete, scanned.Obsolete...), reconciled.Obsolete...)
	result.Downloaded = reconciled.Downloaded
	result.Changed = mergeChanged(scanned.Changed, reconciled.Downloaded, reconciled.Obsolete)

	// Archives deleted this cycle can no longer be handed off.
	s.queue.Remove(result.Obsolete...)
	s.queue.Remove(scanned.Vanished...)

	infos := make([]deploy.DeploymentInfo, 0, len(result.Changed))
	for _, path := range result.Changed {
		infos = append(infos, deploy.NewDeploymentInfo(path))
	}
	s.queue.Add(infos...)
	s.setState(StateStaged)
	return nil
}

// register hands pending archives to the deployer.
func (s *Service) register(ctx context.Context) {
	s.setState(StateRegistering)

	if err := s.queue.Drain(func(info deploy.DeploymentInfo) error {
		return s.deployer.PluginDetected(ctx, info)
	}); err != nil {
		s.logger.Printf("Warning: failed to hand off plugins, will retry: %v", err)
	}
	if err := s.deployer.RegisterPlugins(ctx); err != nil {
		s.logger.Printf("Warning: failed to register plugins, will retry: %v", err)
	}
}

func (s *Service) newResult() *CycleResult {
	return &CycleResult{ID: uuid.NewString(), StartedAt: time.Now()}
}

// finish records a finished cycle and notifies observers.
func (s *Service) finish(result *CycleResult, err error) {
	result.Duration = time.Since(result.StartedAt)
	result.Pending = s.queue.Len()

	outcome := metrics.ResultOK
	if err != nil {
		result.Error = err.Error()
		outcome = metrics.ResultFailed
		s.logger.Printf("Cycle %s failed: %v", result.ID, err)
	} else if len(result.Changed) > 0 {
		s.logger.Printf("Cycle %s: %d changed, %d pending", result.ID, len(result.Changed), result.Pending)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.cycles++
	s.last = result
	s.mu.Unlock()

	s.config.Metrics.ObserveCycle(outcome, result.Duration, len(result.Changed))
	s.config.Metrics.SetState(result.Pending, s.cache.Len())
	if s.config.Observer != nil {
		s.config.Observer.CycleFinished(result)
	}
}

// loop drives periodic cycles until the service is stopped.
func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}

		if _, err := s.RunCycle(ctx); errors.Is(err, ErrStopped) {
			return
		}
		timer.Reset(s.config.ScanInterval)
	}
}

// startWatcher triggers cycles on archive changes after a quiet period.
func (s *Service) startWatcher() error {
	fw, err := NewFileWatcher()
	if err != nil {
		return err
	}
	dirs := map[Role]string{RoleManaged: s.scanner.Dir()}
	if s.config.StagingDir != "" {
		if err := os.MkdirAll(s.config.StagingDir, 0755); err != nil {
			_ = fw.Stop()
			return fmt.Errorf("failed to create staging directory: %w", err)
		}
		dirs[RoleStaging] = s.config.StagingDir
	}
	if err := fw.Start(dirs); err != nil {
		_ = fw.Stop()
		return err
	}
	s.watcher = fw

	s.wg.Add(1)
	go s.watchEvents(fw)
	return nil
}

func (s *Service) watchEvents(fw *FileWatcher) {
	defer s.wg.Done()

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-fw.Events():
			if !ok {
				return
			}
			s.logger.Printf("Detected %s of %s archive %s", event.Op, event.Role, event.Path)
			if debounce == nil {
				debounce = time.NewTimer(s.config.DebounceInterval)
			} else {
				debounce.Reset(s.config.DebounceInterval)
			}
			fire = debounce.C

		case err, ok := <-fw.Errors():
			if !ok {
				return
			}
			s.logger.Printf("Warning: watcher error: %v", err)

		case <-fire:
			fire = nil
			s.Trigger()
		}
	}
}

func (s *Service) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// mergeChanged combines scanner and reconciler output into the sorted set
// of archives that exist after the cycle and need deployment.
func mergeChanged(scanned, downloaded, deleted []string) []string {
	gone := make(map[string]bool, len(deleted))
	for _, p := range deleted {
		gone[p] = true
	}

	seen := make(map[string]bool)
	var out []string
	for _, p := range scanned {
		if !gone[p] && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range downloaded {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
