// Package loadtest simulates many hosts reconciling their plugin directories
// against one shared plugin table.
//
// Each simulated host is a daemon.Service with its own managed directory.
// The harness measures cycle latency under concurrency and checks that every
// host converges on exactly the enabled rows.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/plugsync/internal/daemon"
	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/hasher"
	"github.com/steveyegge/plugsync/internal/plugin"
	"github.com/steveyegge/plugsync/internal/scanner"
	"github.com/steveyegge/plugsync/internal/store"
)

// TestDatabase is a populated plugin table shared by simulated hosts.
type TestDatabase struct {
	DB           *store.DB
	TotalPlugins int
	Versions     int

	// Logger is handed to every simulated host. Defaults to discarding.
	Logger *log.Logger

	mu       sync.Mutex
	current  map[string]*plugin.Record // enabled row per name, without content
	rng      *rand.Rand
	baseTime time.Time
}

// LatencyStats captures cycle timings from a load test.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	TotalCycles int
	Errors      int
	Durations   []time.Duration
}

// CreateTestDatabase creates a sqlite plugin table at dbPath holding
// numPlugins plugins with versionsPerPlugin published versions each. Only
// the newest version of every plugin stays enabled.
//
// The caller must import the sqlite3 driver.
func CreateTestDatabase(dbPath string, numPlugins, versionsPerPlugin int) (*TestDatabase, error) {
	if numPlugins <= 0 || versionsPerPlugin <= 0 {
		return nil, fmt.Errorf("plugins and versions must be positive")
	}

	database, err := store.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every simulated host holds a connection while it streams content.
	database.RawDB().SetMaxOpenConns(150)
	database.RawDB().SetMaxIdleConns(50)

	if err := database.InitSchema(context.Background()); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	td := &TestDatabase{
		DB:           database,
		TotalPlugins: numPlugins,
		Versions:     versionsPerPlugin,
		Logger:       log.New(io.Discard, "", 0),
		current:      make(map[string]*plugin.Record, numPlugins),
		rng:          rand.New(rand.NewSource(42)),
		baseTime:     time.Now().Add(-30 * 24 * time.Hour),
	}

	for i := 0; i < numPlugins; i++ {
		name := pluginName(i)
		for v := 1; v <= versionsPerPlugin; v++ {
			if _, err := td.publish(context.Background(), name, v); err != nil {
				_ = database.Close()
				return nil, err
			}
		}
	}

	return td, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

// Current returns the enabled record for every plugin, without content.
func (td *TestDatabase) Current() map[string]*plugin.Record {
	td.mu.Lock()
	defer td.mu.Unlock()
	out := make(map[string]*plugin.Record, len(td.current))
	for name, rec := range td.current {
		out[name] = rec
	}
	return out
}

// PublishNext publishes the next version of the named plugin.
func (td *TestDatabase) PublishNext(ctx context.Context, name string) (*plugin.Record, error) {
	td.mu.Lock()
	next := 1
	if rec, ok := td.current[name]; ok {
		fmt.Sscanf(rec.Version, "%d.0", &next)
		next++
	}
	td.mu.Unlock()
	return td.publish(ctx, name, next)
}

func (td *TestDatabase) publish(ctx context.Context, name string, version int) (*plugin.Record, error) {
	td.mu.Lock()
	payload := make([]byte, 1024+td.rng.Intn(7*1024))
	td.rng.Read(payload)
	td.mu.Unlock()

	ver := fmt.Sprintf("%d.0", version)
	content, err := descriptor.BuildArchive(&descriptor.Descriptor{Name: name, Version: ver, Kind: descriptor.KindAgent}, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build archive for %s %s: %w", name, ver, err)
	}

	rec := &plugin.Record{
		Name:    name,
		Path:    fmt.Sprintf("%s-%s.jar", name, ver),
		MD5:     hasher.DigestBytes(content),
		Version: ver,
		MTime:   td.baseTime.Add(time.Duration(version) * time.Minute).UnixMilli(),
		Content: content,
		Enabled: true,
	}
	if err := td.DB.Publish(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to publish %s %s: %w", name, ver, err)
	}

	td.mu.Lock()
	td.current[name] = rec.WithoutContent()
	td.mu.Unlock()
	return rec, nil
}

// newHost creates a simulated host syncing rootDir/host-NNN.
func (td *TestDatabase) newHost(rootDir string, id int) (*daemon.Service, string, error) {
	dir := filepath.Join(rootDir, fmt.Sprintf("host-%03d", id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create host directory: %w", err)
	}
	svc, err := daemon.New(td.DB, &daemon.Config{
		PluginDir:   dir,
		DisableLock: true,
		Logger:      td.Logger,
	})
	return svc, dir, err
}

// RunConcurrentHosts simulates numHosts hosts running cyclesPerHost cycles
// each against the database, all at once. Every host's directory is
// returned so callers can verify convergence.
func (td *TestDatabase) RunConcurrentHosts(ctx context.Context, rootDir string, numHosts, cyclesPerHost int) (*LatencyStats, []string, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numHosts)
	errorsChan := make(chan error, numHosts)
	dirs := make([]string, numHosts)

	for i := 0; i < numHosts; i++ {
		svc, dir, err := td.newHost(rootDir, i)
		if err != nil {
			return nil, nil, err
		}
		dirs[i] = dir

		wg.Add(1)
		go func(hostID int, svc *daemon.Service) {
			defer wg.Done()
			defer svc.Stop()

			durations := make([]time.Duration, 0, cyclesPerHost)
			for j := 0; j < cyclesPerHost; j++ {
				start := time.Now()
				_, err := svc.RunCycle(ctx)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("host %d cycle %d failed: %w", hostID, j, err)
					break
				}
			}
			resultsChan <- durations
		}(i, svc)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		td.Logger.Printf("Error: %v", err)
		errs = append(errs, err)
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, dirs, fmt.Errorf("no cycles completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = len(errs)
	return stats, dirs, nil
}

// RunWithPublisher keeps numHosts hosts cycling while new versions are
// published every publishInterval, until duration elapses. Each host then
// runs one final cycle so the directories reflect the last publish.
func (td *TestDatabase) RunWithPublisher(ctx context.Context, rootDir string, numHosts int, duration, publishInterval time.Duration) ([]string, error) {
	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	hosts := make([]*daemon.Service, numHosts)
	dirs := make([]string, numHosts)
	for i := range hosts {
		svc, dir, err := td.newHost(rootDir, i)
		if err != nil {
			return nil, err
		}
		hosts[i], dirs[i] = svc, dir
	}
	defer func() {
		for _, svc := range hosts {
			_ = svc.Stop()
		}
	}()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numHosts+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(publishInterval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := td.PublishNext(runCtx, pluginName(i%td.TotalPlugins)); err != nil && runCtx.Err() == nil {
					errorsChan <- fmt.Errorf("publisher failed: %w", err)
					return
				}
			}
		}
	}()

	for i, svc := range hosts {
		wg.Add(1)
		go func(hostID int, svc *daemon.Service) {
			defer wg.Done()
			for runCtx.Err() == nil {
				if _, err := svc.RunCycle(runCtx); err != nil && runCtx.Err() == nil {
					errorsChan <- fmt.Errorf("host %d cycle failed: %w", hostID, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i, svc)
	}

	wg.Wait()
	close(errorsChan)
	for err := range errorsChan {
		if err != nil {
			return dirs, err
		}
	}

	for i, svc := range hosts {
		if _, err := svc.RunCycle(ctx); err != nil {
			return dirs, fmt.Errorf("host %d final cycle failed: %w", i, err)
		}
	}
	return dirs, nil
}

// VerifyConvergence checks that dir holds exactly one archive per enabled
// plugin and that its content matches the row's digest. The filename is not
// checked: an archive equivalent to the row keeps the name it was
// downloaded under.
func (td *TestDatabase) VerifyConvergence(dir string) error {
	files, err := scanner.ListArchives(dir)
	if err != nil {
		return err
	}

	byName := make(map[string][]string)
	for path := range files {
		d, err := (descriptor.AgentParser{}).Parse(path)
		if err != nil {
			return fmt.Errorf("%s: unreadable archive: %w", dir, err)
		}
		byName[d.Name] = append(byName[d.Name], path)
	}

	want := td.Current()
	if len(byName) != len(want) {
		return fmt.Errorf("%s: expected %d plugins, found %d", dir, len(want), len(byName))
	}
	for name, rec := range want {
		paths := byName[name]
		if len(paths) != 1 {
			return fmt.Errorf("%s: expected one archive for plugin %s, found %d", dir, name, len(paths))
		}
		sum, err := hasher.DigestFile(paths[0])
		if err != nil {
			return err
		}
		if sum != rec.MD5 {
			return fmt.Errorf("%s: plugin %s at %s has digest %s, want %s (version %s)",
				dir, name, filepath.Base(paths[0]), sum, rec.MD5, rec.Version)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalCycles: len(durations),
		Durations:   sorted,
	}
}

// Print writes the statistics in a human-readable form.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Cycle Latency:\n")
	fmt.Fprintf(w, "  Total Cycles:  %d\n", s.TotalCycles)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

func pluginName(i int) string {
	return fmt.Sprintf("plugin-%03d", i)
}
