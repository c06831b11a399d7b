package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/hasher"
)

// ManifestFile is the default file name of the registration manifest.
const ManifestFile = ".plugsync-registered.json"

// Registration is one entry of the registration manifest.
type Registration struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Path         string    `json:"path"`
	MD5          string    `json:"md5"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Manifest is the JSON document LogDeployer maintains.
type Manifest struct {
	Plugins []Registration `json:"plugins"`
}

// LogDeployer logs detected archives and records them in a JSON manifest
// when RegisterPlugins runs. It is the default Deployer for hosts where an
// external process picks up the manifest.
type LogDeployer struct {
	// ManifestPath is where the manifest is written. Empty disables it.
	ManifestPath string

	// Parser reads archive descriptors. Defaults to AgentParser.
	Parser descriptor.Parser

	// Logger for deployer activity.
	Logger *log.Logger

	mu         sync.Mutex
	pending    map[string]Registration
	registered map[string]Registration
}

// NewLogDeployer creates a LogDeployer. manifestPath may be empty.
func NewLogDeployer(manifestPath string, logger *log.Logger) *LogDeployer {
	if logger == nil {
		logger = log.New(os.Stderr, "[deploy] ", log.LstdFlags)
	}
	return &LogDeployer{
		ManifestPath: manifestPath,
		Logger:       logger,
	}
}

// PluginDetected implements Deployer.
func (d *LogDeployer) PluginDetected(_ context.Context, info DeploymentInfo) error {
	parser := d.Parser
	if parser == nil {
		parser = descriptor.AgentParser{}
	}

	desc, err := parser.Parse(info.Path)
	if err != nil {
		return fmt.Errorf("failed to read descriptor of %s: %w", info.Path, err)
	}
	digest, err := hasher.DigestFile(info.Path)
	if err != nil {
		return fmt.Errorf("failed to digest %s: %w", info.Path, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		d.pending = make(map[string]Registration)
	}
	d.pending[desc.Name] = Registration{
		Name:    desc.Name,
		Version: desc.Version,
		Path:    filepath.Base(info.Path),
		MD5:     digest,
	}
	d.logger().Printf("Detected plugin %s %s at %s", desc.Name, desc.Version, info.URL)
	return nil
}

// RegisterPlugins implements Deployer. Pending detections are merged into
// the registered set and the manifest is rewritten.
func (d *LogDeployer) RegisterPlugins(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.registered == nil {
		d.registered = make(map[string]Registration)
	}
	if len(d.pending) == 0 && d.ManifestPath == "" {
		return nil
	}

	now := time.Now().UTC()
	for name, reg := range d.pending {
		reg.RegisteredAt = now
		d.registered[name] = reg
		d.logger().Printf("Registered plugin %s %s", reg.Name, reg.Version)
	}

	if d.ManifestPath != "" && (len(d.pending) > 0 || !fileExists(d.ManifestPath)) {
		if err := writeManifest(d.ManifestPath, d.manifestLocked()); err != nil {
			return err
		}
	}
	d.pending = nil
	return nil
}

// Registered returns the registered plugins sorted by name.
func (d *LogDeployer) Registered() []Registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manifestLocked().Plugins
}

func (d *LogDeployer) manifestLocked() *Manifest {
	m := &Manifest{Plugins: make([]Registration, 0, len(d.registered))}
	for _, reg := range d.registered {
		m.Plugins = append(m.Plugins, reg)
	}
	sort.Slice(m.Plugins, func(i, j int) bool { return m.Plugins[i].Name < m.Plugins[j].Name })
	return m
}

func (d *LogDeployer) logger() *log.Logger {
	if d.Logger == nil {
		d.Logger = log.New(os.Stderr, "[deploy] ", log.LstdFlags)
	}
	return d.Logger
}

// ReadManifest loads a manifest written by LogDeployer.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// writeManifest writes m atomically via a temp file.
func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
