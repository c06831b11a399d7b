// Command plugsync keeps a plugin directory in sync with the shared plugin
// table.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/steveyegge/plugsync/internal/config"
	"github.com/steveyegge/plugsync/internal/daemon"
	"github.com/steveyegge/plugsync/internal/deploy"
	"github.com/steveyegge/plugsync/internal/logging"
	"github.com/steveyegge/plugsync/internal/metrics"
	"github.com/steveyegge/plugsync/internal/store"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = "none"
)

// app is the state shared by all subcommands of one root command.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	logs       *logging.Factory
	out        io.Writer
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	a := &app{v: config.New(), out: out}

	rootCmd := &cobra.Command{
		Use:   "plugsync",
		Short: "Keep a plugin directory in sync with the shared plugin table",
		Long: `plugsync reconciles a directory of plugin archives (.jar) with the plugin
table in a shared database.

Every cycle it:
  1. Imports archives dropped into the staging directory
  2. Scans the plugin directory and removes older duplicates
  3. Downloads newer plugins from the database and removes obsolete files
  4. Hands every new or changed archive to the deployer

Settings come from plugsync.toml (or .yaml) in the current directory or
~/.config/plugsync, PLUGSYNC_* environment variables and flags.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logs != nil {
				_ = a.logs.Close()
			}
		},
	}
	rootCmd.SetOut(a.out)

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "admin", Title: "Administration Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: plugsync.toml in . or ~/.config/plugsync)")
	flags.String("plugin-dir", "", "managed plugin directory")
	flags.String("db-driver", "", "database driver: sqlite3, mysql or libsql")
	flags.String("db-dsn", "", "database DSN (sqlite: file path)")
	flags.String("log-file", "", "also write logs to this rotated file")
	bindFlags(a.v, flags, map[string]string{
		"plugin_dir": "plugin-dir",
		"db.driver":  "db-driver",
		"db.dsn":     "db-dsn",
		"log.file":   "log-file",
	})

	rootCmd.AddCommand(
		newRunCommand(a),
		newScanCommand(a),
		newBackfillCommand(a),
		newPublishCommand(a),
		newStatusCommand(a),
		newVersionCommand(),
	)

	return rootCmd
}

// load resolves the configuration once all flags are parsed.
func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logs = logging.New(&logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if used := config.ConfigFileUsed(a.v); used != "" {
		a.logs.Logger("config").Printf("Using config file %s", used)
	}
	return nil
}

// openStore opens the configured database and makes sure the plugin table
// exists.
func (a *app) openStore(ctx context.Context) (*store.DB, error) {
	db, err := store.Open(a.cfg.DB.Driver, a.cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// manifestPath is where the deployer records registered plugins.
func (a *app) manifestPath() string {
	if a.cfg.RegisteredManifest != "" {
		return a.cfg.RegisteredManifest
	}
	return filepath.Join(a.cfg.PluginDir, deploy.ManifestFile)
}

// newService builds the sync service from the loaded configuration.
func (a *app) newService(st daemon.Store, m *metrics.Metrics, observer daemon.Observer) (*daemon.Service, error) {
	return daemon.New(st, &daemon.Config{
		PluginDir:        a.cfg.PluginDir,
		ServerPluginDir:  a.cfg.ServerPluginDir,
		StagingDir:       a.cfg.StagingDir,
		ScanInterval:     a.cfg.ScanInterval,
		Watch:            a.cfg.Watch,
		DebounceInterval: a.cfg.Debounce,
		Deployer:         deploy.NewLogDeployer(a.manifestPath(), a.logs.Logger("deploy")),
		Metrics:          m,
		Observer:         observer,
		Logger:           a.logs.Logger("daemon"),
	})
}

// bindFlags binds viper keys to flags so a flag set on the command line
// overrides file and environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}
