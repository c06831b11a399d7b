// Package daemon schedules reconciliation cycles for one managed plugin
// directory.
//
// # Cycle
//
// Every cycle walks the same states:
//
//	Idle -> Scanning -> Staged -> Registering -> Idle
//
// Scanning imports operator drops, scans the managed directory and
// reconciles it against the enabled database rows. Every archive found new
// or changed is queued (Staged). Registering offers the queue to the
// deployer and calls RegisterPlugins, even when nothing new was queued.
// A scanning failure aborts the cycle; queued archives survive and are
// offered again with the next cycle's findings.
//
// # Scheduling
//
//	svc, err := daemon.New(database, &daemon.Config{
//	    PluginDir:    "/var/lib/plugsync/plugins",
//	    ScanInterval: 5 * time.Minute,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Start runs the missing-content backfill once and the first cycle
// immediately; later cycles start ScanInterval after the previous one ended.
// Trigger requests an early cycle. With Config.Watch set, a FileWatcher on
// the managed and staging directories triggers a cycle once archive events
// have been quiet for DebounceInterval.
//
// # File Watching
//
// The FileWatcher component is a thin layer over fsnotify:
//
//	fw, err := daemon.NewFileWatcher()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fw.Stop()
//
//	if err := fw.Start(map[daemon.Role]string{daemon.RoleManaged: dir}); err != nil {
//	    log.Fatal(err)
//	}
//
//	for event := range fw.Events() {
//	    fmt.Printf("%s: %s (%s)\n", event.Op, event.Path, event.Role)
//	}
//
// Only archive files are reported, so the lock file, the registration
// manifest and temporary download files never trigger a cycle.
package daemon
