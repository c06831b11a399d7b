package daemon_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/plugsync/internal/daemon"
	"github.com/steveyegge/plugsync/internal/descriptor"
	"github.com/steveyegge/plugsync/internal/hasher"
	"github.com/steveyegge/plugsync/internal/plugin"
	"github.com/steveyegge/plugsync/internal/store"
)

// This example publishes a plugin to the database and runs one cycle, which
// materializes it in an empty managed directory.
func ExampleService_RunCycle() {
	tmpDir, err := os.MkdirTemp("", "plugsync-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	database, err := store.Open("sqlite3", filepath.Join(tmpDir, "plugsync.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.InitSchema(ctx); err != nil {
		log.Fatal(err)
	}

	content, err := descriptor.BuildArchive(&descriptor.Descriptor{Name: "jboss", Version: "2.0", Kind: descriptor.KindAgent}, nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := database.Publish(ctx, &plugin.Record{
		Name:    "jboss",
		Path:    "jboss-2.0.jar",
		MD5:     hasher.DigestBytes(content),
		Version: "2.0",
		Content: content,
	}); err != nil {
		log.Fatal(err)
	}

	svc, err := daemon.New(database, &daemon.Config{
		PluginDir: filepath.Join(tmpDir, "plugins"),
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer svc.Stop()

	if err := os.MkdirAll(filepath.Join(tmpDir, "plugins"), 0755); err != nil {
		log.Fatal(err)
	}

	result, err := svc.RunCycle(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, path := range result.Changed {
		fmt.Println(filepath.Base(path))
	}

	// Output:
	// jboss-2.0.jar
}

// This example watches a managed directory for archive changes.
func ExampleFileWatcher() {
	tmpDir, err := os.MkdirTemp("", "watcher-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	fw, err := daemon.NewFileWatcher()
	if err != nil {
		log.Fatal(err)
	}

	if err := fw.Start(map[daemon.Role]string{daemon.RoleManaged: tmpDir}); err != nil {
		log.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "jboss.jar"), []byte("archive"), 0644); err != nil {
		log.Fatal(err)
	}

	event := <-fw.Events()
	fmt.Printf("%s: %s (%s)\n", event.Op, filepath.Base(event.Path), event.Role)

	if err := fw.Stop(); err != nil {
		log.Fatal(err)
	}

	// Output:
	// create: jboss.jar (managed)
}
